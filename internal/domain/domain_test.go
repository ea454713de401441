package domain

import (
	"errors"
	"testing"
)

func TestParseStatus(t *testing.T) {
	for _, s := range Statuses() {
		got, err := ParseStatus(string(s))
		if err != nil || got != s {
			t.Fatalf("ParseStatus(%q) = %q, %v", s, got, err)
		}
	}
	for _, raw := range []string{"", "done", "COMPLETED"} {
		if _, err := ParseStatus(raw); !errors.Is(err, ErrInvalidStatus) {
			t.Fatalf("ParseStatus(%q) err = %v, want ErrInvalidStatus", raw, err)
		}
	}
}

func TestDirectionOf(t *testing.T) {
	cases := []struct {
		from, to Status
		want     Direction
	}{
		{StatusNotStarted, StatusNotStarted, DirectionSame},
		{StatusNotStarted, StatusInProgress, DirectionForward},
		{StatusNotStarted, StatusCompleted, DirectionForward},
		{StatusInProgress, StatusCompleted, DirectionForward},
		{StatusCompleted, StatusInProgress, DirectionBackward},
		{StatusCompleted, StatusNotStarted, DirectionBackward},
		{StatusInProgress, StatusNotStarted, DirectionBackward},
	}
	for _, c := range cases {
		if got := DirectionOf(c.from, c.to); got != c.want {
			t.Errorf("DirectionOf(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
	if Status("bogus").Order() != -1 {
		t.Fatalf("unknown status should have order -1")
	}
}

func TestTargetTypeFor(t *testing.T) {
	cases := map[Action]TargetType{
		ActionAutoEnable:       TargetTask,
		ActionAutoComplete:     TargetTask,
		ActionAssignUser:       TargetUser,
		ActionSendNotification: TargetUser,
	}
	for a, want := range cases {
		got, ok := TargetTypeFor(a)
		if !ok || got != want {
			t.Errorf("TargetTypeFor(%s) = %s, %v", a, got, ok)
		}
	}
	if _, ok := TargetTypeFor("archive"); ok {
		t.Fatalf("unknown action should not map to a target type")
	}
}

func TestParseDependencyType(t *testing.T) {
	if got, err := ParseDependencyType(""); err != nil || got != DependencyRequired {
		t.Fatalf("empty type = %q, %v", got, err)
	}
	if got, err := ParseDependencyType("optional"); err != nil || got != DependencyOptional {
		t.Fatalf("optional type = %q, %v", got, err)
	}
	if _, err := ParseDependencyType("soft"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}
