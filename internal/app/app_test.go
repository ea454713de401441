package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"famtasks/internal/catalog"
	"famtasks/internal/domain"
	"famtasks/internal/events"
	"famtasks/internal/repo"
)

const catalogYAML = `templates:
  - id: birth
    title: Birth certificate
    display_order: 1
  - id: passport
    title: Passport
    display_order: 2
  - id: visa
    title: Visa
    display_order: 3
users:
  - id: u-1
    name: Case worker
dependencies:
  - task: passport
    depends_on: birth
  - task: visa
    depends_on: passport
    type: optional
rules:
  - id: r-enable
    trigger_condition: task_completed
    trigger_task_id: birth
    action: auto_enable
    target_type: task
    action_target_task_id: passport
`

func openTestApp(t *testing.T) *App {
	t.Helper()
	var logs bytes.Buffer
	a, err := Open(context.Background(), Options{Workspace: t.TempDir(), Logger: NewLogger(&logs, true)})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestImportCatalogAndRunRules(t *testing.T) {
	a := openTestApp(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.yml")
	if err := os.WriteFile(path, []byte(catalogYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	sum, err := a.ImportCatalogFile(ctx, path, "admin")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if sum.TemplatesCreated != 3 || sum.Dependencies != 2 || sum.Rules != 1 || sum.Users != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	// importing again updates in place
	sum, err = a.ImportCatalogFile(ctx, path, "admin")
	if err != nil || sum.TemplatesUpdated != 3 || sum.TemplatesCreated != 0 {
		t.Fatalf("re-import: %+v %v", sum, err)
	}
	rulesList, _ := a.Rules.ListRules(ctx, false)
	if len(rulesList) != 1 {
		t.Fatalf("rule duplicated on re-import: %d", len(rulesList))
	}

	if _, err := a.Engine.Materialize(ctx, "F1", "Family"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Engine.TransitionByTask(ctx, "F1", "birth", domain.StatusCompleted, nil, "parent"); err != nil {
		t.Fatalf("complete birth: %v", err)
	}
	in, _ := a.Engine.GetFamilyTask(ctx, "F1", "passport")
	if in.Status != domain.StatusInProgress {
		t.Fatalf("rule did not enable passport: %s", in.Status)
	}
	logged, err := a.Repo.LatestEvents(ctx, repo.EventFilters{FamilyID: "F1"})
	if err != nil {
		t.Fatal(err)
	}
	// birth status_changed + completed, passport status_changed
	if len(logged) != 3 {
		t.Fatalf("expected 3 logged events, got %d", len(logged))
	}
	if logged[0].Type != events.TypeStatusChanged || logged[0].EntityID != in.ID || logged[0].ActorID != "rule:r-enable" {
		t.Fatalf("unexpected newest event %+v", logged[0])
	}
	if err := a.Notify.Close(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestImportRejectsCycle(t *testing.T) {
	a := openTestApp(t)
	file := CatalogFile{
		Templates: []TemplateSpec{{ID: "a", Title: "A"}, {ID: "b", Title: "B"}},
		Dependencies: []DependencySpec{
			{Task: "a", DependsOn: "b"},
			{Task: "b", DependsOn: "a"},
		},
	}
	_, err := a.ImportCatalog(context.Background(), file, "admin")
	var ce *catalog.CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}
