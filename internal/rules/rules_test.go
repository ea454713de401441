package rules_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"famtasks/internal/catalog"
	"famtasks/internal/db"
	"famtasks/internal/deps"
	"famtasks/internal/domain"
	"famtasks/internal/engine"
	"famtasks/internal/events"
	"famtasks/internal/migrate"
	"famtasks/internal/repo"
	"famtasks/internal/rules"
)

type notified struct {
	mu    sync.Mutex
	calls []string
}

func (n *notified) NotifyUser(_ context.Context, userID, ruleID string, ev events.TransitionEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, userID+"|"+ruleID+"|"+ev.TemplateTaskID)
	return nil
}

type testEnv struct {
	Rules    *rules.Engine
	Engine   engine.Engine
	Repo     repo.Repo
	Notifier *notified
	Ctx      context.Context
}

func newTestEnv(t *testing.T, templates ...string) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	cat := catalog.New(r)
	for i, id := range templates {
		if _, err := cat.CreateTemplate(ctx, catalog.TemplateCreateOptions{ID: id, Title: id, DisplayOrder: i}); err != nil {
			t.Fatalf("create template: %v", err)
		}
	}
	if _, err := cat.CreateTemplate(ctx, catalog.TemplateCreateOptions{ID: "retired", Title: "Retired", NotTemplate: true}); err != nil {
		t.Fatalf("create template: %v", err)
	}
	if err := r.UpsertUser(ctx, domain.User{ID: "u-1", Name: "Case worker"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}

	emitter := events.NewEmitter(nil, nil)
	eng := engine.New(r, deps.New(r), emitter)
	n := &notified{}
	re := &rules.Engine{
		Store:       r,
		Directory:   r,
		Transitions: eng,
		Assigner:    r,
		Notifier:    n,
		Now:         func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	emitter.Subscribe("rules", re.HandleEvent)
	if _, err := eng.Materialize(ctx, "F1", ""); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	return testEnv{Rules: re, Engine: eng, Repo: r, Notifier: n, Ctx: ctx}
}

func ptr(s string) *string { return &s }

func completedRule(trigger, action, targetType, target string) rules.RuleInput {
	in := rules.RuleInput{
		TriggerCondition: "task_completed",
		TriggerTaskID:    ptr(trigger),
		Action:           action,
		TargetType:       targetType,
	}
	if targetType == "task" {
		in.ActionTargetTaskID = ptr(target)
	} else {
		in.ActionTargetUserID = ptr(target)
	}
	return in
}

func status(t *testing.T, env testEnv, taskID string) domain.Status {
	t.Helper()
	in, err := env.Engine.GetFamilyTask(env.Ctx, "F1", taskID)
	if err != nil {
		t.Fatalf("get %s: %v", taskID, err)
	}
	return in.Status
}

func TestAutoEnableOnCompletion(t *testing.T) {
	env := newTestEnv(t, "A", "B")
	if _, err := catalog.New(env.Repo).AddDependency(env.Ctx, "A", "B", domain.DependencyRequired, "admin"); err != nil {
		t.Fatalf("add dependency: %v", err)
	}
	if _, err := env.Rules.CreateRule(env.Ctx, completedRule("B", "auto_enable", "task", "A")); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if _, err := env.Engine.TransitionByTask(env.Ctx, "F1", "B", domain.StatusCompleted, nil, "tester"); err != nil {
		t.Fatalf("complete B: %v", err)
	}
	if got := status(t, env, "A"); got != domain.StatusInProgress {
		t.Fatalf("expected A in_progress, got %s", got)
	}
}

func TestCreateRuleReportsEveryViolation(t *testing.T) {
	env := newTestEnv(t, "A", "B")
	_, err := env.Rules.CreateRule(env.Ctx, completedRule("A", "assign_user", "task", "B"))
	var rv *rules.RuleValidationError
	if !errors.As(err, &rv) {
		t.Fatalf("expected rule validation error, got %v", err)
	}
	if !strings.Contains(strings.Join(rv.Violations, ";"), "requires target_type user") {
		t.Fatalf("missing mismatch violation: %v", rv.Violations)
	}

	_, err = env.Rules.CreateRule(env.Ctx, rules.RuleInput{
		TriggerCondition:   "status_change",
		Action:             "explode",
		TargetType:         "planet",
		TriggerTaskID:      ptr("A"),
		ActionTargetTaskID: ptr("A"),
		ActionTargetUserID: ptr("ghost"),
	})
	if !errors.As(err, &rv) {
		t.Fatalf("expected rule validation error, got %v", err)
	}
	want := []string{"trigger_status is required", "unknown action", "unknown target_type", "unknown action_target_user_id", "same task"}
	joined := strings.Join(rv.Violations, ";")
	for _, w := range want {
		if !strings.Contains(joined, w) {
			t.Fatalf("violation %q missing from %v", w, rv.Violations)
		}
	}

	_, err = env.Rules.CreateRule(env.Ctx, completedRule("nope", "auto_complete", "task", "A"))
	if !errors.As(err, &rv) || !strings.Contains(rv.Error(), `unknown trigger_task_id "nope"`) {
		t.Fatalf("expected unknown trigger task, got %v", err)
	}
	all, _ := env.Rules.ListRules(env.Ctx, false)
	if len(all) != 0 {
		t.Fatalf("invalid rules were stored: %d", len(all))
	}
}

func TestMultiHopChainStopsAtMaxDepth(t *testing.T) {
	env := newTestEnv(t, "T1", "T2", "T3", "T4")
	env.Rules.MaxDepth = 2
	for _, pair := range [][2]string{{"T1", "T2"}, {"T2", "T3"}, {"T3", "T4"}} {
		if _, err := env.Rules.CreateRule(env.Ctx, completedRule(pair[0], "auto_complete", "task", pair[1])); err != nil {
			t.Fatalf("create rule: %v", err)
		}
	}
	if _, err := env.Engine.TransitionByTask(env.Ctx, "F1", "T1", domain.StatusCompleted, nil, "tester"); err != nil {
		t.Fatalf("complete T1: %v", err)
	}
	for _, id := range []string{"T2", "T3"} {
		if got := status(t, env, id); got != domain.StatusCompleted {
			t.Fatalf("expected %s completed, got %s", id, got)
		}
	}
	if got := status(t, env, "T4"); got != domain.StatusNotStarted {
		t.Fatalf("chain ran past max depth: T4=%s", got)
	}
}

func TestMutualRulesTerminate(t *testing.T) {
	env := newTestEnv(t, "A", "B")
	for _, in := range []rules.RuleInput{
		completedRule("A", "auto_complete", "task", "B"),
		completedRule("B", "auto_complete", "task", "A"),
	} {
		if _, err := env.Rules.CreateRule(env.Ctx, in); err != nil {
			t.Fatalf("create rule: %v", err)
		}
	}
	if _, err := env.Engine.TransitionByTask(env.Ctx, "F1", "A", domain.StatusCompleted, nil, "tester"); err != nil {
		t.Fatalf("complete A: %v", err)
	}
	if got := status(t, env, "B"); got != domain.StatusCompleted {
		t.Fatalf("expected B completed, got %s", got)
	}
}

func TestHandleEventRunsEveryMatchingRule(t *testing.T) {
	env := newTestEnv(t, "A", "B")
	// targets a task the family has no instance of
	if _, err := env.Rules.CreateRule(env.Ctx, completedRule("A", "auto_enable", "task", "retired")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Rules.CreateRule(env.Ctx, completedRule("A", "assign_user", "user", "u-1")); err != nil {
		t.Fatal(err)
	}
	notify, err := env.Rules.CreateRule(env.Ctx, completedRule("A", "send_notification", "user", "u-1"))
	if err != nil {
		t.Fatal(err)
	}
	in, _ := env.Engine.GetFamilyTask(env.Ctx, "F1", "A")
	ev := events.TransitionEvent{
		Type:           events.TypeCompleted,
		FamilyID:       "F1",
		InstanceID:     in.ID,
		TemplateTaskID: "A",
		NewStatus:      domain.StatusCompleted,
		OriginID:       "o-1",
	}
	err = env.Rules.HandleEvent(env.Ctx, ev)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected joined not found error, got %v", err)
	}
	in, _ = env.Engine.GetFamilyTask(env.Ctx, "F1", "A")
	if in.AssigneeID == nil || *in.AssigneeID != "u-1" {
		t.Fatalf("assign_user did not run: %+v", in.AssigneeID)
	}
	if len(env.Notifier.calls) != 1 || env.Notifier.calls[0] != "u-1|"+notify.ID+"|A" {
		t.Fatalf("unexpected notifications %v", env.Notifier.calls)
	}
}

func TestStatusChangeRuleAndToggle(t *testing.T) {
	env := newTestEnv(t, "A", "B")
	rule, err := env.Rules.CreateRule(env.Ctx, rules.RuleInput{
		TriggerCondition:   "status_change",
		TriggerStatus:      ptr("in_progress"),
		Action:             "auto_enable",
		TargetType:         "task",
		ActionTargetTaskID: ptr("B"),
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if _, err := env.Rules.SetRuleActive(env.Ctx, rule.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionByTask(env.Ctx, "F1", "A", domain.StatusInProgress, nil, "tester"); err != nil {
		t.Fatal(err)
	}
	if got := status(t, env, "B"); got != domain.StatusNotStarted {
		t.Fatalf("inactive rule fired: B=%s", got)
	}
	if _, err := env.Rules.SetRuleActive(env.Ctx, rule.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionByTask(env.Ctx, "F1", "A", domain.StatusNotStarted, nil, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionByTask(env.Ctx, "F1", "A", domain.StatusInProgress, nil, "tester"); err != nil {
		t.Fatal(err)
	}
	if got := status(t, env, "B"); got != domain.StatusInProgress {
		t.Fatalf("status_change rule did not fire: B=%s", got)
	}
}

func TestUpdateRuleRevalidates(t *testing.T) {
	env := newTestEnv(t, "A", "B")
	rule, err := env.Rules.CreateRule(env.Ctx, completedRule("A", "auto_enable", "task", "B"))
	if err != nil {
		t.Fatal(err)
	}
	var rv *rules.RuleValidationError
	if _, err := env.Rules.UpdateRule(env.Ctx, rule.ID, completedRule("A", "auto_enable", "task", "A")); !errors.As(err, &rv) {
		t.Fatalf("expected validation error, got %v", err)
	}
	updated, err := env.Rules.UpdateRule(env.Ctx, rule.ID, completedRule("A", "send_notification", "user", "u-1"))
	if err != nil {
		t.Fatal(err)
	}
	if updated.CreatedAt != rule.CreatedAt || !updated.IsActive || updated.Action != domain.ActionSendNotification {
		t.Fatalf("unexpected update %+v", updated)
	}
}
