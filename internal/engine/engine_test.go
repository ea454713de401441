package engine_test

import (
	"context"
	"errors"
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
)

type recorder struct {
	mu  sync.Mutex
	got []events.TransitionEvent
}

func (r *recorder) handle(_ context.Context, ev events.TransitionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
	return nil
}

func (r *recorder) reset() []events.TransitionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.got
	r.got = nil
	return out
}

type testEnv struct {
	Engine  engine.Engine
	Repo    repo.Repo
	Catalog *catalog.Catalog
	Events  *recorder
	Ctx     context.Context
}

// newTestEnv seeds a catalog where A requires B and B has no
// dependencies, then materializes family F1.
func newTestEnv(t *testing.T) testEnv {
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
	for i, id := range []string{"A", "B", "C"} {
		if _, err := cat.CreateTemplate(ctx, catalog.TemplateCreateOptions{ID: id, Title: id, DisplayOrder: i}); err != nil {
			t.Fatalf("create template: %v", err)
		}
	}
	if _, err := cat.AddDependency(ctx, "A", "B", domain.DependencyRequired, "admin"); err != nil {
		t.Fatalf("add dependency: %v", err)
	}

	rec := &recorder{}
	emitter := events.NewEmitter(nil, nil)
	emitter.Subscribe("recorder", rec.handle)
	eng := engine.New(r, deps.New(r), emitter)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := eng.Materialize(ctx, "F1", "Family one"); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	return testEnv{Engine: eng, Repo: r, Catalog: cat, Events: rec, Ctx: ctx}
}

func (env testEnv) move(t *testing.T, taskID string, st domain.Status) (engine.TransitionResult, error) {
	t.Helper()
	return env.Engine.TransitionByTask(env.Ctx, "F1", taskID, st, nil, "tester")
}

func TestDependencyGating(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.move(t, "A", domain.StatusInProgress)
	var blocked *engine.BlockedTransitionError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected blocked transition, got %v", err)
	}
	if len(blocked.MissingRequired) != 1 || blocked.MissingRequired[0] != "B" {
		t.Fatalf("unexpected missing %v", blocked.MissingRequired)
	}
	in, _ := env.Engine.GetFamilyTask(env.Ctx, "F1", "A")
	if in.Status != domain.StatusNotStarted {
		t.Fatalf("blocked transition mutated instance: %s", in.Status)
	}
	if got := env.Events.reset(); len(got) != 0 {
		t.Fatalf("blocked transition emitted %d events", len(got))
	}

	res, err := env.move(t, "B", domain.StatusCompleted)
	if err != nil || !res.Changed {
		t.Fatalf("complete B: %v", err)
	}
	if res.Instance.CompletedAt == nil {
		t.Fatalf("completed_at not stamped")
	}
	if _, err := env.move(t, "A", domain.StatusInProgress); err != nil {
		t.Fatalf("A after B completed: %v", err)
	}
}

func TestCompletionEmitsPairedEvents(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.move(t, "B", domain.StatusCompleted)
	if err != nil {
		t.Fatal(err)
	}
	got := env.Events.reset()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != events.TypeStatusChanged || got[1].Type != events.TypeCompleted {
		t.Fatalf("unexpected event types %s, %s", got[0].Type, got[1].Type)
	}
	for _, ev := range got {
		if ev.CorrelationID != res.CorrelationID || ev.InstanceID != res.Instance.ID {
			t.Fatalf("event not correlated: %+v", ev)
		}
		if ev.OldStatus != domain.StatusNotStarted || ev.NewStatus != domain.StatusCompleted {
			t.Fatalf("unexpected statuses %s -> %s", ev.OldStatus, ev.NewStatus)
		}
		if ev.Depth != 0 || ev.OriginID != res.CorrelationID {
			t.Fatalf("user transition should start a chain: %+v", ev)
		}
	}

	if _, err := env.move(t, "C", domain.StatusInProgress); err != nil {
		t.Fatal(err)
	}
	got = env.Events.reset()
	if len(got) != 1 || got[0].CorrelationID == res.CorrelationID {
		t.Fatalf("expected one fresh status event, got %+v", got)
	}
}

func TestSameStatusIsNoop(t *testing.T) {
	env := newTestEnv(t)
	notes := "waiting on the notary"
	res, err := env.Engine.TransitionByTask(env.Ctx, "F1", "B", domain.StatusNotStarted, &notes, "tester")
	if err != nil {
		t.Fatalf("same status: %v", err)
	}
	if res.Changed || res.CorrelationID != "" {
		t.Fatalf("same status reported a change: %+v", res)
	}
	if got := env.Events.reset(); len(got) != 0 {
		t.Fatalf("same status emitted %d events", len(got))
	}
	in, _ := env.Engine.GetFamilyTask(env.Ctx, "F1", "B")
	if in.Notes != notes {
		t.Fatalf("notes not stored: %q", in.Notes)
	}
}

func TestBackwardIgnoresDependencies(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.move(t, "B", domain.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	if _, err := env.move(t, "A", domain.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	// reset B so A's dependency is no longer satisfied
	if _, err := env.move(t, "B", domain.StatusNotStarted); err != nil {
		t.Fatal(err)
	}
	res, err := env.move(t, "A", domain.StatusInProgress)
	if err != nil {
		t.Fatalf("backward move blocked: %v", err)
	}
	if res.Instance.CompletedAt == nil {
		t.Fatalf("moving away from completed must keep completed_at")
	}
	if _, err := env.move(t, "A", domain.StatusCompleted); err == nil {
		t.Fatalf("forward move should be blocked again")
	}
}

func TestAutomatedTransitionBypassesDependencies(t *testing.T) {
	env := newTestEnv(t)
	in, _ := env.Engine.GetFamilyTask(env.Ctx, "F1", "A")
	res, err := env.Engine.RequestAutomatedTransition(env.Ctx, engine.TransitionRequest{
		InstanceID: in.ID,
		Status:     domain.StatusInProgress,
		ActorID:    "rule:r1",
		Depth:      2,
		OriginID:   "origin-1",
	})
	if err != nil || !res.Changed {
		t.Fatalf("automated transition: %v", err)
	}
	got := env.Events.reset()
	if len(got) != 1 || got[0].Depth != 2 || got[0].OriginID != "origin-1" {
		t.Fatalf("automation chain not carried: %+v", got)
	}
}

func TestInvalidStatusAndUnknownTask(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.move(t, "B", domain.Status("done")); !errors.Is(err, domain.ErrInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	if _, err := env.move(t, "nope", domain.StatusCompleted); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMaterializeOnce(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Materialize(env.Ctx, "F1", ""); !errors.Is(err, repo.ErrAlreadyMaterialized) {
		t.Fatalf("expected already materialized, got %v", err)
	}
	tasks, err := env.Engine.ListFamilyTasks(env.Ctx, "F1")
	if err != nil || len(tasks) != 3 {
		t.Fatalf("expected 3 instances, got %d (%v)", len(tasks), err)
	}
	for _, in := range tasks {
		if in.Status != domain.StatusNotStarted {
			t.Fatalf("instance %s materialized as %s", in.TaskID, in.Status)
		}
	}
}

func TestCompareAndSetConflict(t *testing.T) {
	env := newTestEnv(t)
	in, _ := env.Engine.GetFamilyTask(env.Ctx, "F1", "C")
	if _, err := env.move(t, "C", domain.StatusInProgress); err != nil {
		t.Fatal(err)
	}
	// a writer that read the old status loses and writes nothing
	_, err := env.Repo.CompareAndSetStatus(env.Ctx, in.ID, domain.StatusNotStarted, domain.StatusCompleted, nil, "2024-01-01T00:00:00Z")
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	cur, _ := env.Engine.GetFamilyTask(env.Ctx, "F1", "C")
	if cur.Status != domain.StatusInProgress || cur.CompletedAt != nil {
		t.Fatalf("conflicting write applied: %+v", cur)
	}
}

func TestReadyTasksFollowCompletions(t *testing.T) {
	env := newTestEnv(t)
	v := deps.New(env.Repo)
	ready, err := v.ReadyTasks(env.Ctx, "F1")
	if err != nil {
		t.Fatal(err)
	}
	if ids := taskIDs(ready); ids != "BC" {
		t.Fatalf("expected B and C ready, got %s", ids)
	}
	if _, err := env.move(t, "C", domain.StatusInProgress); err != nil {
		t.Fatal(err)
	}
	if _, err := env.move(t, "B", domain.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	ready, _ = v.ReadyTasks(env.Ctx, "F1")
	if ids := taskIDs(ready); ids != "A" {
		t.Fatalf("expected only A ready, got %s", ids)
	}
}

func taskIDs(in []domain.FamilyTaskInstance) string {
	s := ""
	for _, i := range in {
		s += i.TaskID
	}
	return s
}

func TestSubscriberCannotRewriteNotes(t *testing.T) {
	env := newTestEnv(t)
	emitter := events.NewEmitter(nil, nil)
	emitter.Subscribe("rewriter", func(_ context.Context, ev events.TransitionEvent) error {
		if ev.Notes != nil {
			*ev.Notes = "rewritten"
		}
		return nil
	})
	rec := &recorder{}
	emitter.Subscribe("recorder", rec.handle)
	eng := engine.New(env.Repo, deps.New(env.Repo), emitter)

	notes := "bags packed"
	if _, err := eng.TransitionByTask(env.Ctx, "F1", "B", domain.StatusCompleted, &notes, "tester"); err != nil {
		t.Fatalf("complete B: %v", err)
	}
	if notes != "bags packed" {
		t.Fatalf("caller notes changed to %q", notes)
	}
	got := rec.reset()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	for _, ev := range got {
		if ev.Notes == nil || *ev.Notes != "bags packed" {
			t.Fatalf("%s event saw notes %v", ev.Type, ev.Notes)
		}
	}
	in, err := eng.GetFamilyTask(env.Ctx, "F1", "B")
	if err != nil {
		t.Fatal(err)
	}
	if in.Notes != "bags packed" {
		t.Fatalf("stored notes %q", in.Notes)
	}
}
