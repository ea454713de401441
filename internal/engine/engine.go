// Package engine is the transition validator for family task instances.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"famtasks/internal/deps"
	"famtasks/internal/domain"
	"famtasks/internal/events"
	"famtasks/internal/metrics"
)

// Store is the instance storage collaborator. CompareAndSetStatus must be
// an atomic check-and-set on a single instance.
type Store interface {
	GetInstance(ctx context.Context, id string) (domain.FamilyTaskInstance, error)
	GetFamilyTask(ctx context.Context, familyID, taskID string) (domain.FamilyTaskInstance, error)
	ListFamilyTasks(ctx context.Context, familyID string) ([]domain.FamilyTaskInstance, error)
	GetTemplate(ctx context.Context, id string) (domain.TaskTemplate, error)
	CompareAndSetStatus(ctx context.Context, id string, expected, next domain.Status, notes *string, at string) (domain.FamilyTaskInstance, error)
	UpdateNotes(ctx context.Context, id, notes string) error
	MaterializeFamily(ctx context.Context, f domain.Family, newID func() string) ([]domain.FamilyTaskInstance, error)
}

// DependencyChecker is satisfied by deps.Validator.
type DependencyChecker interface {
	Validate(ctx context.Context, taskID, familyID string) (deps.Result, error)
}

// Publisher is satisfied by *events.Emitter.
type Publisher interface {
	Emit(ctx context.Context, ev events.TransitionEvent)
	NewCorrelationID() string
}

// BlockedTransitionError rejects a forward move while required dependencies
// are incomplete. MissingRequired holds template titles.
type BlockedTransitionError struct {
	TaskID          string
	Title           string
	MissingRequired []string
}

func (e *BlockedTransitionError) Error() string {
	name := e.Title
	if name == "" {
		name = e.TaskID
	}
	return fmt.Sprintf("task %q cannot advance: missing required dependencies: %s", name, strings.Join(e.MissingRequired, ", "))
}

type Engine struct {
	Store   Store
	Deps    DependencyChecker
	Events  Publisher
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

func New(store Store, checker DependencyChecker, pub Publisher) Engine {
	return Engine{
		Store:  store,
		Deps:   checker,
		Events: pub,
		Logger: slog.Default(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// TransitionRequest asks to move one instance to Status. When InstanceID is
// empty the instance is resolved from FamilyID and TaskID.
type TransitionRequest struct {
	InstanceID string
	FamilyID   string
	TaskID     string
	Status     domain.Status
	Notes      *string
	ActorID    string
	// Depth and OriginID are honoured only on automated requests.
	Depth    int
	OriginID string
}

type TransitionResult struct {
	Instance      domain.FamilyTaskInstance `json:"instance"`
	Changed       bool                      `json:"changed"`
	CorrelationID string                    `json:"correlation_id,omitempty"`
}

// RequestTransition applies a user-requested status change. Forward moves
// require every required dependency to be completed.
func (e Engine) RequestTransition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	req.Depth = 0
	req.OriginID = ""
	return e.transition(ctx, req, false)
}

// RequestAutomatedTransition skips the dependency check. Only the rule
// engine calls it.
func (e Engine) RequestAutomatedTransition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	return e.transition(ctx, req, true)
}

// TransitionByTask resolves the family's instance of taskID and requests a transition.
func (e Engine) TransitionByTask(ctx context.Context, familyID, taskID string, status domain.Status, notes *string, actorID string) (TransitionResult, error) {
	return e.RequestTransition(ctx, TransitionRequest{
		FamilyID: familyID,
		TaskID:   taskID,
		Status:   status,
		Notes:    notes,
		ActorID:  actorID,
	})
}

func (e Engine) resolve(ctx context.Context, req TransitionRequest) (domain.FamilyTaskInstance, error) {
	if req.InstanceID != "" {
		return e.Store.GetInstance(ctx, req.InstanceID)
	}
	if req.FamilyID == "" || req.TaskID == "" {
		return domain.FamilyTaskInstance{}, errors.New("instance id or family and task ids are required")
	}
	return e.Store.GetFamilyTask(ctx, req.FamilyID, req.TaskID)
}

func (e Engine) transition(ctx context.Context, req TransitionRequest, bypass bool) (TransitionResult, error) {
	next, err := domain.ParseStatus(string(req.Status))
	if err != nil {
		return TransitionResult{}, err
	}
	in, err := e.resolve(ctx, req)
	if err != nil {
		return TransitionResult{}, err
	}

	switch domain.DirectionOf(in.Status, next) {
	case domain.DirectionSame:
		if req.Notes != nil && *req.Notes != in.Notes {
			if err := e.Store.UpdateNotes(ctx, in.ID, *req.Notes); err != nil {
				return TransitionResult{}, fmt.Errorf("update notes: %w", err)
			}
			in.Notes = *req.Notes
		}
		return TransitionResult{Instance: in}, nil
	case domain.DirectionForward:
		if !bypass {
			if err := e.ensureCanStart(ctx, in); err != nil {
				return TransitionResult{}, err
			}
		}
	}

	at := e.now().UTC()
	updated, err := e.Store.CompareAndSetStatus(ctx, in.ID, in.Status, next, req.Notes, at.Format(time.RFC3339))
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			e.Metrics.Conflict()
		}
		return TransitionResult{}, err
	}
	e.Metrics.Transition(string(next), bypass)

	corr := e.Events.NewCorrelationID()
	origin := req.OriginID
	if !bypass || origin == "" {
		origin = corr
	}
	depth := 0
	if bypass {
		depth = req.Depth
	}
	var notes *string
	if req.Notes != nil {
		n := *req.Notes
		notes = &n
	}
	ev := events.TransitionEvent{
		Type:           events.TypeStatusChanged,
		FamilyID:       updated.FamilyID,
		InstanceID:     updated.ID,
		TemplateTaskID: updated.TaskID,
		OldStatus:      in.Status,
		NewStatus:      next,
		ActorID:        req.ActorID,
		CorrelationID:  corr,
		Timestamp:      at,
		Notes:          notes,
		Depth:          depth,
		OriginID:       origin,
	}
	if bypass {
		e.logger().Info("automated transition",
			"instance_id", updated.ID,
			"from", in.Status,
			"to", next,
			"depth", depth,
			"origin_id", origin)
	}
	e.Events.Emit(ctx, ev)
	if ev.NewStatus == domain.StatusCompleted {
		e.Events.Emit(ctx, ev.Completion())
	}
	return TransitionResult{Instance: updated, Changed: true, CorrelationID: corr}, nil
}

func (e Engine) ensureCanStart(ctx context.Context, in domain.FamilyTaskInstance) error {
	res, err := e.Deps.Validate(ctx, in.TaskID, in.FamilyID)
	if err != nil {
		return fmt.Errorf("validate dependencies: %w", err)
	}
	if res.CanStart {
		return nil
	}
	e.Metrics.Blocked()
	blocked := &BlockedTransitionError{TaskID: in.TaskID, MissingRequired: res.MissingRequired}
	if tpl, err := e.Store.GetTemplate(ctx, in.TaskID); err == nil {
		blocked.Title = tpl.Title
	}
	return blocked
}

// Materialize creates the family and one not_started instance per live template.
func (e Engine) Materialize(ctx context.Context, familyID, name string) ([]domain.FamilyTaskInstance, error) {
	if strings.TrimSpace(familyID) == "" {
		return nil, errors.New("family id is required")
	}
	f := domain.Family{ID: familyID, Name: name, CreatedAt: e.now().UTC().Format(time.RFC3339)}
	return e.Store.MaterializeFamily(ctx, f, func() string { return uuid.New().String() })
}

func (e Engine) ListFamilyTasks(ctx context.Context, familyID string) ([]domain.FamilyTaskInstance, error) {
	return e.Store.ListFamilyTasks(ctx, familyID)
}

func (e Engine) GetFamilyTask(ctx context.Context, familyID, taskID string) (domain.FamilyTaskInstance, error) {
	return e.Store.GetFamilyTask(ctx, familyID, taskID)
}
