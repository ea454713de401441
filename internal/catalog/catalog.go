package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"famtasks/internal/domain"
	"famtasks/internal/events"
	"famtasks/internal/metrics"
)

// Store is the storage the catalog needs. InsertDependencyChecked must run
// check and the insert against one consistent snapshot of the edge set.
type Store interface {
	InsertTemplate(ctx context.Context, t domain.TaskTemplate) error
	UpdateTemplate(ctx context.Context, t domain.TaskTemplate) error
	GetTemplate(ctx context.Context, id string) (domain.TaskTemplate, error)
	ListTemplates(ctx context.Context) ([]domain.TaskTemplate, error)
	ListDependencies(ctx context.Context) ([]domain.DependencyEdge, error)
	ListDependenciesOf(ctx context.Context, taskID string) ([]domain.DependencyEdge, error)
	InsertDependencyChecked(ctx context.Context, edge domain.DependencyEdge, now string, check func([]domain.DependencyEdge) error) error
	DeleteDependency(ctx context.Context, taskID, dependsOnTaskID string, typ *domain.DependencyType) (bool, error)
}

// Locker serializes edge mutations across processes. *flock.Flock satisfies it.
type Locker interface {
	Lock() error
	Unlock() error
}

// Auditor records administrative changes. events.Writer satisfies it.
type Auditor interface {
	Append(ctx context.Context, evtType, familyID, entityKind, entityID, actorID, correlationID string, payload events.EventPayload) error
}

// Catalog owns task templates and the dependency graph between them.
type Catalog struct {
	Store   Store
	Locker  Locker
	Audit   Auditor
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time

	mu sync.Mutex
}

func New(store Store) *Catalog {
	return &Catalog{Store: store, Now: time.Now}
}

func (c *Catalog) now() string {
	if c.Now != nil {
		return c.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// TemplateCreateOptions are parameters for creating a template.
type TemplateCreateOptions struct {
	ID           string
	Title        string
	Description  string
	Category     string
	DisplayOrder int
	// NotTemplate keeps the task out of family materialization.
	NotTemplate bool
	ActorID     string
}

func (c *Catalog) CreateTemplate(ctx context.Context, opts TemplateCreateOptions) (domain.TaskTemplate, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.TaskTemplate{}, errors.New("title is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := c.now()
	t := domain.TaskTemplate{
		ID:           id,
		Title:        title,
		Description:  opts.Description,
		Category:     opts.Category,
		DisplayOrder: opts.DisplayOrder,
		IsTemplate:   !opts.NotTemplate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.Store.InsertTemplate(ctx, t); err != nil {
		return domain.TaskTemplate{}, fmt.Errorf("insert template: %w", err)
	}
	c.audit(ctx, "template.created", "task_template", t.ID, opts.ActorID, events.EventPayload{"title": t.Title})
	return t, nil
}

// TemplateUpdateOptions carries the administratively editable fields.
type TemplateUpdateOptions struct {
	ID           string
	Title        *string
	Description  *string
	DisplayOrder *int
	ActorID      string
}

func (c *Catalog) UpdateTemplate(ctx context.Context, opts TemplateUpdateOptions) (domain.TaskTemplate, error) {
	t, err := c.Store.GetTemplate(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	if opts.Title != nil {
		title := strings.TrimSpace(*opts.Title)
		if title == "" {
			return t, errors.New("title is required")
		}
		t.Title = title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.DisplayOrder != nil {
		t.DisplayOrder = *opts.DisplayOrder
	}
	t.UpdatedAt = c.now()
	if err := c.Store.UpdateTemplate(ctx, t); err != nil {
		return t, err
	}
	c.audit(ctx, "template.updated", "task_template", t.ID, opts.ActorID, events.EventPayload{"title": t.Title, "display_order": t.DisplayOrder})
	return t, nil
}

func (c *Catalog) GetTemplate(ctx context.Context, id string) (domain.TaskTemplate, error) {
	return c.Store.GetTemplate(ctx, id)
}

func (c *Catalog) ListTemplates(ctx context.Context) ([]domain.TaskTemplate, error) {
	return c.Store.ListTemplates(ctx)
}

// ListDependencies returns the edges of taskID, or every edge when taskID is empty.
func (c *Catalog) ListDependencies(ctx context.Context, taskID string) ([]domain.DependencyEdge, error) {
	if taskID == "" {
		return c.Store.ListDependencies(ctx)
	}
	return c.Store.ListDependenciesOf(ctx, taskID)
}

// AddDependency records "taskID depends on dependsOnTaskID". It fails with
// *SelfDependencyError or *CycleError and writes nothing in that case.
func (c *Catalog) AddDependency(ctx context.Context, taskID, dependsOnTaskID string, typ domain.DependencyType, actorID string) (domain.DependencyEdge, error) {
	edge := domain.DependencyEdge{TaskID: taskID, DependsOnTaskID: dependsOnTaskID, Type: typ}
	if edge.Type == "" {
		edge.Type = domain.DependencyRequired
	}
	if _, err := domain.ParseDependencyType(string(edge.Type)); err != nil {
		return edge, err
	}
	if taskID == dependsOnTaskID {
		c.Metrics.EdgeRejected("self")
		return edge, &SelfDependencyError{TaskID: taskID}
	}

	unlock, err := c.lock()
	if err != nil {
		return edge, err
	}
	defer unlock()

	err = c.Store.InsertDependencyChecked(ctx, edge, c.now(), func(existing []domain.DependencyEdge) error {
		for _, e := range existing {
			if e.TaskID == taskID && e.DependsOnTaskID == dependsOnTaskID {
				// already in the graph; only the type can change
				return nil
			}
		}
		return CheckEdge(existing, taskID, dependsOnTaskID)
	})
	if err != nil {
		var ce *CycleError
		if errors.As(err, &ce) {
			c.Metrics.EdgeRejected("cycle")
		}
		return edge, err
	}
	c.audit(ctx, "dependency.added", "task_template", taskID, actorID, events.EventPayload{
		"depends_on_task_id": dependsOnTaskID,
		"dependency_type":    edge.Type,
	})
	return edge, nil
}

// RemoveDependency deletes the edge unconditionally; a nil typ matches any type.
func (c *Catalog) RemoveDependency(ctx context.Context, taskID, dependsOnTaskID string, typ *domain.DependencyType, actorID string) (bool, error) {
	unlock, err := c.lock()
	if err != nil {
		return false, err
	}
	defer unlock()
	removed, err := c.Store.DeleteDependency(ctx, taskID, dependsOnTaskID, typ)
	if err != nil {
		return false, err
	}
	if removed {
		c.audit(ctx, "dependency.removed", "task_template", taskID, actorID, events.EventPayload{"depends_on_task_id": dependsOnTaskID})
	}
	return removed, nil
}

// TopologicalOrder returns every template with prerequisites first.
func (c *Catalog) TopologicalOrder(ctx context.Context) ([]domain.TaskTemplate, error) {
	templates, err := c.Store.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := c.Store.ListDependencies(ctx)
	if err != nil {
		return nil, err
	}
	return TopologicalOrder(templates, edges), nil
}

// Check runs a full reachability check over the stored graph.
func (c *Catalog) Check(ctx context.Context) ([]string, error) {
	edges, err := c.Store.ListDependencies(ctx)
	if err != nil {
		return nil, err
	}
	return FindCycle(edges), nil
}

func (c *Catalog) lock() (func(), error) {
	c.mu.Lock()
	if c.Locker == nil {
		return c.mu.Unlock, nil
	}
	if err := c.Locker.Lock(); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("acquire catalog lock: %w", err)
	}
	return func() {
		_ = c.Locker.Unlock()
		c.mu.Unlock()
	}, nil
}

func (c *Catalog) audit(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) {
	if c.Audit == nil {
		return
	}
	if actorID == "" {
		actorID = "system"
	}
	if err := c.Audit.Append(ctx, evtType, "", entityKind, entityID, actorID, "", payload); err != nil {
		c.logger().ErrorContext(ctx, "audit write failed",
			"event", evtType,
			"entity_kind", entityKind,
			"entity_id", entityID,
			"error", err)
	}
}

func (c *Catalog) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
