// Package deps evaluates whether family task instances may advance given
// the dependency edges of their templates.
package deps

import (
	"context"
	"fmt"

	"famtasks/internal/domain"
)

// Source is the read side of storage the validator needs.
type Source interface {
	ListDependencies(ctx context.Context) ([]domain.DependencyEdge, error)
	ListDependenciesOf(ctx context.Context, taskID string) ([]domain.DependencyEdge, error)
	ListFamilyTasks(ctx context.Context, familyID string) ([]domain.FamilyTaskInstance, error)
	ListTemplates(ctx context.Context) ([]domain.TaskTemplate, error)
}

// Result is the outcome of validating one task. Missing lists hold template titles.
type Result struct {
	CanStart        bool     `json:"can_start"`
	MissingRequired []string `json:"missing_required"`
	MissingOptional []string `json:"missing_optional"`
}

// Readiness is a Result attached to the instance it was computed for.
type Readiness struct {
	Instance domain.FamilyTaskInstance `json:"instance"`
	Title    string                    `json:"title"`
	Result
}

type Validator struct {
	Source Source
}

func New(src Source) Validator {
	return Validator{Source: src}
}

// snapshot is one family's instances and the catalog, indexed for lookups.
type snapshot struct {
	templates map[string]domain.TaskTemplate
	instances map[string]domain.FamilyTaskInstance
	ordered   []domain.FamilyTaskInstance
}

func (v Validator) load(ctx context.Context, familyID string) (snapshot, error) {
	templates, err := v.Source.ListTemplates(ctx)
	if err != nil {
		return snapshot{}, fmt.Errorf("load templates: %w", err)
	}
	instances, err := v.Source.ListFamilyTasks(ctx, familyID)
	if err != nil {
		return snapshot{}, fmt.Errorf("load family tasks: %w", err)
	}
	s := snapshot{
		templates: make(map[string]domain.TaskTemplate, len(templates)),
		instances: make(map[string]domain.FamilyTaskInstance, len(instances)),
		ordered:   instances,
	}
	for _, t := range templates {
		s.templates[t.ID] = t
	}
	for _, in := range instances {
		s.instances[in.TaskID] = in
	}
	return s, nil
}

func (s snapshot) title(taskID string) string {
	if t, ok := s.templates[taskID]; ok && t.Title != "" {
		return t.Title
	}
	return taskID
}

// evaluate classifies the unmet dependencies among edges, which must all
// belong to one dependent task. A missing instance counts as not completed
// when its template is live and is ignored otherwise.
func (s snapshot) evaluate(edges []domain.DependencyEdge) Result {
	res := Result{MissingRequired: []string{}, MissingOptional: []string{}}
	for _, e := range edges {
		in, ok := s.instances[e.DependsOnTaskID]
		if ok && in.Status == domain.StatusCompleted {
			continue
		}
		if !ok {
			tpl, known := s.templates[e.DependsOnTaskID]
			if !known || !tpl.IsTemplate {
				continue
			}
		}
		if e.Type == domain.DependencyOptional {
			res.MissingOptional = append(res.MissingOptional, s.title(e.DependsOnTaskID))
		} else {
			res.MissingRequired = append(res.MissingRequired, s.title(e.DependsOnTaskID))
		}
	}
	res.CanStart = len(res.MissingRequired) == 0
	return res
}

// Validate reports whether the family's instance of taskID may start.
func (v Validator) Validate(ctx context.Context, taskID, familyID string) (Result, error) {
	edges, err := v.Source.ListDependenciesOf(ctx, taskID)
	if err != nil {
		return Result{}, fmt.Errorf("load dependencies: %w", err)
	}
	if len(edges) == 0 {
		return Result{CanStart: true, MissingRequired: []string{}, MissingOptional: []string{}}, nil
	}
	s, err := v.load(ctx, familyID)
	if err != nil {
		return Result{}, err
	}
	return s.evaluate(edges), nil
}

// Board evaluates every instance of the family in one pass, in display order.
func (v Validator) Board(ctx context.Context, familyID string) ([]Readiness, error) {
	edges, err := v.Source.ListDependencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dependencies: %w", err)
	}
	s, err := v.load(ctx, familyID)
	if err != nil {
		return nil, err
	}
	byTask := make(map[string][]domain.DependencyEdge)
	for _, e := range edges {
		byTask[e.TaskID] = append(byTask[e.TaskID], e)
	}
	out := make([]Readiness, 0, len(s.ordered))
	for _, in := range s.ordered {
		out = append(out, Readiness{
			Instance: in,
			Title:    s.title(in.TaskID),
			Result:   s.evaluate(byTask[in.TaskID]),
		})
	}
	return out, nil
}

// ReadyTasks returns the not_started instances that can start now.
func (v Validator) ReadyTasks(ctx context.Context, familyID string) ([]domain.FamilyTaskInstance, error) {
	board, err := v.Board(ctx, familyID)
	if err != nil {
		return nil, err
	}
	ready := []domain.FamilyTaskInstance{}
	for _, r := range board {
		if r.Instance.Status == domain.StatusNotStarted && r.CanStart {
			ready = append(ready, r.Instance)
		}
	}
	return ready, nil
}
