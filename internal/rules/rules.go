// Package rules stores workflow rules and runs their actions in response
// to transition events.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"famtasks/internal/domain"
	"famtasks/internal/engine"
	"famtasks/internal/events"
	"famtasks/internal/metrics"
)

// DefaultMaxDepth bounds chains of automated transitions that share an origin.
const DefaultMaxDepth = 8

// ErrAutomationDepthExceeded is returned when an action would extend an
// automation chain past the configured depth.
var ErrAutomationDepthExceeded = errors.New("automation depth limit exceeded")

// RuleValidationError lists every constraint a rule violates.
type RuleValidationError struct {
	Violations []string
}

func (e *RuleValidationError) Error() string {
	return "invalid workflow rule: " + strings.Join(e.Violations, "; ")
}

type Store interface {
	InsertRule(ctx context.Context, rule domain.WorkflowRule) error
	UpdateRule(ctx context.Context, rule domain.WorkflowRule) error
	SetRuleActive(ctx context.Context, id string, active bool) error
	GetRule(ctx context.Context, id string) (domain.WorkflowRule, error)
	ListRules(ctx context.Context, activeOnly bool) ([]domain.WorkflowRule, error)
}

// Directory resolves the ids a rule refers to.
type Directory interface {
	GetTemplate(ctx context.Context, id string) (domain.TaskTemplate, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
}

// Transitioner is satisfied by engine.Engine.
type Transitioner interface {
	GetFamilyTask(ctx context.Context, familyID, taskID string) (domain.FamilyTaskInstance, error)
	RequestAutomatedTransition(ctx context.Context, req engine.TransitionRequest) (engine.TransitionResult, error)
}

type Assigner interface {
	AssignInstance(ctx context.Context, instanceID, userID string) error
}

// Notifier hands a user-scoped notification to the delivery collaborator.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, ruleID string, ev events.TransitionEvent) error
}

type Engine struct {
	Store       Store
	Directory   Directory
	Transitions Transitioner
	Assigner    Assigner
	Notifier    Notifier
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
	MaxDepth    int
}

func (e *Engine) now() string {
	if e.Now != nil {
		return e.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) maxDepth() int {
	if e.MaxDepth > 0 {
		return e.MaxDepth
	}
	return DefaultMaxDepth
}

// RuleInput is an unvalidated rule definition. Enum fields are raw strings
// so unknown values can be reported as violations.
type RuleInput struct {
	ID                 string
	Name               string
	TriggerCondition   string
	TriggerTaskID      *string
	TriggerStatus      *string
	Action             string
	TargetType         string
	ActionTargetTaskID *string
	ActionTargetUserID *string
	IsActive           *bool
}

func (e *Engine) CreateRule(ctx context.Context, in RuleInput) (domain.WorkflowRule, error) {
	rule, err := e.validate(ctx, in)
	if err != nil {
		return rule, err
	}
	rule.ID = in.ID
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.IsActive = in.IsActive == nil || *in.IsActive
	rule.CreatedAt = e.now()
	if err := e.Store.InsertRule(ctx, rule); err != nil {
		return rule, fmt.Errorf("insert rule: %w", err)
	}
	return rule, nil
}

// UpdateRule replaces the definition of an existing rule. The active flag
// is kept unless in sets it.
func (e *Engine) UpdateRule(ctx context.Context, id string, in RuleInput) (domain.WorkflowRule, error) {
	existing, err := e.Store.GetRule(ctx, id)
	if err != nil {
		return existing, err
	}
	rule, err := e.validate(ctx, in)
	if err != nil {
		return rule, err
	}
	rule.ID = existing.ID
	rule.CreatedAt = existing.CreatedAt
	rule.IsActive = existing.IsActive
	if in.IsActive != nil {
		rule.IsActive = *in.IsActive
	}
	if err := e.Store.UpdateRule(ctx, rule); err != nil {
		return rule, err
	}
	return rule, nil
}

func (e *Engine) SetRuleActive(ctx context.Context, id string, active bool) (domain.WorkflowRule, error) {
	if err := e.Store.SetRuleActive(ctx, id, active); err != nil {
		return domain.WorkflowRule{}, err
	}
	return e.Store.GetRule(ctx, id)
}

func (e *Engine) GetRule(ctx context.Context, id string) (domain.WorkflowRule, error) {
	return e.Store.GetRule(ctx, id)
}

func (e *Engine) ListRules(ctx context.Context, activeOnly bool) ([]domain.WorkflowRule, error) {
	return e.Store.ListRules(ctx, activeOnly)
}

func (e *Engine) validate(ctx context.Context, in RuleInput) (domain.WorkflowRule, error) {
	var violations []string
	add := func(format string, args ...any) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}
	rule := domain.WorkflowRule{
		Name:               strings.TrimSpace(in.Name),
		TriggerCondition:   domain.TriggerCondition(in.TriggerCondition),
		TriggerTaskID:      blankToNil(in.TriggerTaskID),
		Action:             domain.Action(in.Action),
		TargetType:         domain.TargetType(in.TargetType),
		ActionTargetTaskID: blankToNil(in.ActionTargetTaskID),
		ActionTargetUserID: blankToNil(in.ActionTargetUserID),
	}

	switch rule.TriggerCondition {
	case domain.TriggerTaskCompleted:
		if rule.TriggerTaskID == nil {
			add("trigger_task_id is required for task_completed")
		}
	case domain.TriggerStatusChange:
		if in.TriggerStatus == nil || *in.TriggerStatus == "" {
			add("trigger_status is required for status_change")
		}
	default:
		add("unknown trigger_condition %q", in.TriggerCondition)
	}
	if in.TriggerStatus != nil && *in.TriggerStatus != "" {
		st, err := domain.ParseStatus(*in.TriggerStatus)
		if err != nil {
			add("unknown trigger_status %q", *in.TriggerStatus)
		} else {
			rule.TriggerStatus = &st
		}
	}

	expected, knownAction := domain.TargetTypeFor(rule.Action)
	if !knownAction {
		add("unknown action %q", in.Action)
	}
	switch rule.TargetType {
	case domain.TargetTask, domain.TargetUser:
		if knownAction && rule.TargetType != expected {
			add("action %s requires target_type %s, got %s", rule.Action, expected, rule.TargetType)
		}
	default:
		add("unknown target_type %q", in.TargetType)
	}

	if knownAction {
		switch expected {
		case domain.TargetTask:
			if rule.ActionTargetTaskID == nil {
				add("action_target_task_id is required for %s", rule.Action)
			}
		case domain.TargetUser:
			if rule.ActionTargetUserID == nil {
				add("action_target_user_id is required for %s", rule.Action)
			}
		}
	}

	if rule.TriggerTaskID != nil {
		if err := e.checkTemplate(ctx, *rule.TriggerTaskID, "trigger_task_id", add); err != nil {
			return rule, err
		}
	}
	if rule.ActionTargetTaskID != nil {
		if err := e.checkTemplate(ctx, *rule.ActionTargetTaskID, "action_target_task_id", add); err != nil {
			return rule, err
		}
	}
	if rule.ActionTargetUserID != nil {
		if _, err := e.Directory.GetUser(ctx, *rule.ActionTargetUserID); errors.Is(err, domain.ErrNotFound) {
			add("unknown action_target_user_id %q", *rule.ActionTargetUserID)
		} else if err != nil {
			return rule, fmt.Errorf("lookup user: %w", err)
		}
	}
	if rule.TriggerTaskID != nil && rule.ActionTargetTaskID != nil && *rule.TriggerTaskID == *rule.ActionTargetTaskID {
		add("rule cannot trigger on and target the same task %q", *rule.TriggerTaskID)
	}

	if len(violations) > 0 {
		return rule, &RuleValidationError{Violations: violations}
	}
	return rule, nil
}

func (e *Engine) checkTemplate(ctx context.Context, id, field string, add func(string, ...any)) error {
	_, err := e.Directory.GetTemplate(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		add("unknown %s %q", field, id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup template: %w", err)
	}
	return nil
}

func blankToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
