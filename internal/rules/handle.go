package rules

import (
	"context"
	"errors"
	"fmt"

	"famtasks/internal/domain"
	"famtasks/internal/engine"
	"famtasks/internal/events"
)

// Matches reports whether rule fires for ev.
func Matches(rule domain.WorkflowRule, ev events.TransitionEvent) bool {
	if !rule.IsActive {
		return false
	}
	switch rule.TriggerCondition {
	case domain.TriggerTaskCompleted:
		return ev.IsCompletion() && rule.TriggerTaskID != nil && *rule.TriggerTaskID == ev.TemplateTaskID
	case domain.TriggerStatusChange:
		if ev.Type != events.TypeStatusChanged || rule.TriggerStatus == nil || *rule.TriggerStatus != ev.NewStatus {
			return false
		}
		return rule.TriggerTaskID == nil || *rule.TriggerTaskID == ev.TemplateTaskID
	}
	return false
}

// HandleEvent runs every active rule matching ev. A failing rule does not
// stop the others; all failures are joined into the returned error.
func (e *Engine) HandleEvent(ctx context.Context, ev events.TransitionEvent) error {
	active, err := e.Store.ListRules(ctx, true)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	var errs []error
	for _, rule := range active {
		if !Matches(rule, ev) {
			continue
		}
		err := e.execute(ctx, rule, ev)
		e.Metrics.RuleExecuted(string(rule.Action), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s (%s): %w", rule.ID, rule.Action, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) execute(ctx context.Context, rule domain.WorkflowRule, ev events.TransitionEvent) error {
	switch rule.Action {
	case domain.ActionAutoEnable:
		return e.advance(ctx, rule, ev, domain.StatusInProgress)
	case domain.ActionAutoComplete:
		return e.advance(ctx, rule, ev, domain.StatusCompleted)
	case domain.ActionAssignUser:
		if e.Assigner == nil || rule.ActionTargetUserID == nil {
			return errors.New("no assignee collaborator")
		}
		return e.Assigner.AssignInstance(ctx, ev.InstanceID, *rule.ActionTargetUserID)
	case domain.ActionSendNotification:
		if e.Notifier == nil || rule.ActionTargetUserID == nil {
			return errors.New("no notification collaborator")
		}
		return e.Notifier.NotifyUser(ctx, *rule.ActionTargetUserID, rule.ID, ev)
	}
	return fmt.Errorf("unsupported action %q", rule.Action)
}

// advance moves the rule's target task forward through the bypass path.
// Targets already at or past status are left alone.
func (e *Engine) advance(ctx context.Context, rule domain.WorkflowRule, ev events.TransitionEvent, status domain.Status) error {
	if rule.ActionTargetTaskID == nil {
		return errors.New("rule has no target task")
	}
	depth := ev.Depth + 1
	if depth > e.maxDepth() {
		e.Metrics.AutomationRefused()
		e.logger().Warn("automation refused",
			"rule_id", rule.ID,
			"target_task_id", *rule.ActionTargetTaskID,
			"family_id", ev.FamilyID,
			"origin_id", ev.OriginID,
			"depth", depth)
		return fmt.Errorf("origin %s at depth %d: %w", ev.OriginID, depth, ErrAutomationDepthExceeded)
	}
	target, err := e.Transitions.GetFamilyTask(ctx, ev.FamilyID, *rule.ActionTargetTaskID)
	if err != nil {
		return fmt.Errorf("target task %s: %w", *rule.ActionTargetTaskID, err)
	}
	if target.Status.Order() >= status.Order() {
		return nil
	}
	_, err = e.Transitions.RequestAutomatedTransition(ctx, engine.TransitionRequest{
		InstanceID: target.ID,
		Status:     status,
		ActorID:    "rule:" + rule.ID,
		Depth:      depth,
		OriginID:   ev.OriginID,
	})
	return err
}
