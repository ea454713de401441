package server

import (
	"famtasks/internal/deps"
	"famtasks/internal/domain"
)

// Request payloads

type CreateTemplateRequest struct {
	ID           string `json:"id,omitempty"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Category     string `json:"category,omitempty"`
	DisplayOrder int    `json:"display_order,omitempty"`
	IsTemplate   *bool  `json:"is_template,omitempty"`
}

type UpdateTemplateRequest struct {
	Title        *string `json:"title,omitempty"`
	Description  *string `json:"description,omitempty"`
	DisplayOrder *int    `json:"display_order,omitempty"`
}

type AddDependencyRequest struct {
	DependsOnTaskID string `json:"depends_on_task_id"`
	Type            string `json:"dependency_type,omitempty" enum:"required,optional"`
}

type CreateFamilyRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type TransitionRequest struct {
	Status string  `json:"status" enum:"not_started,in_progress,completed"`
	Notes  *string `json:"notes,omitempty"`
}

type RuleRequest struct {
	Name               string  `json:"name,omitempty"`
	TriggerCondition   string  `json:"trigger_condition"`
	TriggerTaskID      *string `json:"trigger_task_id,omitempty"`
	TriggerStatus      *string `json:"trigger_status,omitempty"`
	Action             string  `json:"action"`
	TargetType         string  `json:"target_type"`
	ActionTargetTaskID *string `json:"action_target_task_id,omitempty"`
	ActionTargetUserID *string `json:"action_target_user_id,omitempty"`
	IsActive           *bool   `json:"is_active,omitempty"`
}

type SetRuleActiveRequest struct {
	Active bool `json:"active"`
}

// Response payloads

type TemplateList struct {
	Items []domain.TaskTemplate `json:"items"`
}

type DependencyList struct {
	Items []domain.DependencyEdge `json:"items"`
}

type RemovedResponse struct {
	Removed bool `json:"removed"`
}

type FamilyResponse struct {
	ID    string                      `json:"id"`
	Name  string                      `json:"name,omitempty"`
	Tasks []domain.FamilyTaskInstance `json:"tasks"`
}

type InstanceList struct {
	Items []domain.FamilyTaskInstance `json:"items"`
}

type BoardResponse struct {
	Items []deps.Readiness `json:"items"`
}

type TransitionResponse struct {
	Instance      domain.FamilyTaskInstance `json:"instance"`
	Changed       bool                      `json:"changed"`
	CorrelationID string                    `json:"correlation_id,omitempty"`
}

type RuleList struct {
	Items []domain.WorkflowRule `json:"items"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}
