package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidStatus is returned when a status string is not one of the known statuses.
var ErrInvalidStatus = errors.New("invalid status")

// Status is the lifecycle state of a family task instance.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// statusOrder is the single source of truth for status ordering.
var statusOrder = map[Status]int{
	StatusNotStarted: 0,
	StatusInProgress: 1,
	StatusCompleted:  2,
}

// Statuses lists every status in order.
func Statuses() []Status {
	return []Status{StatusNotStarted, StatusInProgress, StatusCompleted}
}

// ParseStatus converts a raw string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := statusOrder[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusOrder[s]
	return ok
}

// Order returns the position of s in the lifecycle, or -1 if s is unknown.
func (s Status) Order() int {
	if o, ok := statusOrder[s]; ok {
		return o
	}
	return -1
}

func (s Status) String() string { return string(s) }

// Direction classifies a move between two statuses.
type Direction int

const (
	DirectionSame Direction = iota
	DirectionBackward
	DirectionForward
)

// DirectionOf classifies the move from -> to. Both must be valid statuses.
func DirectionOf(from, to Status) Direction {
	switch d := to.Order() - from.Order(); {
	case d == 0:
		return DirectionSame
	case d < 0:
		return DirectionBackward
	default:
		return DirectionForward
	}
}

// DependencyType tells whether an edge blocks advancement.
type DependencyType string

const (
	DependencyRequired DependencyType = "required"
	DependencyOptional DependencyType = "optional"
)

// ParseDependencyType converts a raw string, defaulting empty to required.
func ParseDependencyType(s string) (DependencyType, error) {
	switch DependencyType(s) {
	case "", DependencyRequired:
		return DependencyRequired, nil
	case DependencyOptional:
		return DependencyOptional, nil
	}
	return "", fmt.Errorf("invalid dependency type %q", s)
}

type TaskTemplate struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Category     string `json:"category,omitempty"`
	DisplayOrder int    `json:"display_order"`
	IsTemplate   bool   `json:"is_template"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type DependencyEdge struct {
	TaskID          string         `json:"task_id"`
	DependsOnTaskID string         `json:"depends_on_task_id"`
	Type            DependencyType `json:"dependency_type" enum:"required,optional"`
}

type Family struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type FamilyTaskInstance struct {
	ID          string  `json:"id"`
	FamilyID    string  `json:"family_id"`
	TaskID      string  `json:"task_id"`
	Status      Status  `json:"status" enum:"not_started,in_progress,completed"`
	Notes       string  `json:"notes,omitempty"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type TriggerCondition string

const (
	TriggerTaskCompleted TriggerCondition = "task_completed"
	TriggerStatusChange  TriggerCondition = "status_change"
)

type Action string

const (
	ActionAutoEnable       Action = "auto_enable"
	ActionAutoComplete     Action = "auto_complete"
	ActionAssignUser       Action = "assign_user"
	ActionSendNotification Action = "send_notification"
)

// TargetType is what a rule action operates on.
type TargetType string

const (
	TargetTask TargetType = "task"
	TargetUser TargetType = "user"
)

// TargetTypeFor returns the target type an action requires.
func TargetTypeFor(a Action) (TargetType, bool) {
	switch a {
	case ActionAutoEnable, ActionAutoComplete:
		return TargetTask, true
	case ActionAssignUser, ActionSendNotification:
		return TargetUser, true
	}
	return "", false
}

type WorkflowRule struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name,omitempty"`
	TriggerCondition   TriggerCondition `json:"trigger_condition" enum:"task_completed,status_change"`
	TriggerTaskID      *string          `json:"trigger_task_id,omitempty"`
	TriggerStatus      *Status          `json:"trigger_status,omitempty" enum:"not_started,in_progress,completed"`
	Action             Action           `json:"action" enum:"auto_enable,auto_complete,assign_user,send_notification"`
	TargetType         TargetType       `json:"target_type" enum:"task,user"`
	ActionTargetTaskID *string          `json:"action_target_task_id,omitempty"`
	ActionTargetUserID *string          `json:"action_target_user_id,omitempty"`
	IsActive           bool             `json:"is_active"`
	CreatedAt          string           `json:"created_at" format:"date-time"`
}

// Event is a persisted audit log row.
type Event struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	FamilyID      string `json:"family_id,omitempty"`
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id,omitempty"`
	ActorID       string `json:"actor_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Payload       string `json:"payload_json"`
}

// Storage sentinels shared by the storage collaborator and its consumers.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("concurrent modification")
	ErrAlreadyMaterialized = errors.New("family already materialized")
)
