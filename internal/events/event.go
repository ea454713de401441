package events

import (
	"time"

	"famtasks/internal/domain"
)

// Event types emitted for family task transitions.
const (
	TypeStatusChanged = "task.status_changed"
	TypeCompleted     = "task.completed"
)

// TransitionEvent describes one observed status change. It is passed by
// value and never mutated after emission.
type TransitionEvent struct {
	Type           string        `json:"type"`
	FamilyID       string        `json:"family_id"`
	InstanceID     string        `json:"family_task_instance_id"`
	TemplateTaskID string        `json:"template_task_id"`
	OldStatus      domain.Status `json:"old_status"`
	NewStatus      domain.Status `json:"new_status"`
	ActorID        string        `json:"actor_id"`
	CorrelationID  string        `json:"correlation_id"`
	Timestamp      time.Time     `json:"timestamp"`
	Notes          *string       `json:"notes,omitempty"`
	// Depth is 0 for user transitions and grows by one per automated hop.
	Depth int `json:"depth"`
	// OriginID is the correlation id of the user transition that started the chain.
	OriginID string `json:"origin_id"`
}

// EntityID is the stable id notification consumers deduplicate on.
func (e TransitionEvent) EntityID() string { return e.InstanceID }

// IsCompletion reports whether e is the derived completion event.
func (e TransitionEvent) IsCompletion() bool { return e.Type == TypeCompleted }

// Completion derives the completion event paired with a status-changed event.
func (e TransitionEvent) Completion() TransitionEvent {
	c := e.Clone()
	c.Type = TypeCompleted
	return c
}

// Clone returns a copy of e that shares no pointers with it.
func (e TransitionEvent) Clone() TransitionEvent {
	c := e
	if e.Notes != nil {
		n := *e.Notes
		c.Notes = &n
	}
	return c
}
