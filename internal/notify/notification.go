// Package notify delivers notifications derived from transition events to
// webhooks, NATS and the log, off the transition path.
package notify

import (
	"context"
	"time"

	"famtasks/internal/events"
)

// Notification is one delivery request. Repeats of the same Key within the
// dedup window are suppressed.
type Notification struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Recipient     string                 `json:"recipient"`
	EntityID      string                 `json:"entity_id"`
	FamilyID      string                 `json:"family_id"`
	RuleID        string                 `json:"rule_id,omitempty"`
	CorrelationID string                 `json:"correlation_id"`
	CreatedAt     time.Time              `json:"created_at"`
	Event         events.TransitionEvent `json:"event"`
}

func (n Notification) Key() string {
	return n.Type + "|" + n.Recipient + "|" + n.EntityID
}

// FamilyRecipient is the recipient of family-scoped notifications.
func FamilyRecipient(familyID string) string { return "family:" + familyID }

// UserRecipient is the recipient of rule-driven notifications.
func UserRecipient(userID string) string { return "user:" + userID }

// Sink delivers a notification to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}
