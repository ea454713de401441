package notify

import (
	"context"
	"log/slog"
)

// LogSink writes each notification as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Deliver(ctx context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"id", n.ID,
		"type", n.Type,
		"recipient", n.Recipient,
		"entity_id", n.EntityID,
		"family_id", n.FamilyID,
		"new_status", n.Event.NewStatus,
		"correlation_id", n.CorrelationID)
	return nil
}
