package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit rows to the events table.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType, familyID, entityKind, entityID, actorID, correlationID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,family_id,entity_kind,entity_id,actor_id,correlation_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, evtType, nullable(familyID), entityKind, nullable(entityID), actorID, nullable(correlationID), string(data))
	return err
}

// Record persists a transition event. It is registered as the first emitter subscriber.
func (w Writer) Record(ctx context.Context, ev TransitionEvent) error {
	payload := EventPayload{
		"template_task_id": ev.TemplateTaskID,
		"old_status":       ev.OldStatus,
		"new_status":       ev.NewStatus,
		"depth":            ev.Depth,
		"origin_id":        ev.OriginID,
	}
	if ev.Notes != nil {
		payload["notes"] = *ev.Notes
	}
	return w.Append(ctx, ev.Type, ev.FamilyID, "family_task", ev.InstanceID, ev.ActorID, ev.CorrelationID, payload)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
