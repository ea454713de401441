package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"famtasks/internal/domain"
)

type EventFilters struct {
	FamilyID string
	Type     string
	EntityID string
	Limit    int
	Before   int64
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.FamilyID != "" {
		clauses = append(clauses, "family_id=?")
		args = append(args, f.FamilyID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(family_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(correlation_id,''),payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.FamilyID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.CorrelationID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountEvents counts events matching type and entity; empty filters match all.
func (r Repo) CountEvents(ctx context.Context, evtType, entityID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM events WHERE (?='' OR type=?) AND (?='' OR entity_id=?)`, evtType, evtType, entityID, entityID).Scan(&n)
	return n, err
}
