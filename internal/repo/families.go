package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"famtasks/internal/domain"
)

const instanceColumns = `id,family_id,task_id,status,COALESCE(notes,''),assignee_id,completed_at,updated_at`

func scanInstance(row rowScanner) (domain.FamilyTaskInstance, error) {
	var in domain.FamilyTaskInstance
	var status string
	var assignee, completedAt sql.NullString
	err := row.Scan(&in.ID, &in.FamilyID, &in.TaskID, &status, &in.Notes, &assignee, &completedAt, &in.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	in.Status = domain.Status(status)
	in.AssigneeID = optionalString(assignee)
	in.CompletedAt = optionalString(completedAt)
	return in, nil
}

// MaterializeFamily records the family and creates one not_started instance
// per live template. A family can be materialized only once.
func (r Repo) MaterializeFamily(ctx context.Context, f domain.Family, newID func() string) ([]domain.FamilyTaskInstance, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM families WHERE id=?`, f.ID).Scan(&one)
	if err == nil {
		return nil, fmt.Errorf("family %s: %w", f.ID, ErrAlreadyMaterialized)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO families(id,name,created_at) VALUES (?,?,?)`, f.ID, nullable(f.Name), f.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert family: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM task_templates WHERE is_template=1 ORDER BY display_order ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	var taskIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		taskIDs = append(taskIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.FamilyTaskInstance, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		in := domain.FamilyTaskInstance{
			ID:        newID(),
			FamilyID:  f.ID,
			TaskID:    taskID,
			Status:    domain.StatusNotStarted,
			UpdatedAt: f.CreatedAt,
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO family_tasks(id,family_id,task_id,status,updated_at) VALUES (?,?,?,?,?)`,
			in.ID, in.FamilyID, in.TaskID, string(in.Status), in.UpdatedAt); err != nil {
			return nil, fmt.Errorf("insert family task %s: %w", taskID, err)
		}
		out = append(out, in)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r Repo) GetFamily(ctx context.Context, id string) (domain.Family, error) {
	var f domain.Family
	err := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(name,''),created_at FROM families WHERE id=?`, id).Scan(&f.ID, &f.Name, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) ListFamilies(ctx context.Context) ([]domain.Family, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),created_at FROM families ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Family
	for rows.Next() {
		var f domain.Family
		if err := rows.Scan(&f.ID, &f.Name, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.FamilyTaskInstance, error) {
	return scanInstance(r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM family_tasks WHERE id=?`, id))
}

func (r Repo) GetFamilyTask(ctx context.Context, familyID, taskID string) (domain.FamilyTaskInstance, error) {
	return scanInstance(r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM family_tasks WHERE family_id=? AND task_id=?`, familyID, taskID))
}

func (r Repo) ListFamilyTasks(ctx context.Context, familyID string) ([]domain.FamilyTaskInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT f.id,f.family_id,f.task_id,f.status,COALESCE(f.notes,''),f.assignee_id,f.completed_at,f.updated_at
FROM family_tasks f JOIN task_templates t ON t.id=f.task_id
WHERE f.family_id=? ORDER BY t.display_order ASC, t.id ASC`, familyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FamilyTaskInstance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// CompareAndSetStatus moves the instance from expected to next atomically.
// It returns ErrConflict when the stored status is no longer expected.
// completed_at is stamped only when next is completed and is never cleared.
func (r Repo) CompareAndSetStatus(ctx context.Context, id string, expected, next domain.Status, notes *string, at string) (domain.FamilyTaskInstance, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FamilyTaskInstance{}, err
	}
	defer tx.Rollback()

	query := `UPDATE family_tasks SET status=?, updated_at=?`
	args := []any{string(next), at}
	if next == domain.StatusCompleted {
		query += `, completed_at=?`
		args = append(args, at)
	}
	if notes != nil {
		query += `, notes=?`
		args = append(args, nullable(*notes))
	}
	query += ` WHERE id=? AND status=?`
	args = append(args, id, string(expected))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.FamilyTaskInstance{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := scanInstance(tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM family_tasks WHERE id=?`, id)); err != nil {
			return domain.FamilyTaskInstance{}, err
		}
		return domain.FamilyTaskInstance{}, fmt.Errorf("family task %s is no longer %s: %w", id, expected, ErrConflict)
	}
	in, err := scanInstance(tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM family_tasks WHERE id=?`, id))
	if err != nil {
		return in, err
	}
	return in, tx.Commit()
}

// UpdateNotes replaces the notes without touching status or timestamps.
func (r Repo) UpdateNotes(ctx context.Context, id, notes string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE family_tasks SET notes=? WHERE id=?`, nullable(notes), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignInstance records the user responsible for an instance.
func (r Repo) AssignInstance(ctx context.Context, id, userID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE family_tasks SET assignee_id=? WHERE id=?`, nullable(userID), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
