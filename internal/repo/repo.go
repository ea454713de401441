package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"famtasks/internal/domain"
)

// Repo is the sqlite-backed storage collaborator for the catalog, family
// instances, rules and the event log.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound            = domain.ErrNotFound
	ErrConflict            = domain.ErrConflict
	ErrAlreadyMaterialized = domain.ErrAlreadyMaterialized
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const templateColumns = `id,title,COALESCE(description,''),COALESCE(category,''),display_order,is_template,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (domain.TaskTemplate, error) {
	var t domain.TaskTemplate
	var isTemplate int
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Category, &t.DisplayOrder, &isTemplate, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	t.IsTemplate = isTemplate != 0
	return t, err
}

func (r Repo) InsertTemplate(ctx context.Context, t domain.TaskTemplate) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO task_templates(id,title,description,category,display_order,is_template,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullable(t.Description), nullable(t.Category), t.DisplayOrder, boolInt(t.IsTemplate), t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateTemplate writes the administratively editable fields only.
func (r Repo) UpdateTemplate(ctx context.Context, t domain.TaskTemplate) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE task_templates SET title=?, description=?, display_order=?, updated_at=? WHERE id=?`,
		t.Title, nullable(t.Description), t.DisplayOrder, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.TaskTemplate, error) {
	return scanTemplate(r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM task_templates WHERE id=?`, id))
}

func (r Repo) ListTemplates(ctx context.Context) ([]domain.TaskTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+templateColumns+` FROM task_templates ORDER BY display_order ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListDependencies loads the full edge set.
func (r Repo) ListDependencies(ctx context.Context) ([]domain.DependencyEdge, error) {
	return listDependencies(ctx, r.DB, "", nil)
}

// ListDependenciesOf loads the edges whose dependent side is taskID.
func (r Repo) ListDependenciesOf(ctx context.Context, taskID string) ([]domain.DependencyEdge, error) {
	return listDependencies(ctx, r.DB, "WHERE task_id=?", []any{taskID})
}

func listDependencies(ctx context.Context, q queryer, where string, args []any) ([]domain.DependencyEdge, error) {
	rows, err := q.QueryContext(ctx, `SELECT task_id,depends_on_task_id,dependency_type FROM task_dependencies `+where+` ORDER BY task_id, depends_on_task_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []domain.DependencyEdge
	for rows.Next() {
		var e domain.DependencyEdge
		var typ string
		if err := rows.Scan(&e.TaskID, &e.DependsOnTaskID, &typ); err != nil {
			return nil, err
		}
		e.Type = domain.DependencyType(typ)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// InsertDependencyChecked loads the edge set and runs check against it
// inside one write transaction; the edge is written only if check passes.
// An existing edge between the same pair has its type replaced.
func (r Repo) InsertDependencyChecked(ctx context.Context, edge domain.DependencyEdge, now string, check func([]domain.DependencyEdge) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range []string{edge.TaskID, edge.DependsOnTaskID} {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM task_templates WHERE id=?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task template %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
	}
	edges, err := listDependencies(ctx, tx, "", nil)
	if err != nil {
		return fmt.Errorf("load dependency edges: %w", err)
	}
	if check != nil {
		if err := check(edges); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO task_dependencies(task_id,depends_on_task_id,dependency_type,created_at) VALUES (?,?,?,?)
ON CONFLICT(task_id,depends_on_task_id) DO UPDATE SET dependency_type=excluded.dependency_type`,
		edge.TaskID, edge.DependsOnTaskID, string(edge.Type), now); err != nil {
		return fmt.Errorf("insert dependency: %w", err)
	}
	return tx.Commit()
}

// DeleteDependency removes the edge, optionally only when it has the given type.
func (r Repo) DeleteDependency(ctx context.Context, taskID, dependsOnTaskID string, typ *domain.DependencyType) (bool, error) {
	clauses := []string{"task_id=?", "depends_on_task_id=?"}
	args := []any{taskID, dependsOnTaskID}
	if typ != nil {
		clauses = append(clauses, "dependency_type=?")
		args = append(args, string(*typ))
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM task_dependencies WHERE `+strings.Join(clauses, " AND "), args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func optionalString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
