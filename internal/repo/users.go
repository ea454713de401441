package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"famtasks/internal/domain"
)

func (r Repo) UpsertUser(ctx context.Context, u domain.User) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,name,email,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email`, u.ID, nullable(u.Name), nullable(u.Email), now)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(name,''),COALESCE(email,'') FROM users WHERE id=?`, id).Scan(&u.ID, &u.Name, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),COALESCE(email,'') FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
