package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"esmap/internal/domain"
)

// InsertSession stores a new session row.
func (r Repo) InsertSession(ctx context.Context, s domain.Session) error {
	if s.ID == "" {
		return errors.New("id required")
	}
	if s.UserID == "" {
		return errors.New("user_id required")
	}
	if s.EntuToken == "" {
		return errors.New("entu_token required")
	}
	if s.CreatedAt == "" {
		s.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(id,user_id,email,name,entu_token,created_at,expires_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.UserID, nullable(s.Email), nullable(s.Name), s.EntuToken, s.CreatedAt, s.ExpiresAt)
	return err
}

// GetSession returns a session by id.
func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,user_id,COALESCE(email,''),COALESCE(name,''),entu_token,created_at,expires_at FROM sessions WHERE id=?`, id)
	var s domain.Session
	err := row.Scan(&s.ID, &s.UserID, &s.Email, &s.Name, &s.EntuToken, &s.CreatedAt, &s.ExpiresAt)
	if err == sql.ErrNoRows {
		return domain.Session{}, ErrNotFound
	}
	return s, err
}

// DeleteSession removes a session by id.
func (r Repo) DeleteSession(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredSessions removes sessions whose expiry is before now.
func (r Repo) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
