package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"esmap/internal/domain"
)

// EnqueueOutbox stores a response submission for later delivery to Entu.
func (r Repo) EnqueueOutbox(ctx context.Context, item domain.OutboxItem) error {
	if item.ID == "" {
		return errors.New("id required")
	}
	if item.TaskID == "" {
		return errors.New("task_id required")
	}
	if item.UserID == "" {
		return errors.New("user_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if item.CreatedAt == "" {
		item.CreatedAt = now
	}
	if item.UpdatedAt == "" {
		item.UpdatedAt = now
	}
	if item.Status == "" {
		item.Status = "pending"
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO outbox(id,task_id,user_id,location_id,lat,long,text,status,attempts,last_error,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		item.ID, item.TaskID, item.UserID, nullable(item.LocationID), item.Lat, item.Long, nullable(item.Text),
		item.Status, item.Attempts, nullable(item.LastError), item.CreatedAt, item.UpdatedAt)
	return err
}

// ListOutbox returns items in submission order, optionally filtered by status.
func (r Repo) ListOutbox(ctx context.Context, status string) ([]domain.OutboxItem, error) {
	query := `SELECT id,task_id,user_id,COALESCE(location_id,''),lat,long,COALESCE(text,''),status,attempts,COALESCE(last_error,''),created_at,updated_at FROM outbox`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxItem
	for rows.Next() {
		var item domain.OutboxItem
		var lat, long sql.NullFloat64
		if err := rows.Scan(&item.ID, &item.TaskID, &item.UserID, &item.LocationID, &lat, &long,
			&item.Text, &item.Status, &item.Attempts, &item.LastError, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		if lat.Valid {
			v := lat.Float64
			item.Lat = &v
		}
		if long.Valid {
			v := long.Float64
			item.Long = &v
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

// MarkOutboxSent flags an item delivered.
func (r Repo) MarkOutboxSent(ctx context.Context, id string) error {
	return r.updateOutbox(ctx, id, "sent", "")
}

// MarkOutboxFailed records a failed delivery attempt. The item stays pending
// until attempts exceed the configured maximum, then flips to failed.
func (r Repo) MarkOutboxFailed(ctx context.Context, id, deliveryErr string, maxAttempts int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE outbox SET attempts=attempts+1, last_error=?, updated_at=?,
status=CASE WHEN attempts+1 >= ? THEN 'failed' ELSE 'pending' END WHERE id=?`,
		nullable(deliveryErr), now, maxAttempts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) updateOutbox(ctx context.Context, id, status, deliveryErr string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE outbox SET status=?, last_error=?, updated_at=? WHERE id=?`,
		status, nullable(deliveryErr), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
