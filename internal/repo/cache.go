package repo

import (
	"context"
	"database/sql"
	"time"
)

// CachePut stores a fetched payload under the given key, replacing any
// previous entry.
func (r Repo) CachePut(ctx context.Context, key, payload string, fetchedAt time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO entity_cache(key,payload,fetched_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET payload=excluded.payload, fetched_at=excluded.fetched_at`,
		key, payload, fetchedAt.UTC().Format(time.RFC3339))
	return err
}

// CacheGet returns the cached payload for key if it is younger than ttl.
// A stale or missing entry reports ErrNotFound.
func (r Repo) CacheGet(ctx context.Context, key string, ttl time.Duration, now time.Time) (string, error) {
	var payload, fetchedAt string
	err := r.DB.QueryRowContext(ctx, `SELECT payload,fetched_at FROM entity_cache WHERE key=?`, key).Scan(&payload, &fetchedAt)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	at, err := time.Parse(time.RFC3339, fetchedAt)
	if err != nil || now.Sub(at) > ttl {
		return "", ErrNotFound
	}
	return payload, nil
}

// CachePurge drops entries fetched before the cutoff.
func (r Repo) CachePurge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM entity_cache WHERE fetched_at < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
