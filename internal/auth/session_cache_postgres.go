package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresSessionCache stores live sessions in the auth_sessions table.
// Expiry is checked on read, the same way the in-process cache does it;
// DeleteExpired sweeps the rest.
type PostgresSessionCache struct {
	db      *sql.DB
	nowFunc func() time.Time
}

func NewPostgresSessionCache(db *sql.DB) (*PostgresSessionCache, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &PostgresSessionCache{db: db, nowFunc: time.Now}, nil
}

func (c *PostgresSessionCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt sql.NullTime
	if ttl > 0 {
		expiresAt = sql.NullTime{Time: c.nowFunc().UTC().Add(ttl), Valid: true}
	}

	const q = `
INSERT INTO auth_sessions (session_key, token, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (session_key) DO UPDATE
SET token = EXCLUDED.token,
	expires_at = EXCLUDED.expires_at`
	if _, err := c.db.ExecContext(ctx, q, key, value, expiresAt); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (c *PostgresSessionCache) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value     string
		expiresAt sql.NullTime
	)
	const q = `SELECT token, expires_at FROM auth_sessions WHERE session_key = $1`
	if err := c.db.QueryRowContext(ctx, q, key).Scan(&value, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query session: %w", err)
	}

	if expiresAt.Valid && c.nowFunc().After(expiresAt.Time) {
		const del = `DELETE FROM auth_sessions WHERE session_key = $1 AND expires_at = $2`
		if _, err := c.db.ExecContext(ctx, del, key, expiresAt.Time); err != nil {
			return "", false, fmt.Errorf("evict expired session: %w", err)
		}
		return "", false, nil
	}
	return value, true, nil
}

func (c *PostgresSessionCache) Delete(ctx context.Context, key string) (bool, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE session_key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete session rows: %w", err)
	}
	return n > 0, nil
}

// DeleteExpired removes every expired row and returns how many went.
func (c *PostgresSessionCache) DeleteExpired(ctx context.Context) (int64, error) {
	const q = `DELETE FROM auth_sessions WHERE expires_at IS NOT NULL AND expires_at < $1`
	res, err := c.db.ExecContext(ctx, q, c.nowFunc().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep sessions rows: %w", err)
	}
	return n, nil
}
