package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// uniqueViolation is the SQLSTATE Postgres reports for a unique index clash.
const uniqueViolation = "23505"

// PostgresUserStore reads and writes the users table created by the
// migrations package.
type PostgresUserStore struct {
	db *sql.DB
}

func NewPostgresUserStore(db *sql.DB) (*PostgresUserStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &PostgresUserStore{db: db}, nil
}

const selectUser = `SELECT id, username, password_hash, email, is_active, created_at, updated_at FROM users`

func (s *PostgresUserStore) FindByUsername(ctx context.Context, username string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, ErrUserNotFound
	}
	return s.scanOne(s.db.QueryRowContext(ctx, selectUser+` WHERE username = $1`, username))
}

func (s *PostgresUserStore) FindByID(ctx context.Context, id int64) (User, error) {
	if id <= 0 {
		return User{}, ErrUserNotFound
	}
	return s.scanOne(s.db.QueryRowContext(ctx, selectUser+` WHERE id = $1`, id))
}

func (s *PostgresUserStore) scanOne(row *sql.Row) (User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

func (s *PostgresUserStore) Create(ctx context.Context, username, passwordHash, email string) (User, error) {
	const q = `
INSERT INTO users (username, password_hash, email)
VALUES ($1, $2, $3)
RETURNING id, is_active, created_at, updated_at`

	username = strings.TrimSpace(username)
	u := User{Username: username, PasswordHash: passwordHash, Email: email}
	err := s.db.QueryRowContext(ctx, q, username, passwordHash, email).
		Scan(&u.ID, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return User{}, fmt.Errorf("%w: %s", ErrUserExists, pqErr.Constraint)
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *PostgresUserStore) UpdatePasswordHash(ctx context.Context, id int64, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $1, updated_at = NOW() WHERE id = $2`, passwordHash, id)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
