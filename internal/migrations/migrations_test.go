package migrations

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestFiles(t *testing.T) {
	files, err := Files()
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, "00001_create_users.sql", files[0].Name)
	assert.Equal(t, int64(1), files[0].Version)
	assert.Equal(t, "00002_create_auth_sessions.sql", files[1].Name)
	assert.Equal(t, int64(2), files[1].Version)
	for _, f := range files {
		assert.Len(t, f.Checksum, 64)
	}
}

func TestEmbeddedSchema(t *testing.T) {
	users, err := embedded.ReadFile("sql/00001_create_users.sql")
	require.NoError(t, err)
	for _, col := range []string{"username TEXT NOT NULL UNIQUE", "email TEXT NOT NULL UNIQUE", "is_active BOOLEAN NOT NULL DEFAULT TRUE"} {
		assert.Contains(t, string(users), col)
	}

	sessions, err := embedded.ReadFile("sql/00002_create_auth_sessions.sql")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(sessions), "-- +goose Up"))
	assert.Contains(t, string(sessions), "session_key TEXT PRIMARY KEY")
}

func TestRunSuccess(t *testing.T) {
	db := newDB(t)

	orig := gooseUpContext
	t.Cleanup(func() { gooseUpContext = orig })
	var gotDir string
	gooseUpContext = func(_ context.Context, _ *sql.DB, dir string, _ ...goose.OptionsFunc) error {
		gotDir = dir
		return nil
	}

	require.NoError(t, Run(context.Background(), db))
	assert.Equal(t, "sql", gotDir)
}

func TestRunError(t *testing.T) {
	db := newDB(t)

	orig := gooseUpContext
	t.Cleanup(func() { gooseUpContext = orig })
	boom := errors.New("boom")
	gooseUpContext = func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error {
		return boom
	}

	err := Run(context.Background(), db)
	assert.ErrorIs(t, err, boom)
}

func TestRunRequiresDB(t *testing.T) {
	assert.Error(t, Run(context.Background(), nil))
}

func TestStatusOf(t *testing.T) {
	db := newDB(t)

	orig := gooseVersionContext
	t.Cleanup(func() { gooseVersionContext = orig })
	gooseVersionContext = func(context.Context, *sql.DB) (int64, error) { return 1, nil }

	status, err := StatusOf(context.Background(), db)
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.True(t, status[0].Applied)
	assert.False(t, status[1].Applied)
}

func TestVersionOf(t *testing.T) {
	v, err := versionOf("00042_add_things.sql")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	for _, bad := range []string{"init.sql", "abc_init.sql", "0_zero.sql"} {
		_, err := versionOf(bad)
		assert.Error(t, err, bad)
	}
}
