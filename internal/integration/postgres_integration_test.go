package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"xpp/auth-service/internal/auth"
	"xpp/auth-service/internal/migrations"
	"xpp/auth-service/internal/password"
)

func openTestPostgres(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping Postgres integration tests")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("sql.Open() error: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	if err := db.Ping(); err != nil {
		t.Fatalf("db.Ping() error: %v", err)
	}
	if err := migrations.Run(context.Background(), db); err != nil {
		t.Fatalf("migrations.Run() error: %v", err)
	}
	return db
}

func newPostgresService(t *testing.T, db *sql.DB) *auth.Service {
	t.Helper()

	users, err := auth.NewPostgresUserStore(db)
	if err != nil {
		t.Fatalf("NewPostgresUserStore() error: %v", err)
	}
	sessions, err := auth.NewPostgresSessionCache(db)
	if err != nil {
		t.Fatalf("NewPostgresSessionCache() error: %v", err)
	}
	svc, err := auth.NewService(users, auth.ServiceConfig{
		TokenSecret:   "integration-secret",
		TokenLifetime: time.Minute,
		Hasher:        password.SHA256{},
		Sessions:      sessions,
	})
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	return svc
}

func TestPostgresRegisterLoginVerifyLogout(t *testing.T) {
	db := openTestPostgres(t)
	ctx := context.Background()

	username := fmt.Sprintf("itest_auth_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = db.Exec("DELETE FROM users WHERE username = $1", username)
	})

	svc := newPostgresService(t, db)
	reg, err := svc.Register(ctx, username, "Password123!", username+"@example.com")
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	t.Cleanup(func() {
		_, _ = db.Exec("DELETE FROM auth_sessions WHERE session_key = $1", auth.SessionKey(reg.User.ID))
	})

	if _, err := svc.Register(ctx, username, "Password123!", "other_"+username+"@example.com"); !errors.Is(err, auth.ErrRegistrationRejected) {
		t.Fatalf("second Register() error = %v, want ErrRegistrationRejected", err)
	}

	login, err := svc.Login(ctx, username, "Password123!")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	// A second service instance shares the session table.
	other := newPostgresService(t, db)
	got, err := other.VerifyToken(ctx, login.Token)
	if err != nil {
		t.Fatalf("VerifyToken() error: %v", err)
	}
	if got.Username != username || got.ID != reg.User.ID {
		t.Fatalf("VerifyToken() user = %+v", got)
	}

	if err := other.Logout(ctx, got.ID); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	if _, err := svc.VerifyToken(ctx, login.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("VerifyToken() after logout error = %v, want ErrInvalidToken", err)
	}
}

func TestPostgresMigrationStatus(t *testing.T) {
	db := openTestPostgres(t)

	statuses, err := migrations.StatusOf(context.Background(), db)
	if err != nil {
		t.Fatalf("StatusOf() error: %v", err)
	}
	if len(statuses) == 0 {
		t.Fatalf("expected embedded migrations")
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Fatalf("migration %s not applied after Run", s.Name)
		}
	}
}
