package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"xpp/auth-service/internal/audit"
	"xpp/auth-service/internal/auth"
	"xpp/auth-service/internal/config"
	"xpp/auth-service/internal/observability"
	"xpp/auth-service/internal/password"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		HTTP: config.HTTPConfig{
			Addr:            "127.0.0.1:0",
			ReadTimeout:     time.Second,
			WriteTimeout:    time.Second,
			ShutdownTimeout: time.Second,
		},
		LogLevel: "error",
		Auth: config.AuthConfig{
			TokenSecret:       "test-secret",
			TokenLifetime:     time.Hour,
			PasswordScheme:    "sha256",
			SessionBackend:    config.SessionBackendMemory,
			SessionKeyPrefix:  "test:",
			UserStateFile:     filepath.Join(dir, "users.json"),
			BootstrapUsername: "admin",
			BootstrapPassword: "admin123",
			BootstrapEmail:    "admin@x.io",
		},
		AuditLogFile: filepath.Join(dir, "audit.log"),
	}
}

func TestNewCreatesBootstrapUser(t *testing.T) {
	cfg := testConfig(t)

	if _, err := New(context.Background(), cfg); err != nil {
		t.Fatalf("New() error: %v", err)
	}

	store, err := auth.NewFileUserStore(cfg.Auth.UserStateFile)
	if err != nil {
		t.Fatalf("NewFileUserStore() error: %v", err)
	}
	u, err := store.FindByUsername(context.Background(), "admin")
	if err != nil {
		t.Fatalf("bootstrap user missing: %v", err)
	}
	if !(password.SHA256{}).Verify("admin123", u.PasswordHash) {
		t.Fatalf("bootstrap password hash does not verify")
	}

	b, err := os.ReadFile(cfg.AuditLogFile)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(b), audit.ActionBootstrap) {
		t.Fatalf("expected bootstrap audit event, got %s", b)
	}

	// A second start finds the user and leaves it alone.
	if _, err := New(context.Background(), cfg); err != nil {
		t.Fatalf("second New() error: %v", err)
	}
}

func TestNewWithRedisSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisURL = "redis://" + mr.Addr() + "/0"
	cfg.Auth.SessionBackend = config.SessionBackendRedis

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	a.close()
}

func TestNewFailsWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t)
	cfg.RedisURL = "redis://" + addr + "/0"
	cfg.Auth.SessionBackend = config.SessionBackendRedis

	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatalf("expected error when redis is unreachable")
	}
}

func TestNewRejectsPostgresSessionsWithoutDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.SessionBackend = config.SessionBackendPostgres

	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatalf("expected error without a database")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.SessionSweepInterval = 10 * time.Millisecond

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run() did not return after cancel")
	}
}

type lookupFailingStore struct {
	auth.UserStore
}

func (lookupFailingStore) FindByUsername(context.Context, string) (auth.User, error) {
	return auth.User{}, errors.New("connection refused")
}

func TestBootstrapUserLookupFailure(t *testing.T) {
	svc, err := auth.NewService(auth.NewInMemoryUserStore(), auth.ServiceConfig{
		TokenSecret:   "s",
		TokenLifetime: time.Hour,
		Hasher:        password.SHA256{},
	})
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	cfg := testConfig(t).Auth

	err = bootstrapUser(context.Background(), cfg, lookupFailingStore{}, svc, audit.NewLogger(""), observability.Discard())
	if err == nil || !strings.Contains(err.Error(), "check bootstrap user") {
		t.Fatalf("expected lookup error, got %v", err)
	}
}

func TestBootstrapUserDisabled(t *testing.T) {
	cfg := testConfig(t).Auth
	cfg.BootstrapUsername = ""

	if err := bootstrapUser(context.Background(), cfg, lookupFailingStore{}, nil, nil, observability.Discard()); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestBootstrapUserIsValidated(t *testing.T) {
	cases := map[string]func(*config.AuthConfig){
		"short password":  func(c *config.AuthConfig) { c.BootstrapPassword = "12345" },
		"email without @": func(c *config.AuthConfig) { c.BootstrapEmail = "admin.x.io" },
	}
	for name, mutate := range cases {
		store := auth.NewInMemoryUserStore()
		svc, err := auth.NewService(store, auth.ServiceConfig{
			TokenSecret:   "s",
			TokenLifetime: time.Hour,
			Hasher:        password.SHA256{},
		})
		if err != nil {
			t.Fatalf("NewService() error: %v", err)
		}
		cfg := testConfig(t).Auth
		mutate(&cfg)

		err = bootstrapUser(context.Background(), cfg, store, svc, audit.NewLogger(""), observability.Discard())
		if !errors.Is(err, auth.ErrRegistrationRejected) {
			t.Fatalf("%s: expected ErrRegistrationRejected, got %v", name, err)
		}
		if _, err := store.FindByUsername(context.Background(), cfg.BootstrapUsername); !errors.Is(err, auth.ErrUserNotFound) {
			t.Fatalf("%s: invalid bootstrap user was stored", name)
		}
	}
}
