package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"xpp/auth-service/internal/audit"
	"xpp/auth-service/internal/auth"
	"xpp/auth-service/internal/cache"
	"xpp/auth-service/internal/config"
	"xpp/auth-service/internal/httpserver"
	"xpp/auth-service/internal/migrations"
	"xpp/auth-service/internal/observability"
	"xpp/auth-service/internal/password"
)

type App struct {
	cfg    config.Config
	log    *slog.Logger
	server *httpserver.Server

	// sweep runs until ctx is done; nil when expired sessions are left to
	// lazy eviction or the backend expires them itself.
	sweep   func(ctx context.Context)
	closers []func() error
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{cfg: cfg, log: observability.NewLogger(cfg.LogLevel)}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if cfg.Auth.TokenSecret == config.DefaultTokenSecret {
		a.log.Warn("AUTH_TOKEN_SECRET is the built-in default; set a real secret outside development")
	}

	ready := make(map[string]httpserver.ReadyCheck)

	var (
		db  *sql.DB
		err error
	)
	if cfg.DatabaseURL != "" {
		db, err = openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if err := migrations.Run(ctx, db); err != nil {
			return nil, err
		}
		ready["postgres"] = db.PingContext
	}

	var userStore auth.UserStore
	if db != nil {
		userStore, err = auth.NewPostgresUserStore(db)
		if err != nil {
			return nil, fmt.Errorf("create postgres user store: %w", err)
		}
	} else {
		userStore, err = auth.NewFileUserStore(cfg.Auth.UserStateFile)
		if err != nil {
			return nil, fmt.Errorf("create user store: %w", err)
		}
	}

	sessions, err := a.sessionCache(ctx, db, ready)
	if err != nil {
		return nil, err
	}

	hasher, err := password.New(cfg.Auth.PasswordScheme)
	if err != nil {
		return nil, fmt.Errorf("create password hasher: %w", err)
	}

	authService, err := auth.NewService(userStore, auth.ServiceConfig{
		TokenSecret:   cfg.Auth.TokenSecret,
		TokenLifetime: cfg.Auth.TokenLifetime,
		Hasher:        hasher,
		Sessions:      sessions,
		Logger:        a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("create auth service: %w", err)
	}

	auditLogger := audit.NewLogger(cfg.AuditLogFile)
	if err := bootstrapUser(ctx, cfg.Auth, userStore, authService, auditLogger, a.log); err != nil {
		return nil, err
	}

	a.server = httpserver.New(cfg.HTTP, httpserver.Deps{
		Auth:   authService,
		Audit:  auditLogger,
		Ready:  ready,
		Logger: a.log,
	})
	ok = true
	return a, nil
}

func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func (a *App) sessionCache(ctx context.Context, db *sql.DB, ready map[string]httpserver.ReadyCheck) (auth.SessionCache, error) {
	interval := a.cfg.Auth.SessionSweepInterval

	switch a.cfg.Auth.SessionBackend {
	case config.SessionBackendRedis:
		r, err := cache.DialRedis(ctx, a.cfg.RedisURL, a.cfg.Auth.SessionKeyPrefix)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, r.Close)
		ready["redis"] = func(ctx context.Context) error {
			_, err := r.Ping(ctx)
			return err
		}
		return r, nil

	case config.SessionBackendPostgres:
		if db == nil {
			return nil, fmt.Errorf("postgres session backend needs DATABASE_URL")
		}
		pg, err := auth.NewPostgresSessionCache(db)
		if err != nil {
			return nil, fmt.Errorf("create postgres session cache: %w", err)
		}
		if interval > 0 {
			a.sweep = func(ctx context.Context) {
				sweepEvery(ctx, interval, func(ctx context.Context) {
					n, err := pg.DeleteExpired(ctx)
					if err != nil {
						a.log.Error("session sweep failed", observability.Err(err))
						return
					}
					a.log.Debug("session sweep", "removed", n)
				})
			}
		}
		return pg, nil

	default:
		mem := cache.NewMemory()
		if interval > 0 {
			a.sweep = func(ctx context.Context) {
				<-mem.StartJanitor(ctx, interval, func(n int) {
					a.log.Debug("session sweep", "removed", n)
				})
			}
		}
		return auth.NewMemorySessionCache(mem), nil
	}
}

func sweepEvery(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// bootstrapUser creates the configured initial account when it is missing.
func bootstrapUser(ctx context.Context, cfg config.AuthConfig, users auth.UserStore, svc *auth.Service, auditLogger *audit.Logger, log *slog.Logger) error {
	if cfg.BootstrapUsername == "" {
		return nil
	}
	_, err := users.FindByUsername(ctx, strings.TrimSpace(cfg.BootstrapUsername))
	if err == nil {
		return nil
	}
	if !errors.Is(err, auth.ErrUserNotFound) {
		return fmt.Errorf("check bootstrap user: %w", err)
	}

	u, err := svc.CreateUser(ctx, cfg.BootstrapUsername, cfg.BootstrapPassword, cfg.BootstrapEmail)
	if err != nil {
		return fmt.Errorf("create bootstrap user: %w", err)
	}
	log.Info("bootstrap auth user created", "username", u.Username, "user_id", u.ID)
	_ = auditLogger.Log(audit.Event{Actor: "system", Action: audit.ActionBootstrap, Outcome: audit.OutcomeSuccess, Detail: "username=" + u.Username})
	return nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if a.sweep != nil {
		sweepCtx, stopSweep := context.WithCancel(ctx)
		defer stopSweep()
		go a.sweep(sweepCtx)
	}

	errCh := make(chan error, 1)

	go func() {
		a.log.Info("http server starting", "addr", a.cfg.HTTP.Addr)
		errCh <- a.server.Start()
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server exited: %w", err)
	}
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close resource", observability.Err(err))
		}
	}
	a.closers = nil
}
