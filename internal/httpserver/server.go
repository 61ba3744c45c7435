package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"xpp/auth-service/internal/audit"
	"xpp/auth-service/internal/auth"
	"xpp/auth-service/internal/config"
	"xpp/auth-service/internal/observability"
)

const (
	serviceName    = "xpp-auth-service"
	serviceVersion = "0.1.0"

	maxBodyBytes = 1 << 20
	readyTimeout = 2 * time.Second
)

type AuthService interface {
	Register(ctx context.Context, username, password, email string) (auth.Result, error)
	Login(ctx context.Context, username, password string) (auth.Result, error)
	VerifyToken(ctx context.Context, token string) (auth.User, error)
	Logout(ctx context.Context, userID int64) error
}

type AuditLogger interface {
	Log(e audit.Event) error
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

type Deps struct {
	Auth   AuthService
	Audit  AuditLogger
	Ready  map[string]ReadyCheck
	Logger *slog.Logger
}

type Server struct {
	httpServer *http.Server
}

func New(cfg config.HTTPConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.Discard()
	}
	handler := NewHandler(deps)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      loggingMiddleware(deps.Logger, handler),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = observability.Discard()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		failed := make(map[string]string)
		for name, check := range deps.Ready {
			ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
			cancel()
		}
		if len(failed) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.HandleFunc("/api/info", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"service": serviceName,
			"version": serviceVersion,
		})
	})

	registerAuthHandlers(mux, deps)

	return mux
}

type userView struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	IsActive  bool   `json:"is_active"`
	CreatedAt int64  `json:"created_at"`
}

func viewOf(u auth.User) userView {
	return userView{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt.Unix(),
	}
}

func registerAuthHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("/api/auth/register", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if deps.Auth == nil {
			writeError(w, http.StatusServiceUnavailable, "service unavailable")
			return
		}

		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
			Email    string `json:"email"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		res, err := deps.Auth.Register(r.Context(), req.Username, req.Password, req.Email)
		if err != nil {
			if errors.Is(err, auth.ErrRegistrationRejected) {
				auditReq(deps.Audit, r, req.Username, audit.ActionRegister, audit.OutcomeRejected, "")
				writeError(w, http.StatusBadRequest, "registration failed")
				return
			}
			auditReq(deps.Audit, r, req.Username, audit.ActionRegister, audit.OutcomeError, err.Error())
			writeServiceError(w, r, deps.Logger, err)
			return
		}
		auditReq(deps.Audit, r, res.User.Username, audit.ActionRegister, audit.OutcomeSuccess, "")
		writeJSON(w, http.StatusOK, map[string]any{"token": res.Token, "user": viewOf(res.User)})
	})

	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if deps.Auth == nil {
			writeError(w, http.StatusServiceUnavailable, "service unavailable")
			return
		}

		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		res, err := deps.Auth.Login(r.Context(), req.Username, req.Password)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidCredentials) {
				auditReq(deps.Audit, r, req.Username, audit.ActionLogin, audit.OutcomeRejected, "")
				writeError(w, http.StatusUnauthorized, "invalid credentials")
				return
			}
			auditReq(deps.Audit, r, req.Username, audit.ActionLogin, audit.OutcomeError, err.Error())
			writeServiceError(w, r, deps.Logger, err)
			return
		}
		auditReq(deps.Audit, r, res.User.Username, audit.ActionLogin, audit.OutcomeSuccess, "")
		writeJSON(w, http.StatusOK, map[string]any{"token": res.Token, "user": viewOf(res.User)})
	})

	mux.HandleFunc("/api/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		u, ok := requireUser(w, r, deps)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, viewOf(u))
	})

	mux.HandleFunc("/api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		u, ok := requireUser(w, r, deps)
		if !ok {
			return
		}
		if err := deps.Auth.Logout(r.Context(), u.ID); err != nil {
			auditReq(deps.Audit, r, u.Username, audit.ActionLogout, audit.OutcomeError, err.Error())
			writeServiceError(w, r, deps.Logger, err)
			return
		}
		auditReq(deps.Audit, r, u.Username, audit.ActionLogout, audit.OutcomeSuccess, "")
		w.WriteHeader(http.StatusNoContent)
	})
}

// requireUser resolves the bearer token to its user, writing the error
// response itself when it cannot.
func requireUser(w http.ResponseWriter, r *http.Request, deps Deps) (auth.User, bool) {
	if deps.Auth == nil {
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return auth.User{}, false
	}
	token, err := extractBearerToken(r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return auth.User{}, false
	}
	u, err := deps.Auth.VerifyToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return auth.User{}, false
		}
		writeServiceError(w, r, deps.Logger, err)
		return auth.User{}, false
	}
	return u, true
}

func extractBearerToken(authHeader string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return "", fmt.Errorf("missing bearer prefix")
	}
	token := strings.TrimSpace(authHeader[len(prefix):])
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}
	return token, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError answers for failures that are not the caller's fault.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	if errors.Is(err, auth.ErrUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), observability.Err(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func loggingMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", reqID,
		)
	})
}

type requestIDKey struct{}

func requestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestIDKey{}).(string)
	return s
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func auditReq(a AuditLogger, r *http.Request, actor, action, outcome, detail string) {
	if a == nil {
		return
	}
	parts := []string{
		"ip=" + clientIP(r),
		"ua=" + strings.TrimSpace(r.UserAgent()),
	}
	if detail = strings.TrimSpace(detail); detail != "" {
		parts = append(parts, "detail="+detail)
	}
	_ = a.Log(audit.Event{
		RequestID: requestIDFromContext(r.Context()),
		Actor:     actor,
		Action:    action,
		Outcome:   outcome,
		Detail:    strings.Join(parts, " | "),
	})
}
