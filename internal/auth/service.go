package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"xpp/auth-service/internal/cache"
	"xpp/auth-service/internal/observability"
	"xpp/auth-service/internal/password"
	"xpp/auth-service/internal/token"
)

var (
	// ErrRegistrationRejected covers invalid input and an already taken
	// username or email alike.
	ErrRegistrationRejected = errors.New("registration rejected")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	// ErrInvalidToken covers a bad signature, expiry, a superseded or logged
	// out session and a user that no longer exists.
	ErrInvalidToken = errors.New("invalid token")
	// ErrUnavailable marks a failure of the store, the session cache or the
	// hasher rather than of the caller's input.
	ErrUnavailable = errors.New("auth backend unavailable")
)

const minPasswordLength = 6

type ServiceConfig struct {
	TokenSecret   string
	TokenLifetime time.Duration
	Hasher        password.Hasher
	// Sessions defaults to a fresh in-process cache.
	Sessions SessionCache
	Logger   *slog.Logger
}

type Service struct {
	users    UserStore
	codec    *token.Codec
	hasher   password.Hasher
	sessions SessionCache
	lifetime time.Duration
	log      *slog.Logger
	nowFunc  func() time.Time
}

func NewService(userStore UserStore, cfg ServiceConfig) (*Service, error) {
	if userStore == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if cfg.TokenLifetime <= 0 {
		return nil, fmt.Errorf("token lifetime must be > 0")
	}
	if cfg.Hasher == nil {
		return nil, fmt.Errorf("password hasher is required")
	}
	codec, err := token.NewCodec(cfg.TokenSecret)
	if err != nil {
		return nil, err
	}

	sessions := cfg.Sessions
	if sessions == nil {
		sessions = NewMemorySessionCache(cache.NewMemory())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.Discard()
	}

	return &Service{
		users:    userStore,
		codec:    codec,
		hasher:   cfg.Hasher,
		sessions: sessions,
		lifetime: cfg.TokenLifetime,
		log:      logger,
		nowFunc:  time.Now,
	}, nil
}

func (s *Service) HashPassword(plain string) (string, error) {
	h, err := s.hasher.Hash(plain)
	if err != nil {
		return "", unavailable("hash password", err)
	}
	return h, nil
}

// CreateUser validates and stores a new account without starting a session.
// Usernames are trimmed before they reach the store.
func (s *Service) CreateUser(ctx context.Context, username, plain, email string) (User, error) {
	username = strings.TrimSpace(username)
	if reason := validateRegistration(username, plain, email); reason != "" {
		s.log.WarnContext(ctx, "registration rejected", "username", username, "reason", reason)
		return User{}, fmt.Errorf("%w: %s", ErrRegistrationRejected, reason)
	}

	_, err := s.users.FindByUsername(ctx, username)
	switch {
	case err == nil:
		s.log.WarnContext(ctx, "registration rejected", "username", username, "reason", "username taken")
		return User{}, fmt.Errorf("%w: username taken", ErrRegistrationRejected)
	case !errors.Is(err, ErrUserNotFound):
		return User{}, s.fail(ctx, "look up user", err)
	}

	hash, err := s.hasher.Hash(plain)
	if err != nil {
		return User{}, s.fail(ctx, "hash password", err)
	}

	u, err := s.users.Create(ctx, username, hash, email)
	if err != nil {
		if errors.Is(err, ErrUserExists) {
			s.log.WarnContext(ctx, "registration rejected", "username", username, observability.Err(err))
			return User{}, fmt.Errorf("%w: %w", ErrRegistrationRejected, err)
		}
		return User{}, s.fail(ctx, "create user", err)
	}
	return u, nil
}

func (s *Service) Register(ctx context.Context, username, plain, email string) (Result, error) {
	u, err := s.CreateUser(ctx, username, plain, email)
	if err != nil {
		return Result{}, err
	}

	res, err := s.startSession(ctx, u)
	if err != nil {
		return Result{}, err
	}
	s.log.InfoContext(ctx, "user registered", "username", u.Username, "user_id", u.ID)
	return res, nil
}

func (s *Service) Login(ctx context.Context, username, plain string) (Result, error) {
	username = strings.TrimSpace(username)
	u, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.log.WarnContext(ctx, "login rejected", "username", username, "reason", "unknown user")
			return Result{}, ErrInvalidCredentials
		}
		return Result{}, s.fail(ctx, "look up user", err)
	}

	if !s.hasher.Verify(plain, u.PasswordHash) {
		s.log.WarnContext(ctx, "login rejected", "username", username, "reason", "password mismatch")
		return Result{}, ErrInvalidCredentials
	}
	s.upgradeHash(ctx, u, plain)

	res, err := s.startSession(ctx, u)
	if err != nil {
		return Result{}, err
	}
	s.log.InfoContext(ctx, "user logged in", "username", u.Username, "user_id", u.ID)
	return res, nil
}

// upgradeHash re-hashes a just-verified password whose stored digest is
// weaker than the configured scheme. Failures only cost the upgrade.
func (s *Service) upgradeHash(ctx context.Context, u User, plain string) {
	r, ok := s.hasher.(password.Rehasher)
	if !ok || !r.NeedsRehash(u.PasswordHash) {
		return
	}
	hash, err := s.hasher.Hash(plain)
	if err == nil {
		err = s.users.UpdatePasswordHash(ctx, u.ID, hash)
	}
	if err != nil {
		s.log.WarnContext(ctx, "password rehash failed", "user_id", u.ID, observability.Err(err))
		return
	}
	s.log.InfoContext(ctx, "password hash upgraded", "user_id", u.ID)
}

// VerifyToken returns the user a token belongs to, provided the token is
// authentic, unexpired and still the user's live session.
func (s *Service) VerifyToken(ctx context.Context, tok string) (User, error) {
	claims, err := s.codec.Verify(tok, s.nowFunc())
	if err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	live, ok, err := s.sessions.Get(ctx, SessionKey(claims.UserID))
	if err != nil {
		return User{}, s.fail(ctx, "read session", err)
	}
	if !ok {
		return User{}, fmt.Errorf("%w: no live session", ErrInvalidToken)
	}
	if subtle.ConstantTimeCompare([]byte(live), []byte(tok)) != 1 {
		return User{}, fmt.Errorf("%w: superseded", ErrInvalidToken)
	}

	u, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, fmt.Errorf("%w: unknown user", ErrInvalidToken)
		}
		return User{}, s.fail(ctx, "look up user", err)
	}
	return u, nil
}

// Logout drops the user's live session. Logging out twice is not an error.
func (s *Service) Logout(ctx context.Context, userID int64) error {
	existed, err := s.sessions.Delete(ctx, SessionKey(userID))
	if err != nil {
		return s.fail(ctx, "delete session", err)
	}
	s.log.InfoContext(ctx, "user logged out", "user_id", userID, "had_session", existed)
	return nil
}

// startSession issues a fresh token and makes it the user's only live one.
func (s *Service) startSession(ctx context.Context, u User) (Result, error) {
	tok, err := s.codec.Issue(u.ID, u.Username, s.nowFunc(), s.lifetime)
	if err != nil {
		return Result{}, s.fail(ctx, "issue token", err)
	}
	if err := s.sessions.Set(ctx, SessionKey(u.ID), tok, s.lifetime); err != nil {
		return Result{}, s.fail(ctx, "store session", err)
	}
	return Result{Token: tok, User: u}, nil
}

func (s *Service) fail(ctx context.Context, op string, err error) error {
	s.log.ErrorContext(ctx, "auth backend failure", "op", op, observability.Err(err))
	return unavailable(op, err)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// validateRegistration returns the rejection reason, or "" when the input
// is acceptable.
func validateRegistration(username, plain, email string) string {
	switch {
	case strings.TrimSpace(username) == "":
		return "username required"
	case utf8.RuneCountInString(plain) < minPasswordLength:
		return "password too short"
	case email == "" || !strings.Contains(email, "@"):
		return "invalid email"
	}
	return ""
}
