// Package config loads service settings. Sources, lowest precedence first:
// built-in defaults, the YAML file named by CONFIG_FILE, then the process
// environment (which a .env file in the working directory may populate).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	SessionBackendMemory   = "memory"
	SessionBackendRedis    = "redis"
	SessionBackendPostgres = "postgres"

	DefaultTokenSecret = "change-me-in-production"
)

type Config struct {
	HTTP         HTTPConfig
	DatabaseURL  string
	RedisURL     string
	LogLevel     string
	Auth         AuthConfig
	AuditLogFile string
}

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type AuthConfig struct {
	TokenSecret          string
	TokenLifetime        time.Duration
	PasswordScheme       string
	SessionBackend       string
	SessionKeyPrefix     string
	SessionSweepInterval time.Duration
	UserStateFile        string
	// Bootstrap user is created at startup when BootstrapUsername is set.
	BootstrapUsername string
	BootstrapPassword string
	BootstrapEmail    string
}

// fileConfig mirrors the YAML layout. It also carries the defaults, so a
// file only needs the keys it changes.
type fileConfig struct {
	HTTP struct {
		Addr               string `yaml:"addr"`
		ReadTimeoutSec     int    `yaml:"read_timeout_sec"`
		WriteTimeoutSec    int    `yaml:"write_timeout_sec"`
		ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	} `yaml:"http"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	LogLevel    string `yaml:"log_level"`
	Auth        struct {
		TokenSecret             string `yaml:"token_secret"`
		TokenLifetimeSec        int    `yaml:"token_lifetime_sec"`
		PasswordScheme          string `yaml:"password_scheme"`
		SessionBackend          string `yaml:"session_backend"`
		SessionKeyPrefix        string `yaml:"session_key_prefix"`
		SessionSweepIntervalSec int    `yaml:"session_sweep_interval_sec"`
		UserStateFile           string `yaml:"user_state_file"`
		BootstrapUsername       string `yaml:"bootstrap_username"`
		BootstrapPassword       string `yaml:"bootstrap_password"`
		BootstrapEmail          string `yaml:"bootstrap_email"`
	} `yaml:"auth"`
	AuditLogFile string `yaml:"audit_log_file"`
}

func defaults() fileConfig {
	var fc fileConfig
	fc.HTTP.Addr = ":8080"
	fc.HTTP.ReadTimeoutSec = 10
	fc.HTTP.WriteTimeoutSec = 15
	fc.HTTP.ShutdownTimeoutSec = 20
	fc.LogLevel = "info"
	fc.Auth.TokenSecret = DefaultTokenSecret
	fc.Auth.TokenLifetimeSec = 86400
	fc.Auth.PasswordScheme = "argon2id"
	fc.Auth.SessionBackend = SessionBackendMemory
	fc.Auth.SessionKeyPrefix = "xpp:"
	fc.Auth.UserStateFile = "./data/auth_users.json"
	fc.AuditLogFile = "./data/audit.log"
	return fc
}

func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	fc := defaults()
	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := loadYAML(path, &fc); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{
		HTTP: HTTPConfig{
			Addr:            getEnv("HTTP_ADDR", fc.HTTP.Addr),
			ReadTimeout:     seconds(getEnvInt("HTTP_READ_TIMEOUT_SEC", fc.HTTP.ReadTimeoutSec)),
			WriteTimeout:    seconds(getEnvInt("HTTP_WRITE_TIMEOUT_SEC", fc.HTTP.WriteTimeoutSec)),
			ShutdownTimeout: seconds(getEnvInt("HTTP_SHUTDOWN_TIMEOUT_SEC", fc.HTTP.ShutdownTimeoutSec)),
		},
		DatabaseURL: getEnv("DATABASE_URL", fc.DatabaseURL),
		RedisURL:    getEnv("REDIS_URL", fc.RedisURL),
		LogLevel:    getEnv("LOG_LEVEL", fc.LogLevel),
		Auth: AuthConfig{
			TokenSecret:          getEnv("AUTH_TOKEN_SECRET", fc.Auth.TokenSecret),
			TokenLifetime:        seconds(getEnvInt("AUTH_TOKEN_LIFETIME_SEC", fc.Auth.TokenLifetimeSec)),
			PasswordScheme:       strings.ToLower(getEnv("AUTH_PASSWORD_SCHEME", fc.Auth.PasswordScheme)),
			SessionBackend:       strings.ToLower(getEnv("AUTH_SESSION_BACKEND", fc.Auth.SessionBackend)),
			SessionKeyPrefix:     getEnv("AUTH_SESSION_KEY_PREFIX", fc.Auth.SessionKeyPrefix),
			SessionSweepInterval: seconds(getEnvInt("AUTH_SESSION_SWEEP_INTERVAL_SEC", fc.Auth.SessionSweepIntervalSec)),
			UserStateFile:        getEnv("AUTH_USER_STATE_FILE", fc.Auth.UserStateFile),
			BootstrapUsername:    getEnv("AUTH_BOOTSTRAP_USERNAME", fc.Auth.BootstrapUsername),
			BootstrapPassword:    getEnv("AUTH_BOOTSTRAP_PASSWORD", fc.Auth.BootstrapPassword),
			BootstrapEmail:       getEnv("AUTH_BOOTSTRAP_EMAIL", fc.Auth.BootstrapEmail),
		},
		AuditLogFile: getEnv("AUDIT_LOG_FILE", fc.AuditLogFile),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.HTTP.Addr == "" {
		return fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if cfg.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP_SHUTDOWN_TIMEOUT_SEC must be > 0")
	}
	if cfg.Auth.TokenSecret == "" {
		return fmt.Errorf("AUTH_TOKEN_SECRET must not be empty")
	}
	if cfg.Auth.TokenLifetime <= 0 {
		return fmt.Errorf("AUTH_TOKEN_LIFETIME_SEC must be > 0")
	}
	switch cfg.Auth.PasswordScheme {
	case "argon2id", "sha256":
	default:
		return fmt.Errorf("AUTH_PASSWORD_SCHEME must be argon2id or sha256, got %q", cfg.Auth.PasswordScheme)
	}
	switch cfg.Auth.SessionBackend {
	case SessionBackendMemory:
	case SessionBackendRedis:
		if cfg.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis session backend")
		}
	case SessionBackendPostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres session backend")
		}
	default:
		return fmt.Errorf("AUTH_SESSION_BACKEND must be memory, redis or postgres, got %q", cfg.Auth.SessionBackend)
	}
	if cfg.Auth.SessionSweepInterval < 0 {
		return fmt.Errorf("AUTH_SESSION_SWEEP_INTERVAL_SEC must be >= 0")
	}
	if cfg.DatabaseURL == "" && cfg.Auth.UserStateFile == "" {
		return fmt.Errorf("AUTH_USER_STATE_FILE must not be empty without DATABASE_URL")
	}
	if cfg.Auth.BootstrapUsername != "" {
		if cfg.Auth.BootstrapPassword == "" {
			return fmt.Errorf("AUTH_BOOTSTRAP_PASSWORD is required with AUTH_BOOTSTRAP_USERNAME")
		}
		if cfg.Auth.BootstrapEmail == "" {
			return fmt.Errorf("AUTH_BOOTSTRAP_EMAIL is required with AUTH_BOOTSTRAP_USERNAME")
		}
	}
	return nil
}

func loadYAML(path string, fc *fileConfig) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, fc); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func getEnv(key, fallback string) string {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) int {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}
