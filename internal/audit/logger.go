// Package audit appends authentication events to a JSON-lines file.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	ActionRegister  = "auth.register"
	ActionLogin     = "auth.login"
	ActionLogout    = "auth.logout"
	ActionBootstrap = "auth.bootstrap"

	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

type Event struct {
	ID        string `json:"id"`
	At        string `json:"at"`
	RequestID string `json:"request_id,omitempty"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
}

// Logger is safe for concurrent use. A Logger with an empty path, or a nil
// Logger, discards events.
type Logger struct {
	path    string
	nowFunc func() time.Time

	mu sync.Mutex
}

func NewLogger(path string) *Logger {
	return &Logger{path: path, nowFunc: time.Now}
}

// Log stamps e with a fresh id and the current time and appends it.
func (l *Logger) Log(e Event) error {
	if l == nil || l.path == "" {
		return nil
	}
	e.ID = uuid.NewString()
	e.At = l.nowFunc().UTC().Format(time.RFC3339)
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("mkdir audit log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write audit log entry: %w", err)
	}
	return nil
}
