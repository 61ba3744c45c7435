package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// userRecord is the on-disk shape; unlike User it keeps the password hash.
type userRecord struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Email        string    `json:"email"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FileUserStore keeps users in memory and rewrites a JSON state file on
// every write.
type FileUserStore struct {
	path    string
	nowFunc func() time.Time

	mu  sync.RWMutex
	idx *userIndex
}

func NewFileUserStore(path string) (*FileUserStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("user state file path is required")
	}

	s := &FileUserStore{
		path:    path,
		nowFunc: time.Now,
		idx:     newUserIndex(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileUserStore) FindByUsername(_ context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.findByUsername(username)
}

func (s *FileUserStore) FindByID(_ context.Context, id int64) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.findByID(id)
}

func (s *FileUserStore) Create(_ context.Context, username, passwordHash, email string) (User, error) {
	now := s.nowFunc().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.idx.create(username, passwordHash, email, now)
	if err != nil {
		return User{}, err
	}
	if err := s.persistLocked(); err != nil {
		s.idx.remove(u.ID)
		return User{}, err
	}
	return u, nil
}

func (s *FileUserStore) UpdatePasswordHash(_ context.Context, id int64, passwordHash string) error {
	now := s.nowFunc().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.idx.setPasswordHash(id, passwordHash, now)
	if err != nil {
		return err
	}
	if err := s.persistLocked(); err != nil {
		s.idx.byID[id] = prev
		return err
	}
	return nil
}

func (s *FileUserStore) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read user store file: %w", err)
	}
	if len(b) == 0 {
		return nil
	}

	var decoded []userRecord
	if err := json.Unmarshal(b, &decoded); err != nil {
		return fmt.Errorf("decode user store file: %w", err)
	}
	for _, r := range decoded {
		if r.ID <= 0 || strings.TrimSpace(r.Username) == "" {
			continue
		}
		s.idx.add(User(r))
	}
	return nil
}

func (s *FileUserStore) persistLocked() error {
	out := make([]userRecord, 0, len(s.idx.byID))
	for _, u := range s.idx.byID {
		out = append(out, userRecord(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode user store file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir user store dir: %w", err)
	}
	if err := os.WriteFile(s.path, b, 0o600); err != nil {
		return fmt.Errorf("write user store file: %w", err)
	}
	return nil
}
