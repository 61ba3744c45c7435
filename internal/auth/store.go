package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

type UserStore interface {
	FindByUsername(ctx context.Context, username string) (User, error)
	FindByID(ctx context.Context, id int64) (User, error)
	// Create assigns the id and timestamps. It returns ErrUserExists when the
	// username or email is already taken.
	Create(ctx context.Context, username, passwordHash, email string) (User, error)
	// UpdatePasswordHash returns ErrUserNotFound for an unknown id.
	UpdatePasswordHash(ctx context.Context, id int64, passwordHash string) error
}

// userIndex is the lookup state shared by the in-process stores. Callers
// hold their own lock.
type userIndex struct {
	lastID  int64
	byID    map[int64]User
	byName  map[string]int64
	byEmail map[string]int64
}

func newUserIndex() *userIndex {
	return &userIndex{
		byID:    make(map[int64]User),
		byName:  make(map[string]int64),
		byEmail: make(map[string]int64),
	}
}

func (x *userIndex) findByUsername(username string) (User, error) {
	id, ok := x.byName[username]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return x.byID[id], nil
}

func (x *userIndex) findByID(id int64) (User, error) {
	u, ok := x.byID[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (x *userIndex) create(username, passwordHash, email string, now time.Time) (User, error) {
	if _, ok := x.byName[username]; ok {
		return User{}, fmt.Errorf("%w: username %q", ErrUserExists, username)
	}
	if _, ok := x.byEmail[email]; ok {
		return User{}, fmt.Errorf("%w: email %q", ErrUserExists, email)
	}
	u := User{
		ID:           x.lastID + 1,
		Username:     username,
		PasswordHash: passwordHash,
		Email:        email,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	x.add(u)
	return u, nil
}

// setPasswordHash returns the user as it was before the change.
func (x *userIndex) setPasswordHash(id int64, passwordHash string, now time.Time) (User, error) {
	u, ok := x.byID[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	updated := u
	updated.PasswordHash = passwordHash
	updated.UpdatedAt = now
	x.byID[id] = updated
	return u, nil
}

func (x *userIndex) add(u User) {
	x.byID[u.ID] = u
	x.byName[u.Username] = u.ID
	x.byEmail[u.Email] = u.ID
	if u.ID > x.lastID {
		x.lastID = u.ID
	}
}

func (x *userIndex) remove(id int64) {
	u, ok := x.byID[id]
	if !ok {
		return
	}
	delete(x.byID, id)
	delete(x.byName, u.Username)
	delete(x.byEmail, u.Email)
}

type InMemoryUserStore struct {
	nowFunc func() time.Time

	mu  sync.RWMutex
	idx *userIndex
}

func NewInMemoryUserStore() *InMemoryUserStore {
	return &InMemoryUserStore{nowFunc: time.Now, idx: newUserIndex()}
}

func (s *InMemoryUserStore) FindByUsername(_ context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.findByUsername(username)
}

func (s *InMemoryUserStore) FindByID(_ context.Context, id int64) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.findByID(id)
}

func (s *InMemoryUserStore) Create(_ context.Context, username, passwordHash, email string) (User, error) {
	now := s.nowFunc().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.create(username, passwordHash, email, now)
}

func (s *InMemoryUserStore) UpdatePasswordHash(_ context.Context, id int64, passwordHash string) error {
	now := s.nowFunc().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.idx.setPasswordHash(id, passwordHash, now)
	return err
}
