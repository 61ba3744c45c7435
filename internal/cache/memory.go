// Package cache holds the key/value stores backing live sessions.
package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value string
	// zero means the entry never expires
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is an in-process key/value cache with optional per-entry expiry.
//
// Expiry is enforced lazily: Get is the only call that checks it, removing
// the entry it finds expired. Entries that are never read again stay in the
// map until Delete, Clear or DeleteExpired, so Size may over-report.
type Memory struct {
	nowFunc func() time.Time

	mu    sync.Mutex
	items map[string]entry
}

func NewMemory() *Memory {
	return &Memory{
		nowFunc: time.Now,
		items:   make(map[string]entry),
	}
}

// Set stores value under key with no expiry, replacing any previous entry.
func (m *Memory) Set(key, value string) {
	m.mu.Lock()
	m.items[key] = entry{value: value}
	m.mu.Unlock()
}

// SetWithTTL stores value under key until now+ttl.
func (m *Memory) SetWithTTL(key, value string, ttl time.Duration) {
	expiresAt := m.nowFunc().Add(ttl)

	m.mu.Lock()
	m.items[key] = entry{value: value, expiresAt: expiresAt}
	m.mu.Unlock()
}

func (m *Memory) Get(key string) (string, bool) {
	now := m.nowFunc()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.items[key]
	if !ok {
		return "", false
	}
	if e.expired(now) {
		delete(m.items, key)
		return "", false
	}
	return e.value, true
}

func (m *Memory) Exists(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Delete reports whether key was present, expired or not.
func (m *Memory) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.items[key]
	delete(m.items, key)
	return ok
}

func (m *Memory) Clear() {
	m.mu.Lock()
	m.items = make(map[string]entry)
	m.mu.Unlock()
}

// Size counts stored entries, including expired ones not yet evicted.
func (m *Memory) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) Ping() string {
	return "PONG"
}

// DeleteExpired evicts every expired entry and returns how many it removed.
func (m *Memory) DeleteExpired() int {
	now := m.nowFunc()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.items {
		if e.expired(now) {
			delete(m.items, key)
			removed++
		}
	}
	return removed
}

// StartJanitor runs DeleteExpired every interval until ctx is done. The
// returned channel is closed once the janitor has stopped.
func (m *Memory) StartJanitor(ctx context.Context, interval time.Duration, onSweep func(removed int)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := m.DeleteExpired()
				if onSweep != nil {
					onSweep(n)
				}
			}
		}
	}()
	return done
}
