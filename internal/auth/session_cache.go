package auth

import (
	"context"
	"strconv"
	"time"

	"xpp/auth-service/internal/cache"
)

// SessionCache holds the single live token per user. A ttl of zero means
// the entry never expires. *cache.Redis satisfies it directly.
type SessionCache interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) (bool, error)
}

const sessionKeyPrefix = "user:session:"

// SessionKey is the cache key of the user's live session. There is one per
// user, so storing a new token replaces the previous one.
func SessionKey(userID int64) string {
	return sessionKeyPrefix + strconv.FormatInt(userID, 10)
}

// MemorySessionCache adapts the in-process cache to SessionCache.
type MemorySessionCache struct {
	mem *cache.Memory
}

func NewMemorySessionCache(mem *cache.Memory) *MemorySessionCache {
	if mem == nil {
		mem = cache.NewMemory()
	}
	return &MemorySessionCache{mem: mem}
}

func (c *MemorySessionCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		c.mem.Set(key, value)
		return nil
	}
	c.mem.SetWithTTL(key, value, ttl)
	return nil
}

func (c *MemorySessionCache) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := c.mem.Get(key)
	return v, ok, nil
}

func (c *MemorySessionCache) Delete(_ context.Context, key string) (bool, error) {
	return c.mem.Delete(key), nil
}

var (
	_ SessionCache = (*MemorySessionCache)(nil)
	_ SessionCache = (*cache.Redis)(nil)
	_ SessionCache = (*PostgresSessionCache)(nil)
)
