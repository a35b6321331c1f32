package lookup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultCacheTTL = 30 * 24 * time.Hour

// Cache stores providers by normalized phone. Entries older than the staleness
// window are treated as missing.
type Cache interface {
	Get(ctx context.Context, phone string) (string, bool, error)
	Set(ctx context.Context, phone, provider string) error
}

type RedisCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client redis.Cmdable, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{
		client: client,
		prefix: "provider:",
		ttl:    ttl,
	}
}

func (c *RedisCache) Get(ctx context.Context, phone string) (string, bool, error) {
	provider, err := c.client.Get(ctx, c.prefix+phone).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read provider cache: %w", err)
	}
	return provider, true, nil
}

func (c *RedisCache) Set(ctx context.Context, phone, provider string) error {
	if err := c.client.Set(ctx, c.prefix+phone, provider, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write provider cache: %w", err)
	}
	return nil
}

type memoryEntry struct {
	provider string
	storedAt time.Time
}

// MemoryCache is the in-process Cache used when no redis is configured.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, phone string) (string, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[phone]
	c.mu.RUnlock()

	if !ok || c.now().Sub(e.storedAt) > c.ttl {
		return "", false, nil
	}
	return e.provider, true, nil
}

func (c *MemoryCache) Set(_ context.Context, phone, provider string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[phone] = memoryEntry{provider: provider, storedAt: c.now()}
	return nil
}
