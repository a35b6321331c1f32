package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultLockKey = "scraper:active_session"
	DefaultLockTTL = 2 * time.Minute
)

var ErrLockNotHeld = errors.New("lock not held")

// ActiveLock is the durable "a session is running" flag. The holder is the
// running session's id.
type ActiveLock interface {
	TryAcquire(ctx context.Context, holder string) (bool, error)
	Extend(ctx context.Context, holder string) error
	Release(ctx context.Context, holder string) error
}

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLock shares the active flag between processes. It expires unless the
// holder extends it, so a crashed process frees the slot after the TTL.
type RedisLock struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

func NewRedisLock(client redis.Cmdable, key string, ttl time.Duration) *RedisLock {
	if key == "" {
		key = DefaultLockKey
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLock{client: client, key: key, ttl: ttl}
}

func (l *RedisLock) TTL() time.Duration {
	return l.ttl
}

func (l *RedisLock) TryAcquire(ctx context.Context, holder string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if ok {
		return true, nil
	}

	// Re-acquiring after a restart while the old lease is still alive.
	current, err := l.Holder(ctx)
	if err != nil {
		return false, err
	}
	return current == holder, nil
}

func (l *RedisLock) Extend(ctx context.Context, holder string) error {
	result, err := extendScript.Run(ctx, l.client, []string{l.key}, holder, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *RedisLock) Release(ctx context.Context, holder string) error {
	result, err := releaseScript.Run(ctx, l.client, []string{l.key}, holder).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Holder returns the current holder, or "" when the lock is free.
func (l *RedisLock) Holder(ctx context.Context) (string, error) {
	val, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check lock: %w", err)
	}
	return val, nil
}

// MemoryLock is an ActiveLock for a single process.
type MemoryLock struct {
	mu     sync.Mutex
	holder string
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{}
}

func (l *MemoryLock) TryAcquire(_ context.Context, holder string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != "" && l.holder != holder {
		return false, nil
	}
	l.holder = holder
	return true, nil
}

func (l *MemoryLock) Extend(_ context.Context, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != holder {
		return ErrLockNotHeld
	}
	return nil
}

func (l *MemoryLock) Release(_ context.Context, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != holder {
		return ErrLockNotHeld
	}
	l.holder = ""
	return nil
}

func (l *MemoryLock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}
