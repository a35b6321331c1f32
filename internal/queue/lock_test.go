package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLock_TryAcquire(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lock := NewRedisLock(db, "", time.Minute)
	ctx := context.TODO()

	mock.ExpectSetNX(DefaultLockKey, "session-1", time.Minute).SetVal(true)
	ok, err := lock.TryAcquire(ctx, "session-1")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectSetNX(DefaultLockKey, "session-2", time.Minute).SetVal(false)
	mock.ExpectGet(DefaultLockKey).SetVal("session-1")
	ok, err = lock.TryAcquire(ctx, "session-2")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectSetNX(DefaultLockKey, "session-1", time.Minute).SetVal(false)
	mock.ExpectGet(DefaultLockKey).SetVal("session-1")
	ok, err = lock.TryAcquire(ctx, "session-1")
	require.NoError(t, err)
	assert.True(t, ok, "the holder may re-acquire its own lease")

	mock.ExpectSetNX(DefaultLockKey, "session-3", time.Minute).SetErr(errors.New("connection refused"))
	_, err = lock.TryAcquire(ctx, "session-3")
	assert.ErrorContains(t, err, "failed to acquire lock")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestRedisLock_ReleaseAndExtend(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lock := NewRedisLock(db, "scraper:test", 30*time.Second)
	ctx := context.TODO()
	keys := []string{"scraper:test"}

	mock.ExpectEvalSha(releaseScript.Hash(), keys, "session-1").SetVal(int64(1))
	require.NoError(t, lock.Release(ctx, "session-1"))

	mock.ExpectEvalSha(releaseScript.Hash(), keys, "session-2").SetVal(int64(0))
	assert.ErrorIs(t, lock.Release(ctx, "session-2"), ErrLockNotHeld)

	mock.ExpectEvalSha(extendScript.Hash(), keys, "session-1", int64(30000)).SetVal(int64(1))
	require.NoError(t, lock.Extend(ctx, "session-1"))

	mock.ExpectEvalSha(extendScript.Hash(), keys, "session-2", int64(30000)).SetVal(int64(0))
	assert.ErrorIs(t, lock.Extend(ctx, "session-2"), ErrLockNotHeld)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestRedisLock_Holder(t *testing.T) {
	db, mock := redismock.NewClientMock()
	lock := NewRedisLock(db, "", 0)
	ctx := context.TODO()

	assert.Equal(t, DefaultLockTTL, lock.TTL())

	mock.ExpectGet(DefaultLockKey).RedisNil()
	holder, err := lock.Holder(ctx)
	require.NoError(t, err)
	assert.Empty(t, holder)

	mock.ExpectGet(DefaultLockKey).SetVal("session-1")
	holder, err = lock.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "session-1", holder)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestMemoryLock(t *testing.T) {
	ctx := context.TODO()
	lock := NewMemoryLock()

	ok, err := lock.TryAcquire(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = lock.TryAcquire(ctx, "b")
	assert.False(t, ok)

	assert.NoError(t, lock.Extend(ctx, "a"))
	assert.ErrorIs(t, lock.Extend(ctx, "b"), ErrLockNotHeld)
	assert.ErrorIs(t, lock.Release(ctx, "b"), ErrLockNotHeld)
	assert.NoError(t, lock.Release(ctx, "a"))
	assert.Empty(t, lock.Holder())

	ok, _ = lock.TryAcquire(ctx, "b")
	assert.True(t, ok)
}
