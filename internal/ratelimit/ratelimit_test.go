package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBetween(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := Between(2*time.Second, 5*time.Second)
		if d < 2*time.Second || d >= 5*time.Second {
			t.Fatalf("Between out of range: %v", d)
		}
	}

	assert.Equal(t, time.Second, Between(time.Second, time.Second))
	assert.Equal(t, 3*time.Second, Between(3*time.Second, time.Second))
}

func TestSleep_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Hour)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSimpleRateLimiter_SpacesActions(t *testing.T) {
	r := NewSimpleRateLimiter(20*time.Millisecond, 20*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := r.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestAdaptiveRateLimiter(t *testing.T) {
	a := NewAdaptiveRateLimiter(time.Second, 2*time.Second)

	for i := 0; i < 3; i++ {
		a.RecordError()
	}
	min, max := a.Delays()
	assert.Equal(t, 1500*time.Millisecond, min)
	assert.Equal(t, 3*time.Second, max)

	for i := 0; i < 60; i++ {
		a.RecordSuccess()
	}
	min, _ = a.Delays()
	assert.Equal(t, time.Second, min, "delay never drops below the configured floor")
}
