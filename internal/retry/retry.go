// Package retry wraps fallible operations with bounded attempts and exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
)

// ErrExhausted is wrapped around the final error once every attempt has failed.
var ErrExhausted = errors.New("retries exhausted")

// Strategy retries an operation up to MaxAttempts times, sleeping
// BaseDelay * 2^(attempt-1) after each failed attempt that is followed by another.
type Strategy struct {
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

type Option func(*Strategy)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Strategy) { s.logger = logger }
}

// WithSleep replaces the backoff sleep. Tests use it to avoid real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Strategy) { s.sleep = fn }
}

func New(maxAttempts int, baseDelay time.Duration, opts ...Option) *Strategy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay < 0 {
		baseDelay = 0
	}

	s := &Strategy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		logger:      slog.Default().With("component", "retry"),
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func Default() *Strategy {
	return New(DefaultMaxAttempts, DefaultBaseDelay)
}

func (s *Strategy) MaxAttempts() int {
	return s.maxAttempts
}

// Backoff returns the delay slept after the given failed attempt (1-based).
func (s *Strategy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return s.baseDelay * time.Duration(1<<(attempt-1))
}

// Do runs op until it succeeds, returns a permanent error, attempts run out or ctx is done.
func (s *Strategy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Execute(ctx, s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Execute is the value-returning form of Do.
func Execute[T any](ctx context.Context, s *Strategy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}

		if attempt == s.maxAttempts {
			break
		}

		delay := s.Backoff(attempt)
		s.logger.Debug("operation failed, retrying",
			"attempt", attempt,
			"max_attempts", s.maxAttempts,
			"delay", delay,
			"error", err)

		if err := s.sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, s.maxAttempts, lastErr)
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so that Strategy stops retrying and returns it unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
