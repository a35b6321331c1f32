// Package worker runs extraction units in short-lived browser sessions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/listing-scraper/internal/browser"
	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/maltedev/listing-scraper/internal/ratelimit"
	"github.com/maltedev/listing-scraper/internal/retry"
)

const DefaultOperationTimeout = 45 * time.Second

var (
	ErrOperationTimeout = errors.New("operation timed out")
	ErrPanic            = errors.New("worker panicked")
)

// ListingExtractor runs the map search for one unit inside an open session.
type ListingExtractor interface {
	Extract(ctx context.Context, sess browser.Session, unit models.Unit) ([]models.Business, error)
}

type ExtractorFunc func(ctx context.Context, sess browser.Session, unit models.Unit) ([]models.Business, error)

func (f ExtractorFunc) Extract(ctx context.Context, sess browser.Session, unit models.Unit) ([]models.Business, error) {
	return f(ctx, sess, unit)
}

// Worker opens one session per unit and guarantees it is closed again.
type Worker struct {
	launcher  browser.Launcher
	extractor ListingExtractor
	retry     *retry.Strategy
	opTimeout time.Duration
	limiter   *ratelimit.AdaptiveRateLimiter
	logger    *slog.Logger
}

type Option func(*Worker)

// WithOperationTimeout bounds every single attempt.
func WithOperationTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.opTimeout = d
		}
	}
}

// WithLimiter spaces navigations of all workers sharing the limiter and widens
// the spacing after failures.
func WithLimiter(l *ratelimit.AdaptiveRateLimiter) Option {
	return func(w *Worker) { w.limiter = l }
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger.With("component", "browser_worker") }
}

func New(launcher browser.Launcher, extractor ListingExtractor, strategy *retry.Strategy, opts ...Option) *Worker {
	if strategy == nil {
		strategy = retry.Default()
	}
	w := &Worker{
		launcher:  launcher,
		extractor: extractor,
		retry:     strategy,
		opTimeout: DefaultOperationTimeout,
		logger:    slog.Default().With("component", "browser_worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run opens a session, hands it to fn and closes it on every exit path,
// including a panic inside fn, which is returned as ErrPanic.
func (w *Worker) Run(ctx context.Context, fn func(ctx context.Context, sess browser.Session) error) (err error) {
	sess, err := w.launcher.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open browser session: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("recovered panic in browser session", "session_id", sess.ID(), "panic", r)
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
		if closeErr := sess.Close(); closeErr != nil {
			w.logger.Warn("failed to close browser session", "session_id", sess.ID(), "error", closeErr)
		}
	}()

	return fn(ctx, sess)
}

// Search extracts one unit. Each attempt is bounded by the operation timeout;
// failed attempts are retried in the same session.
func (w *Worker) Search(ctx context.Context, unit models.Unit) ([]models.Business, error) {
	var businesses []models.Business

	err := w.Run(ctx, func(ctx context.Context, sess browser.Session) error {
		out, err := retry.Execute(ctx, w.retry, func(ctx context.Context) ([]models.Business, error) {
			return w.attempt(ctx, sess, unit)
		})
		businesses = out
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search %q: %w", unit.Query(), err)
	}
	return businesses, nil
}

func (w *Worker) attempt(ctx context.Context, sess browser.Session, unit models.Unit) ([]models.Business, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, retry.Permanent(err)
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, w.opTimeout)
	defer cancel()

	out, err := w.extractor.Extract(opCtx, sess, unit)
	if err != nil {
		if ctx.Err() == nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrOperationTimeout, w.opTimeout, err)
		}
		if w.limiter != nil {
			w.limiter.RecordError()
		}
		return nil, err
	}

	if w.limiter != nil {
		w.limiter.RecordSuccess()
	}
	return out, nil
}
