// Package batch groups lookup items into adaptively sized batches that each share
// one browser session.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/maltedev/listing-scraper/internal/browser"
	"github.com/maltedev/listing-scraper/internal/captcha"
	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/maltedev/listing-scraper/internal/ratelimit"
	"github.com/maltedev/listing-scraper/internal/retry"
)

type Config struct {
	MaxBatchSize     int
	ItemDelay        time.Duration
	MinBatchDelay    time.Duration
	MaxBatchDelay    time.Duration
	Cooldown         time.Duration
	MaxCooldown      time.Duration
	SuccessThreshold float64
	// MaxRequeues is how often a challenged item is moved to a later batch
	// before it resolves empty.
	MaxRequeues int
}

func DefaultConfig() Config {
	return Config{
		MaxBatchSize:     5,
		ItemDelay:        500 * time.Millisecond,
		MinBatchDelay:    2 * time.Second,
		MaxBatchDelay:    5 * time.Second,
		Cooldown:         10 * time.Second,
		MaxCooldown:      60 * time.Second,
		SuccessThreshold: 0.5,
		MaxRequeues:      2,
	}
}

// ProcessFunc handles one item inside the batch session. An empty value with a nil
// error is a soft failure: it resolves the item but counts against the success rate.
type ProcessFunc func(ctx context.Context, sess browser.Session, item string) (string, error)

// Result maps every resolved item to its value. Pending holds items that were not
// resolved because the context ended.
type Result struct {
	Values  map[string]string
	Pending []string
	Batches int
}

type Manager struct {
	cfg    Config
	retry  *retry.Strategy
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu                  sync.Mutex
	batchSize           int
	consecutiveFailures int
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger.With("component", "batch_manager") }
}

// WithSleep replaces the delay function. Tests use it to skip real waits.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = fn }
}

func NewManager(cfg Config, strategy *retry.Strategy, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.MaxBatchSize < 1 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.SuccessThreshold <= 0 || cfg.SuccessThreshold > 1 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.MaxRequeues < 0 {
		cfg.MaxRequeues = 0
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
	if strategy == nil {
		strategy = retry.Default()
	}

	m := &Manager{
		cfg:       cfg,
		retry:     strategy,
		logger:    slog.Default().With("component", "batch_manager"),
		sleep:     ratelimit.Sleep,
		batchSize: cfg.MaxBatchSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BatchSize is the size the next batch will get.
func (m *Manager) BatchSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchSize
}

func (m *Manager) ExportState() models.BatchState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.BatchState{
		CurrentBatchSize:    m.batchSize,
		ConsecutiveFailures: m.consecutiveFailures,
	}
}

// RestoreState applies a checkpointed state, clamped to the configured bounds.
func (m *Manager) RestoreState(state models.BatchState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state.CurrentBatchSize == 0 {
		m.batchSize = m.cfg.MaxBatchSize
	} else {
		m.batchSize = clamp(state.CurrentBatchSize, 1, m.cfg.MaxBatchSize)
	}
	m.consecutiveFailures = max(state.ConsecutiveFailures, 0)
}

type entry struct {
	item     string
	requeues int
}

type outcome struct {
	attempted  int
	succeeded  int
	challenged bool
	requeue    []entry
	pending    []string
}

// Run processes items in batches. Each batch opens exactly one session through
// launcher and closes it when the batch ends, whatever the item outcomes.
func (m *Manager) Run(ctx context.Context, launcher browser.Launcher, items []string, process ProcessFunc) (Result, error) {
	res := Result{Values: make(map[string]string, len(items))}

	queue := make([]entry, 0, len(items))
	for _, item := range items {
		queue = append(queue, entry{item: item})
	}

	var delay time.Duration
	for len(queue) > 0 {
		if res.Batches > 0 {
			if err := m.sleep(ctx, delay); err != nil {
				res.Pending = appendItems(res.Pending, queue)
				return res, err
			}
		}
		if err := ctx.Err(); err != nil {
			res.Pending = appendItems(res.Pending, queue)
			return res, err
		}

		n := min(m.BatchSize(), len(queue))
		current := queue[:n:n]
		queue = queue[n:]

		res.Batches++
		out := m.runBatch(ctx, launcher, current, process, res.Values)
		queue = append(queue, out.requeue...)
		res.Pending = append(res.Pending, out.pending...)

		if err := ctx.Err(); err != nil {
			res.Pending = appendItems(res.Pending, queue)
			return res, err
		}

		delay = m.observe(out)
	}

	return res, nil
}

func (m *Manager) runBatch(ctx context.Context, launcher browser.Launcher, batch []entry, process ProcessFunc, values map[string]string) outcome {
	var out outcome

	sess, err := launcher.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			out.pending = appendItems(nil, batch)
			return out
		}
		m.logger.Warn("failed to open batch session", "items", len(batch), "error", err)
		out.challenged = true
		for _, e := range batch {
			e.requeues++
			m.requeueOrResolve(&out, e, values)
		}
		return out
	}
	defer func() {
		if err := sess.Close(); err != nil {
			m.logger.Warn("failed to close batch session", "session_id", sess.ID(), "error", err)
		}
	}()

	for i, e := range batch {
		if i > 0 {
			if err := m.sleep(ctx, m.cfg.ItemDelay); err != nil {
				out.pending = appendItems(out.pending, batch[i:])
				return out
			}
		}
		if ctx.Err() != nil {
			out.pending = appendItems(out.pending, batch[i:])
			return out
		}

		value, err := retry.Execute(ctx, m.retry, func(ctx context.Context) (string, error) {
			return process(ctx, sess, e.item)
		})
		out.attempted++

		switch {
		case err == nil:
			values[e.item] = value
			if value != "" {
				out.succeeded++
			}
		case errors.Is(err, captcha.ErrChallenged):
			m.logger.Warn("challenge during batch, aborting", "session_id", sess.ID(), "item", e.item, "remaining", len(batch)-i)
			out.challenged = true
			e.requeues++
			m.requeueOrResolve(&out, e, values)
			out.requeue = append(out.requeue, batch[i+1:]...)
			return out
		case ctx.Err() != nil:
			out.attempted--
			out.pending = appendItems(out.pending, batch[i:])
			return out
		default:
			m.logger.Warn("item failed after retries", "item", e.item, "error", err)
			values[e.item] = ""
		}
	}

	return out
}

func (m *Manager) requeueOrResolve(out *outcome, e entry, values map[string]string) {
	if e.requeues > m.cfg.MaxRequeues {
		values[e.item] = ""
		return
	}
	out.requeue = append(out.requeue, e)
}

// observe adapts the batch size and returns the delay before the next batch.
func (m *Manager) observe(out outcome) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rate float64
	if out.attempted > 0 {
		rate = float64(out.succeeded) / float64(out.attempted)
	}

	if out.challenged || rate < m.cfg.SuccessThreshold {
		m.batchSize = clamp(m.batchSize-1, 1, m.cfg.MaxBatchSize)
		m.consecutiveFailures++
		cooldown := min(m.cfg.Cooldown*time.Duration(m.consecutiveFailures), m.cfg.MaxCooldown)
		m.logger.Info("batch degraded, shrinking",
			"success_rate", rate,
			"challenged", out.challenged,
			"batch_size", m.batchSize,
			"cooldown", cooldown)
		return cooldown
	}

	m.consecutiveFailures = 0
	if out.succeeded == out.attempted {
		m.batchSize = clamp(m.batchSize+1, 1, m.cfg.MaxBatchSize)
	}
	return ratelimit.Between(m.cfg.MinBatchDelay, m.cfg.MaxBatchDelay)
}

func appendItems(dst []string, entries []entry) []string {
	for _, e := range entries {
		dst = append(dst, e.item)
	}
	return dst
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
