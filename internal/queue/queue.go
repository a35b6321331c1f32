// Package queue serializes scrape sessions: one session runs at a time and
// further start requests wait in FIFO order until it finishes.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/listing-scraper/internal/models"
)

const (
	DefaultSessionDuration = 10 * time.Minute
	DefaultRefreshInterval = 30 * time.Second
	durationWindow         = 10
)

var (
	ErrQueueClosed     = errors.New("queue is closed")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidRequest  = errors.New("invalid scrape request")
)

// Runner is a session the manager drives. *orchestrator.Orchestrator implements it.
type Runner interface {
	ID() string
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	Stop() int
	Snapshot() models.Session
	Progress() models.ProgressEvent
	Done() <-chan struct{}
}

// Factory builds the runner of a session. The runner must call finished once
// it reached a terminal state.
type Factory func(sessionID string, req models.ScrapeRequest, finished func(models.Session)) Runner

type StartResult struct {
	SessionID     string               `json:"session_id"`
	Status        models.SessionStatus `json:"status"`
	Position      int                  `json:"position,omitempty"`
	EstimatedWait time.Duration        `json:"-"`
}

func (r StartResult) StartedImmediately() bool {
	return r.Status != models.StatusQueued
}

type Config struct {
	DefaultSessionDuration time.Duration
	RefreshInterval        time.Duration
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger.With("component", "queue") }
}

func WithLock(lock ActiveLock) Option {
	return func(m *Manager) { m.lock = lock }
}

func WithSessionStore(store SessionStore) Option {
	return func(m *Manager) { m.store = store }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	factory Factory
	cfg     Config
	lock    ActiveLock
	store   SessionStore
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	active    Runner
	startedAt time.Time
	entries   []*models.QueueEntry
	runners   map[string]Runner
	durations []time.Duration
	closed    bool
}

// NewManager creates a manager whose sessions run under ctx.
func NewManager(ctx context.Context, factory Factory, cfg Config, opts ...Option) *Manager {
	if cfg.DefaultSessionDuration <= 0 {
		cfg.DefaultSessionDuration = DefaultSessionDuration
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		ctx:     ctx,
		cancel:  cancel,
		factory: factory,
		cfg:     cfg,
		lock:    NewMemoryLock(),
		logger:  slog.Default().With("component", "queue"),
		now:     time.Now,
		runners: make(map[string]Runner),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RequestStart starts the request right away when no session is active and
// enqueues it otherwise.
func (m *Manager) RequestStart(ctx context.Context, req models.ScrapeRequest) (StartResult, error) {
	req = req.WithDefaults()
	if errs := req.Validate(); len(errs) > 0 {
		return StartResult{}, fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(errs, "; "))
	}
	return m.submit(ctx, uuid.NewString(), req, m.now())
}

func (m *Manager) submit(ctx context.Context, sessionID string, req models.ScrapeRequest, submittedAt time.Time) (StartResult, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return StartResult{}, ErrQueueClosed
	}

	runner := m.factory(sessionID, req, func(s models.Session) { m.OnSessionFinished(s.ID) })
	m.runners[sessionID] = runner

	if m.active == nil && len(m.entries) == 0 {
		acquired, err := m.lock.TryAcquire(ctx, sessionID)
		if err != nil {
			delete(m.runners, sessionID)
			m.mu.Unlock()
			return StartResult{}, err
		}
		if acquired {
			m.activateLocked(runner)
			m.mu.Unlock()

			if err := m.launch(runner); err != nil {
				return StartResult{SessionID: sessionID, Status: runner.Snapshot().Status}, err
			}
			return StartResult{SessionID: sessionID, Status: models.StatusRunning}, nil
		}
	}

	entry := &models.QueueEntry{
		SessionID:   sessionID,
		OwnerID:     req.OwnerID,
		Request:     req,
		SubmittedAt: submittedAt,
	}
	m.entries = append(m.entries, entry)
	m.rerankLocked()
	result := StartResult{
		SessionID:     sessionID,
		Status:        models.StatusQueued,
		Position:      entry.Position,
		EstimatedWait: time.Duration(entry.EstimatedWaitMs) * time.Millisecond,
	}
	m.mu.Unlock()

	m.logger.Info("session queued", "session_id", sessionID, "position", result.Position)
	m.persistQueued(ctx, runner, submittedAt)
	return result, nil
}

func (m *Manager) activateLocked(runner Runner) {
	m.active = runner
	m.startedAt = m.now()
}

// launch must be called without m.mu held; a runner that fails to start reports
// itself finished synchronously.
func (m *Manager) launch(runner Runner) error {
	m.logger.Info("starting session", "session_id", runner.ID())
	if err := runner.Start(m.ctx); err != nil {
		m.logger.Error("failed to start session", "session_id", runner.ID(), "error", err)
		return fmt.Errorf("failed to start session: %w", err)
	}
	return nil
}

func (m *Manager) persistQueued(ctx context.Context, runner Runner, submittedAt time.Time) {
	if m.store == nil {
		return
	}
	snap := runner.Snapshot()
	snap.Status = models.StatusQueued
	snap.CreatedAt = submittedAt
	if err := m.store.Save(context.WithoutCancel(ctx), snap); err != nil {
		m.logger.Warn("failed to persist queued session", "session_id", snap.ID, "error", err)
	}
}

// rerankLocked assigns 1-based positions in submission order and estimates the
// wait from recent session durations.
func (m *Manager) rerankLocked() {
	avg := m.averageDurationLocked()
	for i, e := range m.entries {
		e.Position = i + 1
		e.EstimatedWaitMs = (time.Duration(e.Position) * avg).Milliseconds()
	}
}

func (m *Manager) averageDurationLocked() time.Duration {
	if len(m.durations) == 0 {
		return m.cfg.DefaultSessionDuration
	}
	var sum time.Duration
	for _, d := range m.durations {
		sum += d
	}
	return sum / time.Duration(len(m.durations))
}

// OnSessionFinished frees the active slot and starts the next queued session.
// Sessions that fail to start finish synchronously, so the queue keeps draining.
func (m *Manager) OnSessionFinished(sessionID string) {
	m.mu.Lock()
	if m.active == nil || m.active.ID() != sessionID {
		m.mu.Unlock()
		return
	}

	m.durations = append(m.durations, m.now().Sub(m.startedAt))
	if len(m.durations) > durationWindow {
		m.durations = m.durations[len(m.durations)-durationWindow:]
	}
	m.active = nil
	if err := m.lock.Release(context.WithoutCancel(m.ctx), sessionID); err != nil {
		m.logger.Warn("failed to release active lock", "session_id", sessionID, "error", err)
	}
	m.logger.Info("session finished", "session_id", sessionID, "queued", len(m.entries))

	next := m.popNextLocked()
	m.mu.Unlock()

	if next != nil {
		_ = m.launch(next)
	}
}

// popNextLocked activates the head of the queue if the active lock is free.
func (m *Manager) popNextLocked() Runner {
	if m.closed || m.active != nil || len(m.entries) == 0 {
		return nil
	}

	head := m.entries[0]
	acquired, err := m.lock.TryAcquire(m.ctx, head.SessionID)
	if err != nil {
		m.logger.Warn("failed to acquire active lock", "session_id", head.SessionID, "error", err)
		return nil
	}
	if !acquired {
		return nil
	}

	m.entries = m.entries[1:]
	m.rerankLocked()
	runner := m.runners[head.SessionID]
	m.activateLocked(runner)
	return runner
}

// Cancel removes a queued session. It has no effect once the session started.
func (m *Manager) Cancel(sessionID string) bool {
	m.mu.Lock()
	idx := -1
	for i, e := range m.entries {
		if e.SessionID == sessionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
	m.rerankLocked()
	runner := m.runners[sessionID]
	m.mu.Unlock()

	m.logger.Info("queued session cancelled", "session_id", sessionID)
	runner.Stop()
	return true
}

// Position returns the queue entry of a waiting session.
func (m *Manager) Position(sessionID string) (models.QueueEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			return *e, true
		}
	}
	return models.QueueEntry{}, false
}

// Entries returns the waiting sessions in start order.
func (m *Manager) Entries() []models.QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.QueueEntry, len(m.entries))
	for i, e := range m.entries {
		out[i] = *e
	}
	return out
}

// Active returns the id of the running session.
func (m *Manager) Active() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return "", false
	}
	return m.active.ID(), true
}

func (m *Manager) runner(sessionID string) (Runner, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runner, ok := m.runners[sessionID]
	if !ok {
		return nil, false, ErrSessionNotFound
	}
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			return runner, true, nil
		}
	}
	return runner, false, nil
}

func (m *Manager) Pause(sessionID string) error {
	runner, _, err := m.runner(sessionID)
	if err != nil {
		return err
	}
	return runner.Pause()
}

func (m *Manager) Resume(sessionID string) error {
	runner, _, err := m.runner(sessionID)
	if err != nil {
		return err
	}
	return runner.Resume()
}

// Stop stops a running session and returns the number of businesses it
// collected. A queued session is cancelled instead.
func (m *Manager) Stop(sessionID string) (int, error) {
	runner, queued, err := m.runner(sessionID)
	if err != nil {
		return 0, err
	}
	if queued && m.Cancel(sessionID) {
		return 0, nil
	}
	return runner.Stop(), nil
}

// Status returns the session snapshot; queued sessions report status queued.
func (m *Manager) Status(sessionID string) (models.Session, error) {
	runner, queued, err := m.runner(sessionID)
	if err != nil {
		return models.Session{}, err
	}
	snap := runner.Snapshot()
	if queued {
		snap.Status = models.StatusQueued
	}
	return snap, nil
}

// Progress returns the latest progress of a session.
func (m *Manager) Progress(sessionID string) (models.ProgressEvent, error) {
	runner, queued, err := m.runner(sessionID)
	if err != nil {
		return models.ProgressEvent{}, err
	}
	event := runner.Progress()
	if queued {
		event.Status = models.StatusQueued
	}
	return event, nil
}

// Recover re-submits sessions a previous process left unfinished, oldest first.
// Their runners resume from the stored checkpoints.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	sessions, err := m.store.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished sessions: %w", err)
	}

	recovered := 0
	for _, s := range sessions {
		m.mu.Lock()
		_, known := m.runners[s.ID]
		m.mu.Unlock()
		if known {
			continue
		}

		result, err := m.submit(ctx, s.ID, s.Request.WithDefaults(), s.CreatedAt)
		if err != nil {
			return recovered, fmt.Errorf("failed to recover session %s: %w", s.ID, err)
		}
		m.logger.Info("recovered session", "session_id", s.ID, "previous_status", s.Status, "status", result.Status)
		recovered++
	}
	return recovered, nil
}

// Run keeps the active lock alive and starts the queue head once a lock held
// by another process frees up. It blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh(ctx)
		}
	}
}

func (m *Manager) refresh(ctx context.Context) {
	m.mu.Lock()
	if m.active != nil {
		id := m.active.ID()
		m.mu.Unlock()
		if err := m.lock.Extend(ctx, id); err != nil {
			m.logger.Warn("failed to extend active lock", "session_id", id, "error", err)
		}
		return
	}
	next := m.popNextLocked()
	m.mu.Unlock()

	if next != nil {
		_ = m.launch(next)
	}
}

// Shutdown refuses new requests and interrupts the active session. Interrupted
// sessions keep their checkpoint and are picked up by Recover.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	active := m.active
	m.mu.Unlock()

	m.cancel()
	if active == nil {
		return nil
	}

	select {
	case <-active.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		if err := m.lock.Release(context.WithoutCancel(ctx), m.active.ID()); err != nil {
			m.logger.Warn("failed to release active lock", "error", err)
		}
		m.active = nil
	}
	return nil
}
