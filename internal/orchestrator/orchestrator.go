// Package orchestrator runs one scrape session: it fans the town x industry units
// out to a bounded worker pool, feeds discovered phones into the provider lookup
// pipeline, checkpoints after every unit and reports progress.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maltedev/listing-scraper/internal/checkpoint"
	"github.com/maltedev/listing-scraper/internal/events"
	"github.com/maltedev/listing-scraper/internal/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxWorkers = 6
	DefaultETAWindow  = 10
)

var (
	ErrNotRunning     = errors.New("session is not running")
	ErrNotPaused      = errors.New("session is not paused")
	ErrAlreadyStarted = errors.New("session already started")
	ErrFinished       = errors.New("session already finished")

	errStopping = errors.New("session stopping")
)

// Searcher extracts the listings of one unit. *worker.Worker implements it.
type Searcher interface {
	Search(ctx context.Context, unit models.Unit) ([]models.Business, error)
}

// Enricher resolves providers. *lookup.Service implements it.
type Enricher interface {
	LookupMany(ctx context.Context, phones []string) (map[string]string, error)
}

// RecordStore persists discovered businesses. Calls with the same business are
// upserts.
type RecordStore interface {
	AppendBusinesses(ctx context.Context, sessionID string, businesses []models.Business) error
}

// BatchStateStore exposes the lookup batch state for checkpoints. *batch.Manager implements it.
type BatchStateStore interface {
	ExportState() models.BatchState
	RestoreState(state models.BatchState)
}

type Deps struct {
	Searcher    Searcher
	Enricher    Enricher
	Records     RecordStore
	Checkpoints checkpoint.Store
	Sink        events.ProgressSink
	BatchState  BatchStateStore
}

type Config struct {
	MaxWorkers int
	ETAWindow  int
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger.With("component", "orchestrator", "session_id", o.id) }
}

// WithStateListener is called after every state transition.
func WithStateListener(fn func(models.Session)) Option {
	return func(o *Orchestrator) { o.onState = fn }
}

// WithOnFinished is called once after the session reached a terminal state.
func WithOnFinished(fn func(models.Session)) Option {
	return func(o *Orchestrator) { o.onFinished = fn }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

type Orchestrator struct {
	id         string
	ownerID    string
	req        models.ScrapeRequest
	deps       Deps
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
	onState    func(models.Session)
	onFinished func(models.Session)

	cpMu sync.Mutex
	// emitMu orders snapshots with their delivery. Sinks must not call back
	// into Pause, Resume or Stop.
	emitMu sync.Mutex

	mu          sync.RWMutex
	status      models.SessionStatus
	businesses  []models.Business
	byKey       map[string]int
	baseFound   int
	completed   []bool
	watermark   int
	unitsDone   int
	unitsFailed int
	pending     map[models.LookupRequest]struct{}
	durations   []time.Duration
	currentUnit string
	createdAt   time.Time
	startedAt   *time.Time
	finishedAt  *time.Time
	errMsg      string
	stopping    bool
	ended       bool // run goroutines are gone; only Stop still applies
	controlErr  error
	resumeCh    chan struct{}
	cancel      context.CancelFunc
	done        chan struct{}
	finishOnce  sync.Once
	lookupSem   *semaphore.Weighted
	group       *errgroup.Group
	groupCtx    context.Context
}

func New(id string, req models.ScrapeRequest, deps Deps, cfg Config, opts ...Option) *Orchestrator {
	req = req.WithDefaults()
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.ETAWindow < 1 {
		cfg.ETAWindow = DefaultETAWindow
	}
	if deps.Sink == nil {
		deps.Sink = events.Discard
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints = checkpoint.NewMemoryStore()
	}

	o := &Orchestrator{
		id:        id,
		req:       req,
		deps:      deps,
		cfg:       cfg,
		now:       time.Now,
		status:    models.StatusIdle,
		byKey:     make(map[string]int),
		completed: make([]bool, req.UnitCount()),
		pending:   make(map[models.LookupRequest]struct{}),
		done:      make(chan struct{}),
	}
	o.logger = slog.Default().With("component", "orchestrator", "session_id", id)
	for _, opt := range opts {
		opt(o)
	}
	o.createdAt = o.now()
	return o
}

func (o *Orchestrator) ID() string {
	return o.id
}

// PoolSize is the number of concurrent extraction workers for the request.
func (o *Orchestrator) PoolSize() int {
	size := o.req.MaxConcurrentTowns
	if !o.req.LiteralSearch() {
		size *= o.req.MaxConcurrentIndustries
	}
	return max(1, min(size, o.cfg.MaxWorkers, o.req.UnitCount()))
}

// Start loads the checkpoint, if any, and begins dispatching units. It returns
// once the session runs; use Wait to block until it ends.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	status := o.status
	o.mu.Unlock()
	if status.IsTerminal() {
		return ErrFinished
	}
	if status != models.StatusIdle {
		return ErrAlreadyStarted
	}

	cp, err := o.deps.Checkpoints.Load(ctx, o.id)
	if err != nil {
		err = fmt.Errorf("failed to load checkpoint: %w", err)
		o.mu.Lock()
		o.controlErr = err
		o.mu.Unlock()
		o.finish()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	var retryQueue []models.LookupRequest
	o.mu.Lock()
	if cp != nil {
		retryQueue = o.restoreLocked(cp)
	}
	now := o.now()
	o.startedAt = &now
	o.status = models.StatusRunning
	o.cancel = cancel
	o.group = group
	o.groupCtx = groupCtx
	o.lookupSem = semaphore.NewWeighted(int64(o.req.MaxConcurrentLookups))
	o.mu.Unlock()

	if cp != nil {
		o.logger.Info("resuming session from checkpoint",
			"position", o.Watermark(),
			"units_total", o.req.UnitCount(),
			"retry_queue", len(retryQueue))
	} else {
		o.logger.Info("starting session", "units_total", o.req.UnitCount(), "workers", o.PoolSize())
	}

	if err := o.transitioned(runCtx); err != nil {
		o.failRun(err)
	}

	o.enqueueLookups(retryQueue)
	go o.run()
	return nil
}

// restoreLocked applies a checkpoint and returns the lookups it still owed.
func (o *Orchestrator) restoreLocked(cp *models.Checkpoint) []models.LookupRequest {
	position := o.req.UnitIndex(cp.CurrentIndustryIndex, cp.CurrentTownIndex)
	position = max(0, min(position, len(o.completed)))
	for i := 0; i < position; i++ {
		o.completed[i] = true
	}
	o.watermark = position
	o.unitsDone = position
	o.baseFound = cp.ProcessedCount
	if o.deps.BatchState != nil {
		o.deps.BatchState.RestoreState(cp.BatchState)
	}
	return cp.RetryQueue
}

func (o *Orchestrator) run() {
	units := make(chan models.Unit)

	o.group.Go(func() error {
		defer close(units)
		for idx := o.Watermark(); idx < o.req.UnitCount(); idx++ {
			if err := o.awaitRunnable(o.groupCtx); err != nil {
				return nil
			}
			select {
			case units <- o.req.Unit(idx):
			case <-o.groupCtx.Done():
				return nil
			}
		}
		return nil
	})

	for i := 0; i < o.PoolSize(); i++ {
		o.group.Go(func() error {
			for unit := range units {
				if err := o.awaitRunnable(o.groupCtx); err != nil {
					return nil
				}
				if err := o.processUnit(o.groupCtx, unit); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := o.group.Wait(); err != nil {
		o.mu.Lock()
		if o.controlErr == nil {
			o.controlErr = err
		}
		o.mu.Unlock()
	}
	o.finish()
}

// awaitRunnable blocks while the session is paused. It fails once the session
// is stopping or ctx is done.
func (o *Orchestrator) awaitRunnable(ctx context.Context) error {
	for {
		o.mu.RLock()
		status, stopping, resume := o.status, o.stopping, o.resumeCh
		o.mu.RUnlock()

		if stopping || ctx.Err() != nil {
			return errStopping
		}
		switch status {
		case models.StatusRunning:
			return nil
		case models.StatusPaused:
			select {
			case <-resume:
			case <-ctx.Done():
				return errStopping
			}
		default:
			return errStopping
		}
	}
}

func (o *Orchestrator) processUnit(ctx context.Context, unit models.Unit) error {
	o.mu.Lock()
	o.currentUnit = unit.Query()
	o.mu.Unlock()

	start := o.now()
	businesses, err := o.deps.Searcher.Search(ctx, unit)
	elapsed := o.now().Sub(start)

	if err != nil && ctx.Err() != nil {
		// Interrupted by stop; the unit stays at or after the watermark.
		return nil
	}

	persistCtx := context.WithoutCancel(ctx)
	var lookups []models.LookupRequest
	if err != nil {
		o.logger.Warn("unit failed, skipping", "unit", unit.Index, "query", unit.Query(), "error", err)
	} else if len(businesses) > 0 {
		if err := o.deps.Records.AppendBusinesses(persistCtx, o.id, businesses); err != nil {
			return fmt.Errorf("failed to persist businesses: %w", err)
		}
	}

	o.mu.Lock()
	if err != nil {
		o.unitsFailed++
	} else {
		lookups = o.appendLocked(businesses)
	}
	o.completeLocked(unit.Index, elapsed)
	o.mu.Unlock()

	o.logger.Debug("unit done", "unit", unit.Index, "query", unit.Query(), "businesses", len(businesses), "duration", elapsed)

	o.enqueueLookups(lookups)

	if err := o.saveCheckpoint(persistCtx); err != nil {
		return err
	}
	o.emit(persistCtx)
	return nil
}

// appendLocked adds new businesses and returns lookups for those with a phone.
func (o *Orchestrator) appendLocked(businesses []models.Business) []models.LookupRequest {
	var lookups []models.LookupRequest
	for _, b := range businesses {
		key := b.Key()
		if _, dup := o.byKey[key]; dup {
			continue
		}
		o.byKey[key] = len(o.businesses)
		o.businesses = append(o.businesses, b)

		if b.HasPhone() && !b.IsEnriched() {
			lookups = append(lookups, models.LookupRequest{Phone: b.NormalizedPhone, BusinessKey: key})
		}
	}
	return lookups
}

func (o *Orchestrator) completeLocked(index int, elapsed time.Duration) {
	if index < 0 || index >= len(o.completed) || o.completed[index] {
		return
	}
	o.completed[index] = true
	o.unitsDone++
	for o.watermark < len(o.completed) && o.completed[o.watermark] {
		o.watermark++
	}

	o.durations = append(o.durations, elapsed)
	if len(o.durations) > o.cfg.ETAWindow {
		o.durations = o.durations[len(o.durations)-o.cfg.ETAWindow:]
	}
}

func (o *Orchestrator) Watermark() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.watermark
}

func (o *Orchestrator) failRun(err error) {
	o.mu.Lock()
	if o.controlErr == nil {
		o.controlErr = err
	}
	cancel := o.cancel
	o.mu.Unlock()

	o.logger.Error("session failed", "error", err)
	if cancel != nil {
		cancel()
	}
}

// Pause stops dispatching new units. Units in flight finish.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()
		return ErrFinished
	}
	if o.status != models.StatusRunning {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.status = models.StatusPaused
	o.resumeCh = make(chan struct{})
	o.mu.Unlock()

	o.logger.Info("session paused")
	if err := o.transitioned(context.Background()); err != nil {
		o.failRun(err)
		return err
	}
	return nil
}

// Resume continues dispatch at the checkpoint position.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()
		return ErrFinished
	}
	if o.status != models.StatusPaused || o.stopping {
		o.mu.Unlock()
		return ErrNotPaused
	}
	o.status = models.StatusRunning
	close(o.resumeCh)
	o.resumeCh = nil
	o.mu.Unlock()

	o.logger.Info("session resumed")
	if err := o.transitioned(context.Background()); err != nil {
		o.failRun(err)
		return err
	}
	return nil
}

// Stop ends the session gracefully and waits for it. Units in flight are
// abandoned at their next safe point; finished results are kept. It returns the
// number of businesses collected.
func (o *Orchestrator) Stop() int {
	o.mu.Lock()
	switch {
	case o.status.IsTerminal():
		n := len(o.businesses)
		o.mu.Unlock()
		return n
	case o.status == models.StatusIdle:
		o.stopping = true
		o.mu.Unlock()
		o.finish()
		return 0
	}

	if !o.stopping {
		o.stopping = true
		if o.resumeCh != nil {
			close(o.resumeCh)
			o.resumeCh = nil
		}
		o.logger.Info("stopping session")
	}
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-o.done

	o.mu.Lock()
	interrupted := !o.status.IsTerminal()
	if interrupted {
		// The run was already interrupted from outside and left paused.
		now := o.now()
		o.status = models.StatusStopped
		o.finishedAt = &now
	}
	n := len(o.businesses)
	o.mu.Unlock()

	if interrupted {
		o.announceFinished(context.Background())
	}
	return n
}

// Wait blocks until the session ended or was interrupted.
func (o *Orchestrator) Wait() {
	<-o.done
}

// Done is closed when the session ended or was interrupted.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *Orchestrator) finish() {
	o.finishOnce.Do(func() {
		o.mu.Lock()
		o.ended = true
		switch {
		case o.controlErr != nil:
			o.status = models.StatusError
			o.errMsg = o.controlErr.Error()
		case o.stopping:
			o.status = models.StatusStopped
		case o.watermark >= len(o.completed) && len(o.pending) == 0:
			o.status = models.StatusCompleted
			o.currentUnit = ""
		default:
			// Interrupted from outside, e.g. shutdown. The checkpoint stays so the
			// session can be recovered.
			o.status = models.StatusPaused
		}
		status := o.status
		started := o.startedAt != nil
		if status.IsTerminal() {
			now := o.now()
			o.finishedAt = &now
		}
		o.mu.Unlock()

		ctx := context.Background()
		if status == models.StatusCompleted {
			if err := o.deps.Checkpoints.Clear(ctx, o.id); err != nil {
				o.logger.Warn("failed to clear checkpoint", "error", err)
			}
		} else if started {
			if err := o.saveCheckpoint(ctx); err != nil {
				o.logger.Error("failed to write final checkpoint", "error", err)
			}
		}

		if status.IsTerminal() {
			o.announceFinished(ctx)
		} else {
			o.logger.Info("session interrupted", "businesses", o.found())
			o.emit(ctx)
			if o.onState != nil {
				o.onState(o.Snapshot())
			}
		}

		o.mu.RLock()
		cancel := o.cancel
		o.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		close(o.done)
	})
}

func (o *Orchestrator) announceFinished(ctx context.Context) {
	snapshot := o.Snapshot()
	o.logger.Info("session finished", "status", snapshot.Status, "businesses", snapshot.BusinessesFound)
	o.emit(ctx)
	if o.onState != nil {
		o.onState(snapshot)
	}
	if o.onFinished != nil {
		o.onFinished(snapshot)
	}
}

func (o *Orchestrator) found() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.baseFound + len(o.businesses)
}

// transitioned writes the checkpoint and reports a state change.
func (o *Orchestrator) transitioned(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	if err := o.saveCheckpoint(ctx); err != nil {
		return err
	}
	o.emit(ctx)
	if o.onState != nil {
		o.onState(o.Snapshot())
	}
	return nil
}
