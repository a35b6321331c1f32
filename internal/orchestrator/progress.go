package orchestrator

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/maltedev/listing-scraper/internal/models"
)

func WithOwner(ownerID string) Option {
	return func(o *Orchestrator) { o.ownerID = ownerID }
}

// saveCheckpoint writes the current position. Writes are serialized and each
// snapshot is taken inside the critical section, so stored positions never go
// backwards.
func (o *Orchestrator) saveCheckpoint(ctx context.Context) error {
	o.cpMu.Lock()
	defer o.cpMu.Unlock()

	cp := o.checkpoint()
	if err := o.deps.Checkpoints.Save(ctx, o.id, &cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (o *Orchestrator) checkpoint() models.Checkpoint {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cp := models.Checkpoint{
		SessionID:      o.id,
		ProcessedCount: o.baseFound + len(o.businesses),
		RetryQueue:     o.pendingLocked(),
		UpdatedAt:      o.now(),
	}
	if o.req.LiteralSearch() {
		cp.CurrentTownIndex = o.watermark
	} else if towns := len(o.req.Towns); towns > 0 {
		cp.CurrentIndustryIndex = o.watermark / towns
		cp.CurrentTownIndex = o.watermark % towns
	}
	if o.deps.BatchState != nil {
		cp.BatchState = o.deps.BatchState.ExportState()
	}
	return cp
}

func (o *Orchestrator) pendingLocked() []models.LookupRequest {
	reqs := make([]models.LookupRequest, 0, len(o.pending))
	for req := range o.pending {
		reqs = append(reqs, req)
	}
	slices.SortFunc(reqs, func(a, b models.LookupRequest) int {
		return cmp.Or(cmp.Compare(a.Phone, b.Phone), cmp.Compare(a.BusinessKey, b.BusinessKey))
	})
	return reqs
}

// enqueueLookups hands phones to the lookup pipeline. At most
// MaxConcurrentLookups batches run at once; requests that never ran stay in the
// retry queue of the checkpoint.
func (o *Orchestrator) enqueueLookups(reqs []models.LookupRequest) {
	if len(reqs) == 0 || o.deps.Enricher == nil {
		return
	}

	o.mu.Lock()
	for _, req := range reqs {
		o.pending[req] = struct{}{}
	}
	group, ctx, sem := o.group, o.groupCtx, o.lookupSem
	o.mu.Unlock()

	group.Go(func() error {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		defer sem.Release(1)

		phones := make([]string, 0, len(reqs))
		for _, req := range reqs {
			phones = append(phones, req.Phone)
		}

		providers, err := o.deps.Enricher.LookupMany(ctx, phones)
		if err != nil {
			o.logger.Warn("provider lookup interrupted", "error", err, "resolved", len(providers), "requested", len(phones))
		}

		persistCtx := context.WithoutCancel(ctx)
		updated := o.applyProviders(reqs, providers)
		if len(updated) > 0 {
			if err := o.deps.Records.AppendBusinesses(persistCtx, o.id, updated); err != nil {
				return fmt.Errorf("failed to persist providers: %w", err)
			}
		}
		if err := o.saveCheckpoint(persistCtx); err != nil {
			return err
		}
		o.emit(persistCtx)
		return nil
	})
}

// applyProviders attaches resolved providers and returns the businesses to upsert.
func (o *Orchestrator) applyProviders(reqs []models.LookupRequest, providers map[string]string) []models.Business {
	o.mu.Lock()
	defer o.mu.Unlock()

	var updated []models.Business
	for _, req := range reqs {
		provider, ok := providers[req.Phone]
		if !ok {
			continue
		}
		delete(o.pending, req)

		idx, known := o.byKey[req.BusinessKey]
		if !known {
			// Requests restored from a checkpoint refer to businesses stored by an
			// earlier run; the upsert only touches the provider column.
			name, _, _ := strings.Cut(req.BusinessKey, "|")
			updated = append(updated, models.Business{Name: name, NormalizedPhone: req.Phone, Provider: provider})
			continue
		}
		if o.businesses[idx].Provider == "" {
			o.businesses[idx].Provider = provider
		}
		updated = append(updated, o.businesses[idx])
	}
	return updated
}

func (o *Orchestrator) emit(ctx context.Context) {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	event := o.Progress()
	if err := o.deps.Sink.Emit(ctx, o.id, event); err != nil {
		o.logger.Debug("failed to emit progress", "error", err)
	}
}

// Progress returns the current progress snapshot.
func (o *Orchestrator) Progress() models.ProgressEvent {
	o.mu.RLock()
	defer o.mu.RUnlock()

	total := len(o.completed)
	remaining := total - o.unitsDone
	event := models.ProgressEvent{
		SessionID:       o.id,
		Status:          o.status,
		UnitsTotal:      total,
		UnitsRemaining:  remaining,
		UnitsFailed:     o.unitsFailed,
		BusinessesFound: o.baseFound + len(o.businesses),
		PendingLookups:  len(o.pending),
		CurrentUnit:     o.currentUnit,
		Timestamp:       o.now(),
	}
	if total > 0 {
		event.ProgressPercent = float64(o.unitsDone) / float64(total) * 100
	}
	if o.status == models.StatusCompleted {
		event.ProgressPercent = 100
	}
	event.EstimatedTimeRemainingMs = o.etaLocked(remaining).Milliseconds()
	return event
}

// etaLocked extrapolates the moving average unit duration over the remaining
// units, spread across the worker pool.
func (o *Orchestrator) etaLocked(remaining int) time.Duration {
	if remaining <= 0 || len(o.durations) == 0 || o.status.IsTerminal() {
		return 0
	}
	var sum time.Duration
	for _, d := range o.durations {
		sum += d
	}
	avg := sum / time.Duration(len(o.durations))
	parallel := min(o.PoolSize(), remaining)
	return avg * time.Duration(remaining) / time.Duration(parallel)
}

// Snapshot returns a copy of the session state including collected businesses.
func (o *Orchestrator) Snapshot() models.Session {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return models.Session{
		ID:              o.id,
		OwnerID:         o.ownerID,
		Status:          o.status,
		Request:         o.req,
		Businesses:      slices.Clone(o.businesses),
		UnitsTotal:      len(o.completed),
		UnitsDone:       o.unitsDone,
		UnitsFailed:     o.unitsFailed,
		BusinessesFound: o.baseFound + len(o.businesses),
		PendingLookups:  len(o.pending),
		CreatedAt:       o.createdAt,
		StartedAt:       o.startedAt,
		FinishedAt:      o.finishedAt,
		Error:           o.errMsg,
	}
}

func (o *Orchestrator) Status() models.SessionStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}
