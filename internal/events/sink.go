// Package events delivers progress snapshots of running sessions to subscribers.
package events

import (
	"context"
	"errors"

	"github.com/maltedev/listing-scraper/internal/models"
)

// ProgressSink receives a full progress snapshot after every unit and state change.
// Delivery is best effort; a lost event is superseded by the next one.
type ProgressSink interface {
	Emit(ctx context.Context, sessionID string, event models.ProgressEvent) error
}

type SinkFunc func(ctx context.Context, sessionID string, event models.ProgressEvent) error

func (f SinkFunc) Emit(ctx context.Context, sessionID string, event models.ProgressEvent) error {
	return f(ctx, sessionID, event)
}

// Fanout emits to every sink and joins their errors.
type Fanout []ProgressSink

func (f Fanout) Emit(ctx context.Context, sessionID string, event models.ProgressEvent) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Emit(ctx, sessionID, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard ProgressSink = SinkFunc(func(context.Context, string, models.ProgressEvent) error { return nil })
