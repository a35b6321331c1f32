package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/maltedev/listing-scraper/internal/models"
)

const (
	DefaultClientBufferSize = 16
	DefaultMaxClients       = 100
)

type subscriber struct {
	id        string
	sessionID string
	events    chan models.ProgressEvent
}

// Broker fans progress events out to in-process subscribers, typically SSE
// connections. A slow subscriber loses its oldest buffered event, never the newest.
type Broker struct {
	logger     *slog.Logger
	bufferSize int
	maxClients int

	mu     sync.RWMutex
	subs   map[string]*subscriber
	latest map[string]models.ProgressEvent
	closed bool
}

type BrokerOption func(*Broker)

func WithClientBufferSize(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

func WithMaxClients(n int) BrokerOption {
	return func(b *Broker) { b.maxClients = n }
}

func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		logger:     logger.With("component", "progress_broker"),
		bufferSize: DefaultClientBufferSize,
		maxClients: DefaultMaxClients,
		subs:       make(map[string]*subscriber),
		latest:     make(map[string]models.ProgressEvent),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) Emit(_ context.Context, sessionID string, event models.ProgressEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.latest[sessionID] = event

	for _, s := range b.subs {
		if s.sessionID != "" && s.sessionID != sessionID {
			continue
		}
		deliver(s.events, event)
	}
	return nil
}

func deliver(ch chan models.ProgressEvent, event models.ProgressEvent) {
	for {
		select {
		case ch <- event:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe registers for events of sessionID, or of all sessions when it is
// empty. The latest known snapshot is delivered first. ok is false when the
// broker is full or closed.
func (b *Broker) Subscribe(sessionID string) (events <-chan models.ProgressEvent, cancel func(), ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || (b.maxClients > 0 && len(b.subs) >= b.maxClients) {
		b.logger.Warn("rejecting progress subscription", "clients", len(b.subs), "closed", b.closed)
		return nil, func() {}, false
	}

	s := &subscriber{
		id:        uuid.NewString(),
		sessionID: sessionID,
		events:    make(chan models.ProgressEvent, b.bufferSize),
	}
	if sessionID != "" {
		if last, found := b.latest[sessionID]; found {
			s.events <- last
		}
	}
	b.subs[s.id] = s

	b.logger.Debug("client subscribed", "client_id", s.id, "session_id", sessionID, "clients", len(b.subs))

	var once sync.Once
	return s.events, func() { once.Do(func() { b.remove(s.id) }) }, true
}

// Latest returns the last snapshot emitted for the session.
func (b *Broker) Latest(sessionID string) (models.ProgressEvent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	event, ok := b.latest[sessionID]
	return event, ok
}

// Forget drops the stored snapshot of a finished session.
func (b *Broker) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.latest, sessionID)
}

func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close disconnects every subscriber.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.events)
		delete(b.subs, id)
	}
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[id]; ok {
		close(s.events)
		delete(b.subs, id)
	}
}
