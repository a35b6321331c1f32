package queue

import (
	"context"
	"slices"
	"sync"

	"github.com/maltedev/listing-scraper/internal/models"
)

// SessionStore persists session rows. *database.SessionRepository implements it.
type SessionStore interface {
	Save(ctx context.Context, session models.Session) error
	ListUnfinished(ctx context.Context) ([]models.Session, error)
}

type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]models.Session)}
}

func (s *MemorySessionStore) Save(_ context.Context, session models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session.Businesses = nil
	s.sessions[session.ID] = session
	return nil
}

func (s *MemorySessionStore) Get(id string) (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

// ListUnfinished returns queued, running and paused sessions, oldest first.
func (s *MemorySessionStore) ListUnfinished(_ context.Context) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Session
	for _, session := range s.sessions {
		if session.Status == models.StatusQueued || session.Status.IsActive() {
			out = append(out, session)
		}
	}
	slices.SortFunc(out, func(a, b models.Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}
