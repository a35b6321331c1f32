package checkpoint

import (
	"context"
	"sync"

	"github.com/maltedev/listing-scraper/internal/models"
)

type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*models.Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]*models.Checkpoint)}
}

func (s *MemoryStore) Save(_ context.Context, sessionID string, cp *models.Checkpoint) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[sessionID] = clone(cp)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[sessionID]
	if !ok {
		return nil, nil
	}
	return clone(cp), nil
}

func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, sessionID)
	return nil
}
