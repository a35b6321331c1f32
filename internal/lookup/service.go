// Package lookup enriches phone numbers with their telecom provider.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/maltedev/listing-scraper/internal/batch"
	"github.com/maltedev/listing-scraper/internal/browser"
	"github.com/maltedev/listing-scraper/internal/models"
)

// ProviderExtractor runs the provider form for one phone in an open session.
type ProviderExtractor interface {
	Lookup(ctx context.Context, sess browser.Session, phone string) (string, error)
}

type ExtractorFunc func(ctx context.Context, sess browser.Session, phone string) (string, error)

func (f ExtractorFunc) Lookup(ctx context.Context, sess browser.Session, phone string) (string, error) {
	return f(ctx, sess, phone)
}

// Service resolves providers through the cache first and runs the misses through
// the batch manager, one session per batch.
type Service struct {
	launcher  browser.Launcher
	batches   *batch.Manager
	extractor ProviderExtractor
	cache     Cache
	logger    *slog.Logger

	mu   sync.Mutex
	open map[string]browser.Session
}

func NewService(launcher browser.Launcher, batches *batch.Manager, extractor ProviderExtractor, cache Cache, logger *slog.Logger) *Service {
	if cache == nil {
		cache = NewMemoryCache(DefaultCacheTTL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		launcher:  launcher,
		batches:   batches,
		extractor: extractor,
		cache:     cache,
		logger:    logger.With("component", "provider_lookup"),
		open:      make(map[string]browser.Session),
	}
}

// LookupMany returns a provider or models.ProviderUnknown for every phone. Lookup
// failures resolve to unknown and are not cached. The only error returned is the
// context's; the map then holds what was resolved before it ended.
func (s *Service) LookupMany(ctx context.Context, phones []string) (map[string]string, error) {
	result := make(map[string]string, len(phones))

	var misses []string
	seen := make(map[string]bool, len(phones))
	for _, phone := range phones {
		phone = strings.TrimSpace(phone)
		if phone == "" || seen[phone] {
			continue
		}
		seen[phone] = true

		provider, ok, err := s.cache.Get(ctx, phone)
		if err != nil {
			s.logger.Warn("provider cache unavailable", "phone", phone, "error", err)
		}
		if ok {
			result[phone] = provider
			continue
		}
		misses = append(misses, phone)
	}

	if len(misses) == 0 {
		return result, nil
	}

	s.logger.Debug("looking up providers", "phones", len(phones), "cache_misses", len(misses))

	res, err := s.batches.Run(ctx, browser.LauncherFunc(s.openTracked), misses, s.extractor.Lookup)
	for phone, provider := range res.Values {
		if provider == "" {
			result[phone] = models.ProviderUnknown
			continue
		}
		result[phone] = provider
		if cacheErr := s.cache.Set(ctx, phone, provider); cacheErr != nil {
			s.logger.Warn("failed to cache provider", "phone", phone, "error", cacheErr)
		}
	}

	if err != nil {
		return result, err
	}
	return result, nil
}

// OpenSessions is the number of lookup sessions currently open.
func (s *Service) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// Cleanup force-closes every session an aborted run left open.
func (s *Service) Cleanup() error {
	s.mu.Lock()
	sessions := make([]browser.Session, 0, len(s.open))
	for _, sess := range s.open {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var errs []error
	for _, sess := range sessions {
		if err := sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close session %s: %w", sess.ID(), err))
		}
	}
	if len(sessions) > 0 {
		s.logger.Info("closed leftover lookup sessions", "count", len(sessions))
	}
	return errors.Join(errs...)
}

func (s *Service) openTracked(ctx context.Context) (browser.Session, error) {
	sess, err := s.launcher.Open(ctx)
	if err != nil {
		return nil, err
	}

	tracked := &trackedSession{Session: sess, svc: s}
	s.mu.Lock()
	s.open[sess.ID()] = tracked
	s.mu.Unlock()
	return tracked, nil
}

type trackedSession struct {
	browser.Session
	svc  *Service
	once sync.Once
}

func (t *trackedSession) Close() error {
	var err error
	t.once.Do(func() {
		t.svc.mu.Lock()
		delete(t.svc.open, t.Session.ID())
		t.svc.mu.Unlock()
		err = t.Session.Close()
	})
	return err
}
