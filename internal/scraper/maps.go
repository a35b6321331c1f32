package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/maltedev/listing-scraper/internal/browser"
	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/maltedev/listing-scraper/internal/parser"
)

type MapSearchOptions struct {
	BaseURL      string
	FeedSelector string
	// NoResultsSelector marks a page that loaded fine but has nothing to list.
	NoResultsSelector string
	ScrollTimes       int
}

func DefaultMapSearchOptions() MapSearchOptions {
	return MapSearchOptions{
		BaseURL:           "https://www.google.com/maps/search/",
		FeedSelector:      `div[role="feed"]`,
		NoResultsSelector: `div.section-no-result, div[jsaction*="noResults"]`,
		ScrollTimes:       8,
	}
}

// MapSearch extracts the listings of one town x industry unit.
type MapSearch struct {
	opts     MapSearchOptions
	parser   parser.ListingParser
	detector ChallengeChecker
	logger   *slog.Logger
}

func NewMapSearch(p parser.ListingParser, detector ChallengeChecker, opts MapSearchOptions) *MapSearch {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultMapSearchOptions().BaseURL
	}
	if opts.FeedSelector == "" {
		opts.FeedSelector = DefaultMapSearchOptions().FeedSelector
	}
	return &MapSearch{
		opts:     opts,
		parser:   p,
		detector: detector,
		logger:   slog.Default().With("component", "map_search"),
	}
}

// SearchURL builds the search address for a unit.
func (m *MapSearch) SearchURL(unit models.Unit) string {
	base := m.opts.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + url.PathEscape(unit.Query())
}

// Extract runs one search in sess. It does not retry; the caller wraps it.
func (m *MapSearch) Extract(ctx context.Context, sess browser.Session, unit models.Unit) ([]models.Business, error) {
	target := m.SearchURL(unit)
	m.logger.Debug("searching", "query", unit.Query(), "url", target, "session_id", sess.ID())

	if err := sess.Navigate(ctx, target); err != nil {
		return nil, fmt.Errorf("failed to navigate to search: %w", err)
	}

	if _, err := snapshot(ctx, sess, m.detector); err != nil {
		return nil, err
	}

	if err := waitOrChallenge(ctx, sess, m.detector, m.opts.FeedSelector); err != nil {
		page, snapErr := sess.Snapshot(ctx)
		if snapErr == nil && m.isEmptyResult(page) {
			m.logger.Info("search returned no results", "query", unit.Query())
			return nil, nil
		}
		return nil, err
	}

	if m.opts.ScrollTimes > 0 {
		if err := sess.Scroll(ctx, m.opts.FeedSelector, m.opts.ScrollTimes); err != nil {
			m.logger.Warn("failed to scroll result feed", "query", unit.Query(), "error", err)
		}
	}

	page, err := snapshot(ctx, sess, m.detector)
	if err != nil {
		return nil, err
	}

	businesses, err := m.parser.ParseListings(page.HTML, unit)
	if err != nil {
		return nil, fmt.Errorf("failed to parse listings: %w", err)
	}

	m.logger.Info("extracted listings", "query", unit.Query(), "count", len(businesses))
	return businesses, nil
}

func (m *MapSearch) isEmptyResult(page *browser.PageState) bool {
	if page == nil || m.opts.NoResultsSelector == "" {
		return false
	}
	return containsSelector(page.HTML, m.opts.NoResultsSelector)
}
