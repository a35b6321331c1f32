// Package scraper drives a browser session through the two page flows of a run:
// the map search that yields listings and the form that names a phone's provider.
package scraper

import (
	"context"
	"errors"
	"fmt"

	"github.com/maltedev/listing-scraper/internal/browser"
	"github.com/maltedev/listing-scraper/internal/captcha"
	"github.com/maltedev/listing-scraper/internal/retry"
)

var (
	ErrNoResults    = errors.New("no results container on page")
	ErrInvalidPhone = errors.New("invalid phone number")
)

// ChallengeChecker is satisfied by *captcha.Detector.
type ChallengeChecker interface {
	IsChallenged(page *browser.PageState) bool
}

// snapshot captures the page and fails permanently when it is a challenge page.
// A challenge is never retried within the same session.
func snapshot(ctx context.Context, sess browser.Session, detector ChallengeChecker) (*browser.PageState, error) {
	page, err := sess.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot page: %w", err)
	}
	if detector.IsChallenged(page) {
		return page, retry.Permanent(fmt.Errorf("%w at %s", captcha.ErrChallenged, page.URL))
	}
	return page, nil
}

// waitOrChallenge waits for selector; when it never shows up the page is checked
// for a challenge so that the caller gets the more specific error.
func waitOrChallenge(ctx context.Context, sess browser.Session, detector ChallengeChecker, selector string) error {
	waitErr := sess.WaitFor(ctx, selector)
	if waitErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, err := snapshot(ctx, sess, detector); err != nil {
		return err
	}
	return fmt.Errorf("failed to wait for %q: %w", selector, waitErr)
}
