package browser

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

type playwrightSession struct {
	id       string
	context  playwright.BrowserContext
	page     playwright.Page
	timeout  time.Duration
	humanize bool
	logger   *slog.Logger
	onClose  func()

	mu     sync.Mutex
	closed bool
}

func (s *playwrightSession) ID() string {
	return s.id
}

func (s *playwrightSession) Navigate(ctx context.Context, url string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   s.timeoutFor(ctx),
	})
	if err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}

	if s.humanize {
		s.humanizeInteraction()
	}
	return nil
}

func (s *playwrightSession) Fill(ctx context.Context, selector, value string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	if err := s.page.Locator(selector).First().Fill(value, playwright.LocatorFillOptions{
		Timeout: s.timeoutFor(ctx),
	}); err != nil {
		return fmt.Errorf("failed to fill %s: %w", selector, err)
	}
	return nil
}

func (s *playwrightSession) Click(ctx context.Context, selector string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	if err := s.page.Locator(selector).First().Click(playwright.LocatorClickOptions{
		Timeout: s.timeoutFor(ctx),
	}); err != nil {
		return fmt.Errorf("failed to click %s: %w", selector, err)
	}
	return nil
}

func (s *playwrightSession) WaitFor(ctx context.Context, selector string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	if err := s.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: s.timeoutFor(ctx),
	}); err != nil {
		return fmt.Errorf("failed waiting for %s: %w", selector, err)
	}
	return nil
}

// Scroll scrolls a lazily loaded result container so that more entries render.
func (s *playwrightSession) Scroll(ctx context.Context, selector string, times int) error {
	for i := 0; i < times; i++ {
		if err := s.check(ctx); err != nil {
			return err
		}

		if _, err := s.page.Evaluate(`(sel) => {
			const el = document.querySelector(sel);
			if (el) { el.scrollBy(0, el.scrollHeight); } else { window.scrollBy(0, window.innerHeight); }
		}`, selector); err != nil {
			return fmt.Errorf("failed to scroll %s: %w", selector, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(800+rand.Intn(700)) * time.Millisecond):
		}
	}
	return nil
}

func (s *playwrightSession) Snapshot(ctx context.Context) (*PageState, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	title, err := s.page.Title()
	if err != nil {
		return nil, fmt.Errorf("failed to get page title: %w", err)
	}

	content, err := s.page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to get page content: %w", err)
	}

	return &PageState{
		URL:        s.page.URL(),
		Title:      title,
		HTML:       content,
		CapturedAt: time.Now(),
	}, nil
}

// Close is idempotent.
func (s *playwrightSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if err := s.page.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close page: %w", err))
	}
	if err := s.context.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close context: %w", err))
	}
	if s.onClose != nil {
		s.onClose()
	}
	s.logger.Debug("session closed")

	if len(errs) > 0 {
		return fmt.Errorf("errors during session close: %v", errs)
	}
	return nil
}

func (s *playwrightSession) check(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrSessionClosed
	}
	return ctx.Err()
}

// timeoutFor maps the context deadline onto playwright's millisecond timeouts.
func (s *playwrightSession) timeoutFor(ctx context.Context) *float64 {
	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	return playwright.Float(float64(timeout.Milliseconds()))
}

func (s *playwrightSession) humanizeInteraction() {
	for i := 0; i < 3; i++ {
		x := float64(100 + i*200 + rand.Intn(50))
		y := float64(100 + i*150 + rand.Intn(50))
		s.page.Mouse().Move(x, y, playwright.MouseMoveOptions{
			Steps: playwright.Int(5),
		})
		time.Sleep(time.Millisecond * time.Duration(150+i*100))
	}
}
