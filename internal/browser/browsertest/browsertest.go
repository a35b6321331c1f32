// Package browsertest provides in-memory browser sessions for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/listing-scraper/internal/browser"
)

var ErrSelectorNotFound = errors.New("selector not found")

// Session serves canned pages keyed by URL.
type Session struct {
	id string

	mu          sync.Mutex
	pages       map[string]browser.PageState
	current     browser.PageState
	navigations []string
	filled      map[string]string
	scrolls     int
	closed      bool
	onClose     func()

	// NavigateErr, when set, decides the result of every navigation.
	NavigateErr func(url string) error
	// OnSubmit renders the page shown after a click from the filled form values.
	OnSubmit func(filled map[string]string) browser.PageState
}

func NewSession(id string) *Session {
	return &Session{
		id:     id,
		pages:  make(map[string]browser.PageState),
		filled: make(map[string]string),
	}
}

// SetPage registers the page returned for url.
func (s *Session) SetPage(url, title, html string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = browser.PageState{URL: url, Title: title, HTML: html}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if s.NavigateErr != nil {
		if err := s.NavigateErr(url); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigations = append(s.navigations, url)
	page, ok := s.pages[url]
	if !ok {
		page = browser.PageState{URL: url, HTML: "<html><body></body></html>"}
	}
	s.current = page
	s.filled = make(map[string]string)
	return nil
}

func (s *Session) Fill(ctx context.Context, selector, value string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filled[selector] = value
	return nil
}

func (s *Session) Click(ctx context.Context, selector string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OnSubmit != nil {
		filled := make(map[string]string, len(s.filled))
		for k, v := range s.filled {
			filled[k] = v
		}
		s.current = s.OnSubmit(filled)
	}
	return nil
}

func (s *Session) WaitFor(ctx context.Context, selector string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	html := s.current.HTML
	s.mu.Unlock()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return err
	}
	if doc.Find(selector).Length() == 0 {
		return fmt.Errorf("%w: %s", ErrSelectorNotFound, selector)
	}
	return nil
}

func (s *Session) Scroll(ctx context.Context, selector string, times int) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrolls += times
	return nil
}

func (s *Session) Snapshot(ctx context.Context) (*browser.PageState, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	page := s.current
	page.CapturedAt = time.Now()
	return &page, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	onClose := s.onClose
	s.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return nil
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Navigations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.navigations...)
}

func (s *Session) Scrolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrolls
}

func (s *Session) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return browser.ErrSessionClosed
	}
	return nil
}

// Launcher hands out Sessions and counts how many are open.
type Launcher struct {
	// Setup configures each new session before it is returned.
	Setup func(s *Session)
	// OpenErr, when set, fails every Open.
	OpenErr error

	mu       sync.Mutex
	opened   int
	closed   int
	maxOpen  int
	sessions []*Session
}

func NewLauncher(setup func(s *Session)) *Launcher {
	return &Launcher{Setup: setup}
}

func (l *Launcher) Open(ctx context.Context) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.OpenErr != nil {
		return nil, l.OpenErr
	}

	l.mu.Lock()
	l.opened++
	s := NewSession(fmt.Sprintf("session-%d", l.opened))
	s.onClose = l.release
	l.sessions = append(l.sessions, s)
	if open := l.opened - l.closed; open > l.maxOpen {
		l.maxOpen = open
	}
	l.mu.Unlock()

	if l.Setup != nil {
		l.Setup(s)
	}
	return s, nil
}

func (l *Launcher) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
}

// Opened is the number of sessions ever opened.
func (l *Launcher) Opened() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opened
}

// Closed is the number of sessions closed.
func (l *Launcher) Closed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// MaxOpen is the highest number of sessions open at the same time.
func (l *Launcher) MaxOpen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxOpen
}

func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.sessions...)
}
