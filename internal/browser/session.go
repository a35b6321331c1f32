package browser

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by operations on a session that was already closed.
var ErrSessionClosed = errors.New("browser session closed")

// PageState is a snapshot of the current page handed to extractors and the captcha detector.
type PageState struct {
	URL        string
	Title      string
	HTML       string
	CapturedAt time.Time
}

// Session is one isolated browser session (own cookies, own fingerprint). All
// operations are bounded by the context deadline.
type Session interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	WaitFor(ctx context.Context, selector string) error
	Scroll(ctx context.Context, selector string, times int) error
	Snapshot(ctx context.Context) (*PageState, error)
	Close() error
}

// Launcher opens new sessions.
type Launcher interface {
	Open(ctx context.Context) (Session, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (Session, error)

func (f LauncherFunc) Open(ctx context.Context) (Session, error) {
	return f(ctx)
}
