package repro

import (
	"context"
	"errors"

	"github.com/ahrdadan/callrepro/internal/diag"
)

var (
	// ErrNotFound is returned when a locator resolves to no element
	ErrNotFound = errors.New("element not found")
	// ErrNotVisible is returned when an element did not become visible in time
	ErrNotVisible = errors.New("element not visible")
)

// Launcher starts a browser session. Every console message and uncaught
// page error of the session's page must be added to rec.
type Launcher interface {
	Launch(ctx context.Context, rec *diag.Recorder) (Session, error)
}

// LauncherFunc adapts a function to the Launcher interface
type LauncherFunc func(ctx context.Context, rec *diag.Recorder) (Session, error)

// Launch calls f(ctx, rec)
func (f LauncherFunc) Launch(ctx context.Context, rec *diag.Recorder) (Session, error) {
	return f(ctx, rec)
}

// Session is one browser with one page
type Session interface {
	Page() Page
	Close() error
}

// Page is the subset of a browser page the controller drives
type Page interface {
	Goto(ctx context.Context, url string) error
	WaitNetworkIdle(ctx context.Context) error
	Locator(selector string) Locator
	GetByRole(role, name string) Locator
}

// Locator lazily finds an element. Every action resolves it again, so a
// re-rendered DOM is picked up between actions.
type Locator interface {
	Locator(selector string) Locator
	GetByText(text string, exact bool) Locator
	Filter(hasText string) Locator
	Nth(i int) Locator
	Last() Locator

	// WaitVisible blocks until the element is visible or ctx is done
	WaitVisible(ctx context.Context) error
	// IsVisible reports visibility right now without waiting. A missing
	// element is not visible and is not an error.
	IsVisible(ctx context.Context) (bool, error)
	Fill(ctx context.Context, value string) error
	Press(ctx context.Context, key string) error
	Click(ctx context.Context) error

	String() string
}
