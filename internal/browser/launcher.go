package browser

import (
	"fmt"
	"time"

	"github.com/ahrdadan/callrepro/internal/repro"
)

// Engine names a browser automation backend
type Engine string

const (
	EngineRod        Engine = "rod"
	EnginePlaywright Engine = "playwright"
)

// pollInterval is how often visibility waits re-check the DOM
const pollInterval = 100 * time.Millisecond

// networkIdleWindow is how long the page must go without requests to count as idle
const networkIdleWindow = 500 * time.Millisecond

// Options configures how a browser session is launched
type Options struct {
	Engine    Engine
	Headless  bool
	NoSandbox bool
	ChromeBin string // empty uses the engine's own Chromium
}

// DefaultOptions returns default launch options
func DefaultOptions() Options {
	return Options{
		Engine:   EngineRod,
		Headless: true,
	}
}

// NewLauncher returns a launcher for the configured engine
func NewLauncher(opts Options) (repro.Launcher, error) {
	switch opts.Engine {
	case EngineRod, "":
		return &RodLauncher{opts: opts}, nil
	case EnginePlaywright:
		return &PlaywrightLauncher{opts: opts}, nil
	default:
		return nil, fmt.Errorf("unknown engine: %s", opts.Engine)
	}
}
