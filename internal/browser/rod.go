package browser

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/ahrdadan/callrepro/internal/diag"
	"github.com/ahrdadan/callrepro/internal/repro"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodLauncher launches Chromium through rod's launcher and drives it over CDP.
type RodLauncher struct {
	opts Options
}

// Launch starts Chromium, opens one page and starts forwarding its console
// messages and uncaught exceptions to rec.
func (r *RodLauncher) Launch(ctx context.Context, rec *diag.Recorder) (repro.Session, error) {
	l := launcher.New().Headless(r.opts.Headless)
	if r.opts.NoSandbox {
		l = l.Set("no-sandbox")
	}
	if r.opts.ChromeBin != "" {
		l = l.Bin(r.opts.ChromeBin)
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch chrome: %w", err)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("failed to connect to chrome: %w", err)
	}

	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = b.Close()
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}
	// the page must not inherit the launch context
	page = page.Context(context.Background())

	s := &rodSession{
		launcher: l,
		browser:  b,
		page:     page,
	}
	if err := s.subscribe(rec); err != nil {
		_ = s.Close()
		return nil, err
	}

	log.Printf("Chrome started with endpoint %s", wsURL)
	return s, nil
}

type rodSession struct {
	launcher   *launcher.Launcher
	browser    *rod.Browser
	page       *rod.Page
	stopEvents context.CancelFunc
	closeOnce  sync.Once
	closeErr   error
}

// subscribe forwards Runtime events of the page to rec. It must run before
// the first navigation so nothing logged during load is missed.
func (s *rodSession) subscribe(rec *diag.Recorder) error {
	if err := (proto.RuntimeEnable{}).Call(s.page); err != nil {
		return fmt.Errorf("failed to enable runtime events: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopEvents = cancel

	wait := s.page.Context(ctx).EachEvent(
		func(e *proto.RuntimeConsoleAPICalled) {
			rec.Add(diag.Console(string(e.Type), consoleText(e.Args)))
		},
		func(e *proto.RuntimeExceptionThrown) {
			rec.Add(diag.PageError(exceptionText(e.ExceptionDetails)))
		},
	)
	go wait()
	return nil
}

func (s *rodSession) Page() repro.Page {
	return &rodPage{page: s.page}
}

// Close releases the browser. Calling it more than once is a no-op.
func (s *rodSession) Close() error {
	s.closeOnce.Do(func() {
		if s.stopEvents != nil {
			s.stopEvents()
		}
		if err := s.browser.Close(); err != nil {
			s.closeErr = fmt.Errorf("failed to close chrome: %w", err)
		}
		s.launcher.Kill()
		s.launcher.Cleanup()
		log.Println("Chrome stopped")
	})
	return s.closeErr
}
