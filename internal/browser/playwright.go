package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ahrdadan/callrepro/internal/diag"
	"github.com/ahrdadan/callrepro/internal/repro"
	"github.com/playwright-community/playwright-go"
)

// PlaywrightLauncher drives Chromium through the Playwright driver.
type PlaywrightLauncher struct {
	opts Options
}

// Launch starts the Playwright driver and Chromium and opens one page with
// console and page-error listeners attached.
func (p *PlaywrightLauncher) Launch(ctx context.Context, rec *diag.Recorder) (repro.Session, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(p.opts.Headless),
		Timeout:  timeoutMillis(ctx),
	}
	if p.opts.NoSandbox {
		launchOpts.ChromiumSandbox = playwright.Bool(false)
	}
	if p.opts.ChromeBin != "" {
		launchOpts.ExecutablePath = playwright.String(p.opts.ChromeBin)
	}

	b, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch chromium: %w", err)
	}

	page, err := b.NewPage()
	if err != nil {
		_ = b.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}

	page.OnConsole(func(msg playwright.ConsoleMessage) {
		rec.Add(diag.Console(msg.Type(), msg.Text()))
	})
	page.OnPageError(func(err error) {
		rec.Add(diag.PageError(err.Error()))
	})

	log.Printf("Playwright chromium started (%s)", b.Version())
	return &playwrightSession{pw: pw, browser: b, page: page}, nil
}

type playwrightSession struct {
	pw        *playwright.Playwright
	browser   playwright.Browser
	page      playwright.Page
	closeOnce sync.Once
	closeErr  error
}

func (s *playwrightSession) Page() repro.Page {
	return &playwrightPage{page: s.page}
}

// Close releases the browser and the driver. Calling it more than once is a no-op.
func (s *playwrightSession) Close() error {
	s.closeOnce.Do(func() {
		if err := s.browser.Close(); err != nil {
			s.closeErr = fmt.Errorf("failed to close chromium: %w", err)
		}
		if err := s.pw.Stop(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("failed to stop playwright: %w", err)
		}
		log.Println("Playwright chromium stopped")
	})
	return s.closeErr
}

type playwrightPage struct {
	page playwright.Page
}

func (p *playwrightPage) Goto(ctx context.Context, url string) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		Timeout: timeoutMillis(ctx),
	})
	return err
}

func (p *playwrightPage) WaitNetworkIdle(ctx context.Context) error {
	return p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: timeoutMillis(ctx),
	})
}

func (p *playwrightPage) Locator(selector string) repro.Locator {
	return &playwrightLocator{loc: p.page.Locator(selector), desc: selector}
}

func (p *playwrightPage) GetByRole(role, name string) repro.Locator {
	return &playwrightLocator{
		loc:  p.page.GetByRole(playwright.AriaRole(role), playwright.PageGetByRoleOptions{Name: name}),
		desc: fmt.Sprintf("role=%s[name=%q]", role, name),
	}
}

type playwrightLocator struct {
	loc  playwright.Locator
	desc string
}

func (l *playwrightLocator) Locator(selector string) repro.Locator {
	return &playwrightLocator{loc: l.loc.Locator(selector), desc: l.desc + " >> " + selector}
}

func (l *playwrightLocator) GetByText(text string, exact bool) repro.Locator {
	return &playwrightLocator{
		loc:  l.loc.GetByText(text, playwright.LocatorGetByTextOptions{Exact: playwright.Bool(exact)}),
		desc: fmt.Sprintf("%s >> text=%q", l.desc, text),
	}
}

func (l *playwrightLocator) Filter(hasText string) repro.Locator {
	return &playwrightLocator{
		loc:  l.loc.Filter(playwright.LocatorFilterOptions{HasText: hasText}),
		desc: fmt.Sprintf("%s >> has-text=%q", l.desc, hasText),
	}
}

func (l *playwrightLocator) Nth(i int) repro.Locator {
	return &playwrightLocator{loc: l.loc.Nth(i), desc: fmt.Sprintf("%s >> nth=%d", l.desc, i)}
}

func (l *playwrightLocator) Last() repro.Locator {
	return &playwrightLocator{loc: l.loc.Last(), desc: l.desc + " >> nth=-1"}
}

func (l *playwrightLocator) String() string {
	return l.desc
}

func (l *playwrightLocator) WaitVisible(ctx context.Context) error {
	err := l.loc.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: timeoutMillis(ctx),
	})
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%s: %w", l.desc, repro.ErrNotVisible)
	}
	return err
}

func (l *playwrightLocator) IsVisible(ctx context.Context) (bool, error) {
	return l.loc.IsVisible()
}

func (l *playwrightLocator) Fill(ctx context.Context, value string) error {
	return l.loc.Fill(value, playwright.LocatorFillOptions{Timeout: timeoutMillis(ctx)})
}

func (l *playwrightLocator) Press(ctx context.Context, key string) error {
	return l.loc.Press(key, playwright.LocatorPressOptions{Timeout: timeoutMillis(ctx)})
}

func (l *playwrightLocator) Click(ctx context.Context) error {
	return l.loc.Click(playwright.LocatorClickOptions{Timeout: timeoutMillis(ctx)})
}

// timeoutMillis converts the context deadline into Playwright's millisecond
// timeout. Zero disables Playwright's own timeout.
func timeoutMillis(ctx context.Context) *float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return playwright.Float(0)
	}
	ms := float64(time.Until(deadline).Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return playwright.Float(ms)
}
