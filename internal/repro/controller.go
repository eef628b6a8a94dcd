package repro

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/ahrdadan/callrepro/internal/diag"
)

const (
	loginInputSelector = `input[type="text"]`
	sidebarSelector    = "aside"
	headerSelector     = "header"
	buttonSelector     = "button"
)

// Controller runs the scenario once against a fresh browser session.
//
// Run never panics on step failures: the first failing step aborts the rest,
// its error is printed, the session is closed and the diagnostics log is
// written regardless of how the steps ended.
type Controller struct {
	launcher Launcher
	scenario Scenario
	out      io.Writer
	recorder *diag.Recorder
}

// NewController creates a controller that prints progress lines to out
func NewController(launcher Launcher, scenario Scenario, out io.Writer) *Controller {
	if out == nil {
		out = io.Discard
	}
	return &Controller{
		launcher: launcher,
		scenario: scenario,
		out:      out,
		recorder: diag.NewRecorder(),
	}
}

// Recorder returns the diagnostics recorder owned by this controller
func (c *Controller) Recorder() *diag.Recorder {
	return c.recorder
}

// Run executes the scenario. The returned error is the step failure that
// aborted the run, if any; it has already been printed.
func (c *Controller) Run(ctx context.Context) (err error) {
	defer func() {
		if werr := c.recorder.WriteFile(c.scenario.LogPath); werr != nil {
			log.Printf("Failed to write diagnostics log: %v", werr)
			if err == nil {
				err = werr
			}
			return
		}
		c.println("Captured logs to " + c.scenario.LogPath)
	}()

	session, err := c.launcher.Launch(ctx, c.recorder)
	if err != nil {
		err = fmt.Errorf("failed to launch browser: %w", err)
		c.printf("An error occurred during browser execution: %v", err)
		return err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			log.Printf("Warning: failed to close browser: %v", cerr)
		}
	}()

	if err := c.steps(ctx, session.Page()); err != nil {
		c.printf("An error occurred during browser execution: %v", err)
		return err
	}
	return nil
}

func (c *Controller) steps(ctx context.Context, page Page) error {
	sc := c.scenario
	t := sc.Timeouts

	c.println("Navigating to " + sc.TargetURL)
	if err := within(ctx, t.Navigate, func(ctx context.Context) error {
		return page.Goto(ctx, sc.TargetURL)
	}); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", sc.TargetURL, err)
	}
	if err := within(ctx, t.NetworkIdle, page.WaitNetworkIdle); err != nil {
		return fmt.Errorf("failed to wait for network idle: %w", err)
	}
	c.println("Page loaded.")

	input := page.Locator(loginInputSelector)
	if err := within(ctx, t.LoginInput, input.WaitVisible); err != nil {
		return err
	}
	c.println("Found text input.")

	c.println("Entering username/email...")
	if err := c.submit(ctx, input, sc.Identifier); err != nil {
		return err
	}

	if err := sleep(ctx, t.LoginPause); err != nil {
		return err
	}

	c.println("Entering password...")
	if err := c.submit(ctx, input, sc.Secret); err != nil {
		return err
	}

	c.println("Waiting for feed screen...")
	feed := page.GetByRole("button", sc.FeedButton)
	if err := within(ctx, t.Feed, feed.WaitVisible); err != nil {
		return err
	}
	c.println("Login successful.")

	c.printf("Looking for '%s' in contacts sidebar...", sc.Contact)
	contact := page.Locator(sidebarSelector).GetByText(sc.Contact, true)
	if err := within(ctx, t.Contact, contact.WaitVisible); err != nil {
		return err
	}
	if err := within(ctx, t.Action, contact.Click); err != nil {
		return fmt.Errorf("failed to open chat: %w", err)
	}
	c.printf("Opened chat with %s.", sc.Contact)

	header, err := c.chatHeader(ctx, page)
	if err != nil {
		return err
	}

	callButton := header.Locator(buttonSelector).Nth(DefaultCallButtonIdx)
	if err := within(ctx, t.CallButton, callButton.WaitVisible); err != nil {
		return err
	}
	if err := within(ctx, t.Action, callButton.Click); err != nil {
		return fmt.Errorf("failed to click video call button: %w", err)
	}
	c.println("Clicked video call button.")

	c.println("Waiting for potential errors on CallScreen...")
	if err := sleep(ctx, t.Settle); err != nil {
		return err
	}
	c.println("Test finished.")
	return nil
}

// submit fills the login input and confirms it with Enter
func (c *Controller) submit(ctx context.Context, input Locator, value string) error {
	if err := within(ctx, c.scenario.Timeouts.Action, func(ctx context.Context) error {
		return input.Fill(ctx, value)
	}); err != nil {
		return fmt.Errorf("failed to fill %s: %w", input, err)
	}
	if err := within(ctx, c.scenario.Timeouts.Action, func(ctx context.Context) error {
		return input.Press(ctx, "Enter")
	}); err != nil {
		return fmt.Errorf("failed to submit %s: %w", input, err)
	}
	return nil
}

// chatHeader returns the header that names the contact, or the last header
// on the page when that one is not visible. The fallback is a guess about
// the chat layout; only a "not visible" answer triggers it.
func (c *Controller) chatHeader(ctx context.Context, page Page) (Locator, error) {
	header := page.Locator(headerSelector).Filter(c.scenario.Contact)

	checkCtx, cancel := withTimeout(ctx, c.scenario.Timeouts.Action)
	defer cancel()

	visible, err := header.IsVisible(checkCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check chat header: %w", err)
	}
	if visible {
		return header, nil
	}
	return page.Locator(headerSelector).Last(), nil
}

func (c *Controller) println(line string) {
	fmt.Fprintln(c.out, line)
}

func (c *Controller) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format+"\n", args...)
}

func within(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
