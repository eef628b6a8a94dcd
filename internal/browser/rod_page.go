package browser

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ahrdadan/callrepro/internal/repro"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

type rodPage struct {
	page *rod.Page
}

// Goto navigates and waits for the load event
func (p *rodPage) Goto(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return err
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("failed to wait for page load: %w", err)
	}
	return nil
}

// WaitNetworkIdle waits until no request has been in flight for networkIdleWindow
func (p *rodPage) WaitNetworkIdle(ctx context.Context) error {
	wait := p.page.Context(ctx).WaitRequestIdle(networkIdleWindow, nil, nil, nil)
	wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("network never went idle: %w", err)
	}
	return nil
}

func (p *rodPage) Locator(selector string) repro.Locator {
	return &rodLocator{
		page:     p.page,
		selector: selector,
		desc:     selector,
	}
}

func (p *rodPage) GetByRole(role, name string) repro.Locator {
	return &rodLocator{
		page:     p.page,
		selector: roleSelector(role),
		match:    containsText(name),
		desc:     fmt.Sprintf("role=%s[name=%q]", role, name),
	}
}

// textMatch filters elements by their rendered text. jsRegex is handed to
// rod's ElementR for the common first-match case; fn is used when the
// matches have to be enumerated.
type textMatch struct {
	jsRegex string
	fn      func(string) bool
}

func exactText(text string) *textMatch {
	want := strings.TrimSpace(text)
	return &textMatch{
		jsRegex: "/^\\s*" + regexp.QuoteMeta(want) + "\\s*$/",
		fn:      func(s string) bool { return strings.TrimSpace(s) == want },
	}
}

func containsText(text string) *textMatch {
	want := strings.ToLower(text)
	return &textMatch{
		jsRegex: "/" + regexp.QuoteMeta(text) + "/i",
		fn:      func(s string) bool { return strings.Contains(strings.ToLower(s), want) },
	}
}

func roleSelector(role string) string {
	switch role {
	case "button":
		return `button, [role="button"], input[type="button"], input[type="submit"]`
	case "link":
		return `a[href], [role="link"]`
	case "textbox":
		return `input:not([type]), input[type="text"], input[type="email"], textarea, [role="textbox"]`
	default:
		return fmt.Sprintf(`[role=%q]`, role)
	}
}

// querier is the element lookup shared by *rod.Page and *rod.Element
type querier interface {
	Elements(selector string) (rod.Elements, error)
	ElementR(selector, jsRegex string) (*rod.Element, error)
}

// rodLocator is resolved from scratch on every call, mirroring how the DOM
// is re-rendered between steps of the login form.
type rodLocator struct {
	page     *rod.Page
	parent   *rodLocator
	selector string
	match    *textMatch
	index    int // -1 is the last match
	desc     string
}

func (l *rodLocator) with(fn func(*rodLocator)) *rodLocator {
	next := *l
	fn(&next)
	return &next
}

func (l *rodLocator) Locator(selector string) repro.Locator {
	return &rodLocator{
		page:     l.page,
		parent:   l,
		selector: selector,
		desc:     l.desc + " >> " + selector,
	}
}

func (l *rodLocator) GetByText(text string, exact bool) repro.Locator {
	match := containsText(text)
	if exact {
		match = exactText(text)
	}
	return &rodLocator{
		page:     l.page,
		parent:   l,
		selector: "*",
		match:    match,
		desc:     fmt.Sprintf("%s >> text=%q", l.desc, text),
	}
}

func (l *rodLocator) Filter(hasText string) repro.Locator {
	return l.with(func(n *rodLocator) {
		n.match = containsText(hasText)
		n.desc = fmt.Sprintf("%s >> has-text=%q", l.desc, hasText)
	})
}

func (l *rodLocator) Nth(i int) repro.Locator {
	return l.with(func(n *rodLocator) {
		n.index = i
		n.desc = fmt.Sprintf("%s >> nth=%d", l.desc, i)
	})
}

func (l *rodLocator) Last() repro.Locator {
	return l.with(func(n *rodLocator) {
		n.index = -1
		n.desc = l.desc + " >> nth=-1"
	})
}

func (l *rodLocator) String() string {
	return l.desc
}

func (l *rodLocator) scope(ctx context.Context) (querier, error) {
	if l.parent == nil {
		return l.page.Context(ctx).Sleeper(rod.NotFoundSleeper), nil
	}
	el, err := l.parent.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return el.Context(ctx).Sleeper(rod.NotFoundSleeper), nil
}

// resolve finds the element right now, without retrying
func (l *rodLocator) resolve(ctx context.Context) (*rod.Element, error) {
	scope, err := l.scope(ctx)
	if err != nil {
		return nil, err
	}

	if l.match != nil && l.index == 0 {
		el, err := scope.ElementR(l.selector, l.match.jsRegex)
		if err != nil {
			return nil, l.notFound(err)
		}
		return el, nil
	}

	els, err := scope.Elements(l.selector)
	if err != nil {
		return nil, l.notFound(err)
	}

	i, ok := pick(len(els), func(i int) (string, error) { return els[i].Text() }, l.match, l.index)
	if !ok {
		return nil, fmt.Errorf("%s: %w", l.desc, repro.ErrNotFound)
	}
	return els[i], nil
}

// pick returns the position among n candidates of the index-th one whose
// text satisfies match. Negative indexes count from the last match.
// Candidates whose text cannot be read never match.
func pick(n int, text func(int) (string, error), match *textMatch, index int) (int, bool) {
	matches := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if match != nil {
			t, err := text(i)
			if err != nil || !match.fn(t) {
				continue
			}
		}
		matches = append(matches, i)
	}

	if index < 0 {
		index += len(matches)
	}
	if index < 0 || index >= len(matches) {
		return 0, false
	}
	return matches[index], true
}

func (l *rodLocator) notFound(err error) error {
	var nf *rod.ElementNotFoundError
	if errors.As(err, &nf) {
		return fmt.Errorf("%s: %w", l.desc, repro.ErrNotFound)
	}
	return err
}

func (l *rodLocator) WaitVisible(ctx context.Context) error {
	_, err := l.waitVisible(ctx)
	return err
}

func (l *rodLocator) waitVisible(ctx context.Context) (*rod.Element, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		el, err := l.resolve(ctx)
		if err == nil {
			visible, verr := el.Visible()
			if verr == nil && visible {
				return el, nil
			}
			err = verr
		}
		if err != nil && !errors.Is(err, repro.ErrNotFound) {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%s: %w (last error: %v)", l.desc, repro.ErrNotVisible, lastErr)
			}
			return nil, fmt.Errorf("%s: %w", l.desc, repro.ErrNotVisible)
		case <-ticker.C:
		}
	}
}

func (l *rodLocator) IsVisible(ctx context.Context) (bool, error) {
	el, err := l.resolve(ctx)
	return visibility(err, func() (bool, error) { return el.Visible() })
}

// visibility turns a lookup result into an IsVisible answer: a missing
// element is hidden, any other lookup error is returned.
func visibility(resolveErr error, visible func() (bool, error)) (bool, error) {
	if errors.Is(resolveErr, repro.ErrNotFound) {
		return false, nil
	}
	if resolveErr != nil {
		return false, resolveErr
	}
	return visible()
}

// Fill replaces the element's value
func (l *rodLocator) Fill(ctx context.Context, value string) error {
	el, err := l.waitVisible(ctx)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("failed to select text: %w", err)
	}
	return el.Input(value)
}

func (l *rodLocator) Press(ctx context.Context, key string) error {
	k, ok := keys[key]
	if !ok {
		return fmt.Errorf("unsupported key: %s", key)
	}
	el, err := l.waitVisible(ctx)
	if err != nil {
		return err
	}
	return el.Type(k)
}

func (l *rodLocator) Click(ctx context.Context) error {
	el, err := l.waitVisible(ctx)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

var keys = map[string]input.Key{
	"Enter":     input.Enter,
	"Tab":       input.Tab,
	"Escape":    input.Escape,
	"Backspace": input.Backspace,
}
