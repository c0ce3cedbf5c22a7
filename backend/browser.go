package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// BrowserOptions configures the headless browser backend.
type BrowserOptions struct {
	Headless  bool
	BinPath   string
	NoSandbox bool
	UserAgent string
}

// BrowserBackend drives a single browser process; every session is a tab.
type BrowserBackend struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	opts     BrowserOptions
}

// NewBrowserBackend launches and connects to a browser.
func NewBrowserBackend(opts BrowserOptions) (*BrowserBackend, error) {
	l := launcher.New().
		Headless(opts.Headless).
		NoSandbox(opts.NoSandbox)
	if opts.BinPath != "" {
		l = l.Bin(opts.BinPath)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	return &BrowserBackend{browser: browser, launcher: l, opts: opts}, nil
}

// NewSession opens a tab for detail pages.
func (b *BrowserBackend) NewSession(ctx context.Context) (Session, error) {
	return b.newSession(ctx)
}

// NewListingSession opens a tab for listing pages.
func (b *BrowserBackend) NewListingSession(ctx context.Context) (ListingSession, error) {
	return b.newSession(ctx)
}

func (b *BrowserBackend) newSession(ctx context.Context) (*browserSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page, err := b.browser.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	if b.opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: b.opts.UserAgent}); err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("set user agent: %w", err)
		}
	}
	return &browserSession{page: page}, nil
}

// Close shuts the browser down and removes its launcher state.
func (b *BrowserBackend) Close() error {
	err := b.browser.Close()
	b.launcher.Cleanup()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

type browserSession struct {
	page *rod.Page
}

type browserControl struct {
	el   *rod.Element
	href string
}

func (c browserControl) Target() string {
	return c.href
}

func (s *browserSession) Navigate(ctx context.Context, location string) error {
	page := s.page.Context(ctx)
	if err := page.Navigate(location); err != nil {
		return fmt.Errorf("navigate %s: %w", location, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", location, err)
	}
	return nil
}

func (s *browserSession) WaitForLandmark(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	return waitForElement(ctx, timeout, func(waitCtx context.Context) error {
		_, err := s.page.Context(waitCtx).Element(selector)
		return err
	})
}

// waitForElement runs find under a deadline of timeout. Running out of time
// means the element is absent; cancellation of ctx is an error.
func waitForElement(ctx context.Context, timeout time.Duration, find func(context.Context) error) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := find(waitCtx)
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false, nil
	}
	return false, err
}

func (s *browserSession) ReadText(ctx context.Context, selector string) (string, bool) {
	el, ok := s.first(ctx, selector)
	if !ok {
		return "", false
	}
	text, err := el.Text()
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(text), true
}

func (s *browserSession) ReadAttribute(ctx context.Context, selector, name string) (string, bool) {
	el, ok := s.first(ctx, selector)
	if !ok {
		return "", false
	}
	value, err := el.Attribute(name)
	if err != nil || value == nil {
		return "", false
	}
	return *value, true
}

func (s *browserSession) ReadRawMarkup(ctx context.Context, selector string) (string, bool) {
	el, ok := s.first(ctx, selector)
	if !ok {
		return "", false
	}
	markup, err := el.HTML()
	if err != nil {
		return "", false
	}
	return markup, true
}

func (s *browserSession) ReadAllAttributes(ctx context.Context, selector, name string) []string {
	elements, err := s.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil
	}
	var values []string
	for _, el := range elements {
		shown, err := el.Visible()
		if err != nil || !shown {
			continue
		}
		value, err := el.Attribute(name)
		if err != nil || value == nil {
			continue
		}
		values = append(values, *value)
	}
	return values
}

func (s *browserSession) FindPageControl(ctx context.Context, selector string) (Control, bool) {
	el, ok := s.first(ctx, selector)
	if !ok {
		return nil, false
	}
	href := ""
	if value, err := el.Attribute("href"); err == nil && value != nil {
		href = *value
	}
	return browserControl{el: el, href: href}, true
}

// Click scrolls the control into view and clicks it from script, which also
// triggers javascript: links.
func (s *browserSession) Click(ctx context.Context, c Control) error {
	control, ok := c.(browserControl)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedControl, c)
	}
	el := control.el.Context(ctx)
	if err := el.ScrollIntoView(); err != nil {
		return fmt.Errorf("scroll to control: %w", err)
	}
	if _, err := el.Eval(`() => this.click()`); err != nil {
		return fmt.Errorf("click control: %w", err)
	}
	return nil
}

func (s *browserSession) Close() error {
	return s.page.Close()
}

func (s *browserSession) first(ctx context.Context, selector string) (*rod.Element, bool) {
	has, el, err := s.page.Context(ctx).Has(selector)
	if err != nil || !has {
		return nil, false
	}
	return el, true
}
