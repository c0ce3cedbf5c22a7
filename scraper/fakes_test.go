package scraper

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aluiziolira/go-catalog-harvester/backend"
	"github.com/aluiziolira/go-catalog-harvester/config"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.DetailURLTemplate = "http://shop.test/item/%s"
	cfg.PoolSize = 3
	cfg.FanOut = 3
	cfg.Timeout = time.Second
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 5 * time.Millisecond
	cfg.LandmarkTimeout = 50 * time.Millisecond
	cfg.HarvestTimeout = 50 * time.Millisecond
	cfg.PageSizeTimeout = 10 * time.Millisecond
	cfg.AdvanceTimeout = 20 * time.Millisecond
	cfg.PollInterval = 2 * time.Millisecond
	cfg.SettleDelay = 0
	cfg.Layout.PageControl = "page-%d"
	cfg.Layout.PageSize = ""
	return cfg
}

// fakeSite serves detail pages keyed by SKU.
type fakeSite struct {
	mu       sync.Mutex
	attempts map[string]int
	// failures makes the first n navigations of a SKU fail with err.
	failures map[string]failure
	missing  map[string]bool
	attrs    map[string]string
	markup   map[string]string
}

type failure struct {
	n   int
	err error
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		attempts: make(map[string]int),
		failures: make(map[string]failure),
		missing:  make(map[string]bool),
		attrs:    make(map[string]string),
		markup:   make(map[string]string),
	}
}

func (s *fakeSite) attemptsFor(sku string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[sku]
}

type fakeSession struct {
	site    *fakeSite
	current string
	closed  bool
}

func (f *fakeSession) Navigate(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sku := path.Base(location)
	f.site.mu.Lock()
	f.site.attempts[sku]++
	attempt := f.site.attempts[sku]
	fail, ok := f.site.failures[sku]
	f.site.mu.Unlock()

	if ok && (fail.n < 0 || attempt <= fail.n) {
		f.current = ""
		return fail.err
	}
	f.current = sku
	return nil
}

func (f *fakeSession) WaitForLandmark(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	f.site.mu.Lock()
	defer f.site.mu.Unlock()
	return f.current != "" && !f.site.missing[f.current], nil
}

func (f *fakeSession) ReadText(ctx context.Context, selector string) (string, bool) {
	if selector == config.DefaultLayout().ProductName {
		return "Product " + f.current, true
	}
	return "", false
}

func (f *fakeSession) ReadAttribute(ctx context.Context, selector, name string) (string, bool) {
	f.site.mu.Lock()
	defer f.site.mu.Unlock()
	v, ok := f.site.attrs[selector]
	return v, ok
}

func (f *fakeSession) ReadRawMarkup(ctx context.Context, selector string) (string, bool) {
	f.site.mu.Lock()
	defer f.site.mu.Unlock()
	v, ok := f.site.markup[selector]
	return v, ok
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

// fakeListing is a paginated listing whose pages hold fixed anchor hrefs.
// Page controls use the selector format "page-%d".
type fakeListing struct {
	mu      sync.Mutex
	pages   map[int][]string
	current int
	// stuck pages ignore clicks.
	stuck map[int]bool
	// clickFailures makes the next n clicks on a page fail. With blankOnFail a
	// failed click leaves no page loaded.
	clickFailures map[int]int
	blankOnFail   bool
	clicks        map[int]int
	clickTimes    map[int][]time.Time
	navigateErr   error
	closed        bool
}

func newFakeListing(pages map[int][]string) *fakeListing {
	return &fakeListing{
		pages:         pages,
		stuck:         make(map[int]bool),
		clickFailures: make(map[int]int),
		clicks:        make(map[int]int),
		clickTimes:    make(map[int][]time.Time),
	}
}

func anchors(skus ...string) []string {
	out := make([]string, 0, len(skus))
	for _, sku := range skus {
		out = append(out, "/Products/overview/"+sku)
	}
	return out
}

type fakeControl struct {
	page int
}

func (c fakeControl) Target() string {
	return fmt.Sprintf("page-%d", c.page)
}

func (l *fakeListing) Navigate(ctx context.Context, location string) error {
	if l.navigateErr != nil {
		return l.navigateErr
	}
	l.mu.Lock()
	l.current = 1
	l.mu.Unlock()
	return nil
}

func (l *fakeListing) WaitForLandmark(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pages[l.current]) > 0, nil
}

func (l *fakeListing) ReadText(ctx context.Context, selector string) (string, bool) {
	return "", false
}

func (l *fakeListing) ReadAttribute(ctx context.Context, selector, name string) (string, bool) {
	return "", false
}

func (l *fakeListing) ReadRawMarkup(ctx context.Context, selector string) (string, bool) {
	return "", false
}

func (l *fakeListing) ReadAllAttributes(ctx context.Context, selector, name string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.pages[l.current]...)
}

func (l *fakeListing) FindPageControl(ctx context.Context, selector string) (backend.Control, bool) {
	var n int
	if _, err := fmt.Sscanf(selector, "page-%d", &n); err != nil {
		return nil, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pages[n]; !ok {
		return nil, false
	}
	return fakeControl{page: n}, true
}

func (l *fakeListing) Click(ctx context.Context, c backend.Control) error {
	control := c.(fakeControl)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clicks[control.page]++
	l.clickTimes[control.page] = append(l.clickTimes[control.page], time.Now())
	if l.clickFailures[control.page] > 0 {
		l.clickFailures[control.page]--
		if l.blankOnFail {
			l.current = 0
		}
		return &backend.StatusError{Code: 503, URL: control.Target()}
	}
	if l.stuck[control.page] {
		return nil
	}
	l.current = control.page
	return nil
}

func (l *fakeListing) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *fakeListing) clickTimesOn(page int) []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Time(nil), l.clickTimes[page]...)
}

func (l *fakeListing) clicksOn(page int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clicks[page]
}

type fakeBackend struct {
	site     *fakeSite
	listing  *fakeListing
	mu       sync.Mutex
	sessions []*fakeSession
}

func (b *fakeBackend) NewSession(ctx context.Context) (backend.Session, error) {
	s := &fakeSession{site: b.site}
	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.mu.Unlock()
	return s, nil
}

func (b *fakeBackend) NewListingSession(ctx context.Context) (backend.ListingSession, error) {
	return b.listing, nil
}

func (b *fakeBackend) Close() error {
	return nil
}
