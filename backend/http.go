package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
)

var errNoPage = errors.New("backend: no page loaded")

// HTTPOptions configures the request-based backend.
type HTTPOptions struct {
	UserAgent   string
	Timeout     time.Duration
	Parallelism int
	Delay       time.Duration
	RandomDelay time.Duration
	// Transport overrides the default HTTP transport (used by tests).
	Transport http.RoundTripper
}

// HTTPBackend fetches pages with plain HTTP requests. Every session owns a
// clone of one base collector, so limit rules and the transport are shared
// while response state stays per session.
type HTTPBackend struct {
	base *colly.Collector
}

// NewHTTPBackend builds the base collector.
func NewHTTPBackend(opts HTTPOptions) (*HTTPBackend, error) {
	collector := colly.NewCollector(
		colly.UserAgent(opts.UserAgent),
		colly.AllowURLRevisit(),
	)
	if opts.Timeout > 0 {
		collector.SetRequestTimeout(opts.Timeout)
	}
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true

	transport := opts.Transport
	if transport == nil {
		dialTimeout := opts.Timeout
		if dialTimeout <= 0 {
			dialTimeout = 10 * time.Second
		}
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   dialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}
	collector.WithTransport(transport)

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: parallelism,
		Delay:       opts.Delay,
		RandomDelay: opts.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	return &HTTPBackend{base: collector}, nil
}

// NewSession returns a detail-page session.
func (b *HTTPBackend) NewSession(ctx context.Context) (Session, error) {
	return b.newSession(), nil
}

// NewListingSession returns a listing-page session.
func (b *HTTPBackend) NewListingSession(ctx context.Context) (ListingSession, error) {
	return b.newSession(), nil
}

// Close is a no-op; collectors hold no process resources.
func (b *HTTPBackend) Close() error {
	return nil
}

func (b *HTTPBackend) newSession() *httpSession {
	s := &httpSession{collector: b.base.Clone()}
	s.collector.AllowURLRevisit = true
	s.collector.ParseHTTPErrorResponse = true
	s.collector.IgnoreRobotsTxt = true
	s.collector.OnResponse(func(r *colly.Response) {
		s.pending = response{status: r.StatusCode, body: r.Body, location: r.Request.URL}
	})
	s.collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			s.pending.status = r.StatusCode
		}
	})
	return s
}

type httpSession struct {
	collector *colly.Collector
	// pending is filled by the collector callbacks during one Visit.
	pending response

	location *url.URL
	doc      *goquery.Document
}

type response struct {
	status   int
	body     []byte
	location *url.URL
}

type httpControl struct {
	href string
}

func (c httpControl) Target() string {
	return c.href
}

func (s *httpSession) Navigate(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// A failed visit keeps the previously loaded page.
	s.pending = response{}
	err := s.collector.Visit(location)
	resp := s.pending
	s.pending = response{}
	if err != nil {
		if resp.status != 0 {
			return fmt.Errorf("visit %s: %w", location, &StatusError{Code: resp.status, URL: location})
		}
		return fmt.Errorf("visit %s: %w", location, err)
	}
	if resp.status == http.StatusTooManyRequests || resp.status == http.StatusForbidden || resp.status >= http.StatusInternalServerError {
		return &StatusError{Code: resp.status, URL: location}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.body))
	if err != nil {
		return fmt.Errorf("parse %s: %w", location, err)
	}
	s.doc = doc
	s.location = resp.location
	return nil
}

// WaitForLandmark inspects the already-parsed document; a static response
// cannot change while waiting, so timeout is not used.
func (s *httpSession) WaitForLandmark(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.doc == nil {
		return false, errNoPage
	}
	return s.doc.Find(selector).Length() > 0, nil
}

func (s *httpSession) ReadText(ctx context.Context, selector string) (string, bool) {
	sel, ok := s.first(selector)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(sel.Text()), true
}

func (s *httpSession) ReadAttribute(ctx context.Context, selector, name string) (string, bool) {
	sel, ok := s.first(selector)
	if !ok {
		return "", false
	}
	return sel.Attr(name)
}

func (s *httpSession) ReadRawMarkup(ctx context.Context, selector string) (string, bool) {
	sel, ok := s.first(selector)
	if !ok {
		return "", false
	}
	markup, err := goquery.OuterHtml(sel)
	if err != nil {
		return "", false
	}
	return markup, true
}

func (s *httpSession) ReadAllAttributes(ctx context.Context, selector, name string) []string {
	if s.doc == nil {
		return nil
	}
	var values []string
	s.doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		if !visible(sel) {
			return
		}
		if v, ok := sel.Attr(name); ok {
			values = append(values, v)
		}
	})
	return values
}

func (s *httpSession) FindPageControl(ctx context.Context, selector string) (Control, bool) {
	if s.doc == nil {
		return nil, false
	}
	var control Control
	s.doc.Find(selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok || !visible(sel) {
			return true
		}
		control = httpControl{href: href}
		return false
	})
	return control, control != nil
}

// Click follows the control's href. Script-only controls cannot be followed
// over plain HTTP.
func (s *httpSession) Click(ctx context.Context, c Control) error {
	target, err := s.resolve(c.Target())
	if err != nil {
		return err
	}
	return s.Navigate(ctx, target)
}

func (s *httpSession) Close() error {
	s.doc = nil
	s.location = nil
	return nil
}

func (s *httpSession) resolve(href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedControl, err)
	}
	if s.location != nil {
		ref = s.location.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedControl, href)
	}
	return ref.String(), nil
}

func (s *httpSession) first(selector string) (*goquery.Selection, bool) {
	if s.doc == nil {
		return nil, false
	}
	sel := s.doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil, false
	}
	return sel, true
}

// visible approximates rendering by rejecting elements hidden by themselves or
// an ancestor through the hidden attribute or inline style.
func visible(sel *goquery.Selection) bool {
	for node := sel; node.Length() > 0; node = node.Parent() {
		if _, hidden := node.Attr("hidden"); hidden {
			return false
		}
		if style, ok := node.Attr("style"); ok {
			compact := strings.ToLower(strings.ReplaceAll(style, " ", ""))
			if strings.Contains(compact, "display:none") || strings.Contains(compact, "visibility:hidden") {
				return false
			}
		}
	}
	return true
}
