package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-catalog-harvester/backend"
	"github.com/aluiziolira/go-catalog-harvester/config"
	"github.com/aluiziolira/go-catalog-harvester/models"
	"github.com/aluiziolira/go-catalog-harvester/parser"
	"github.com/aluiziolira/go-catalog-harvester/pool"
	"github.com/cenkalti/backoff/v4"
)

// Fetcher turns one item identifier into an ItemRecord using a pooled session.
type Fetcher struct {
	pool    *pool.Pool[backend.Session]
	cfg     *config.Config
	metrics *Metrics
	logger  *slog.Logger

	attempts   int64
	retries    int64
	errorCount int64

	mu           sync.Mutex
	errorsByType map[string]int
}

// FetchStats is a snapshot of the fetcher's counters.
type FetchStats struct {
	Attempts     int
	Retries      int
	Errors       int
	ErrorsByType map[string]int
}

// NewFetcher builds a fetcher drawing sessions from p.
func NewFetcher(p *pool.Pool[backend.Session], cfg *config.Config, metrics *Metrics, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		pool:         p,
		cfg:          cfg,
		metrics:      metrics,
		logger:       logger,
		errorsByType: make(map[string]int),
	}
}

// DetailURL returns the detail location of id.
func (f *Fetcher) DetailURL(id string) string {
	return fmt.Sprintf(f.cfg.DetailURLTemplate, url.PathEscape(id))
}

// Fetch acquires a session, fetches id with bounded retries, and releases the
// session. The boolean is false when the item contributes nothing to the page:
// the landmark was absent, retries were exhausted, or ctx ended.
func (f *Fetcher) Fetch(ctx context.Context, source models.ListingSource, id string) (models.ItemRecord, bool) {
	var record models.ItemRecord
	err := f.pool.Do(ctx, func(s backend.Session) error {
		f.metrics.SetPoolInUse(f.pool.InUse())
		r, err := f.fetchWithRetry(ctx, s, source, id)
		record = r
		return err
	})
	f.metrics.SetPoolInUse(f.pool.InUse())

	if err != nil {
		f.logger.Warn("item skipped",
			slog.String("sku", id),
			slog.String("category", source.Label),
			slog.String("error_type", errorTypeLabel(err)),
			slog.Any("error", err),
		)
		return models.ItemRecord{}, false
	}

	f.metrics.IncItems()
	f.logger.Debug("item fetched", slog.String("sku", id), slog.String("category", source.Label))
	return record, true
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, s backend.Session, source models.ListingSource, id string) (models.ItemRecord, error) {
	location := f.DetailURL(id)
	var record models.ItemRecord
	attempt := 0

	operation := func() error {
		attempt++
		atomic.AddInt64(&f.attempts, 1)
		start := time.Now()
		r, err := f.attempt(ctx, s, location, source, id)
		f.metrics.ObserveDuration(time.Since(start))
		if err == nil {
			f.metrics.IncAttempt("success")
			record = r
			return nil
		}

		classified := classifyError(err)
		f.recordError(classified)

		var notFound ErrNotFound
		if errors.As(classified, &notFound) {
			f.metrics.IncAttempt("not_found")
			return backoff.Permanent(classified)
		}
		if ctx.Err() != nil {
			f.metrics.IncAttempt("cancelled")
			return backoff.Permanent(ctx.Err())
		}

		f.metrics.IncAttempt("failed")
		f.logger.Warn("fetch attempt failed",
			slog.String("sku", id),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", f.cfg.MaxRetries),
			slog.String("error_type", errorTypeLabel(classified)),
			slog.Any("error", err),
		)
		return classified
	}

	notify := func(err error, delay time.Duration) {
		atomic.AddInt64(&f.retries, 1)
		f.metrics.IncRetries()
		f.logger.Debug("retrying item fetch",
			slog.String("sku", id),
			slog.Duration("delay", delay),
		)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newLinearBackOff(f.cfg.RetryBackoff, f.cfg.RetryBackoffMax), uint64(f.cfg.MaxRetries-1)),
		ctx,
	)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return models.ItemRecord{}, err
	}
	return record, nil
}

func (f *Fetcher) attempt(ctx context.Context, s backend.Session, location string, source models.ListingSource, id string) (models.ItemRecord, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout+f.cfg.LandmarkTimeout)
	defer cancel()

	if err := s.Navigate(attemptCtx, location); err != nil {
		return models.ItemRecord{}, err
	}
	found, err := s.WaitForLandmark(attemptCtx, f.cfg.Layout.Landmark, f.cfg.LandmarkTimeout)
	if err != nil {
		return models.ItemRecord{}, fmt.Errorf("wait for landmark: %w", err)
	}
	if !found {
		return models.ItemRecord{}, ErrNotFound{Err: fmt.Errorf("landmark %q absent at %s", f.cfg.Layout.Landmark, location)}
	}
	return f.extract(attemptCtx, s, source, id), nil
}

// extract reads every field independently; an absent field stays empty.
func (f *Fetcher) extract(ctx context.Context, s backend.Session, source models.ListingSource, id string) models.ItemRecord {
	layout := f.cfg.Layout
	record := models.ItemRecord{
		SKU:          id,
		ProductName:  readText(ctx, s, layout.ProductName),
		Manufacturer: readText(ctx, s, layout.Manufacturer),
		PartNumber:   readText(ctx, s, layout.PartNumber),
		UNSPSC:       readText(ctx, s, layout.UNSPSC),
		UPC:          readText(ctx, s, layout.UPC),
		Description:  readText(ctx, s, layout.Description),
		Category:     source.Label,
	}

	image := readAttribute(ctx, s, layout.Image, layout.ImageAttribute)
	if strings.EqualFold(layout.ImageAttribute, "style") {
		image = parser.StyleURL(image)
	}
	record.MainImage = parser.NormalizeImageURL(image, layout.NoPictureURL)

	if markup := readMarkup(ctx, s, layout.Specifications); markup != "" {
		record.Specifications = parser.SerializeSpecifications(markup, layout.SpecsTable)
	}
	if markup := readMarkup(ctx, s, layout.Breadcrumb); markup != "" {
		if trail := parser.BreadcrumbTrail(markup, layout.BackToResults); trail != "" {
			record.Category = trail
		}
	}
	return record
}

func readText(ctx context.Context, s backend.Session, selector string) string {
	if selector == "" {
		return ""
	}
	text, ok := s.ReadText(ctx, selector)
	if !ok {
		return ""
	}
	return text
}

func readAttribute(ctx context.Context, s backend.Session, selector, name string) string {
	if selector == "" || name == "" {
		return ""
	}
	value, ok := s.ReadAttribute(ctx, selector, name)
	if !ok {
		return ""
	}
	return value
}

func readMarkup(ctx context.Context, s backend.Session, selector string) string {
	if selector == "" {
		return ""
	}
	markup, ok := s.ReadRawMarkup(ctx, selector)
	if !ok {
		return ""
	}
	return markup
}

func (f *Fetcher) recordError(err error) {
	atomic.AddInt64(&f.errorCount, 1)
	category := errorTypeLabel(err)
	f.metrics.IncError(category)

	f.mu.Lock()
	f.errorsByType[category]++
	f.mu.Unlock()
}

// Stats returns a snapshot of the fetcher's counters.
func (f *Fetcher) Stats() FetchStats {
	f.mu.Lock()
	byType := make(map[string]int, len(f.errorsByType))
	for k, v := range f.errorsByType {
		byType[k] = v
	}
	f.mu.Unlock()

	return FetchStats{
		Attempts:     int(atomic.LoadInt64(&f.attempts)),
		Retries:      int(atomic.LoadInt64(&f.retries)),
		Errors:       int(atomic.LoadInt64(&f.errorCount)),
		ErrorsByType: byType,
	}
}

// linearBackOff waits base*n before the n-th retry, capped at max.
type linearBackOff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newLinearBackOff(base, max time.Duration) *linearBackOff {
	return &linearBackOff{base: base, max: max}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	delay := b.base * time.Duration(b.attempt)
	if b.max > 0 && delay > b.max {
		delay = b.max
	}
	return delay
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
