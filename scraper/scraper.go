package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-catalog-harvester/backend"
	"github.com/aluiziolira/go-catalog-harvester/config"
	"github.com/aluiziolira/go-catalog-harvester/models"
	"github.com/aluiziolira/go-catalog-harvester/pool"
	"github.com/google/uuid"
)

// PageSink persists one page of records durably before returning. It reports
// how many records were written.
type PageSink interface {
	WritePage(ctx context.Context, page models.PageResult) (int, error)
}

// Harvester walks listing sources in order and persists every page before
// moving to the next one.
type Harvester struct {
	cfg     *config.Config
	backend backend.Backend
	sink    PageSink
	logger  *slog.Logger
	runID   string
	Metrics *Metrics
}

// Option customises a Harvester.
type Option func(*Harvester)

// WithRunID sets the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(h *Harvester) {
		if id != "" {
			h.runID = id
		}
	}
}

// NewHarvester builds a harvester configured from cfg.
func NewHarvester(cfg *config.Config, b backend.Backend, sink PageSink, logger *slog.Logger, opts ...Option) (*Harvester, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if b == nil {
		return nil, errors.New("backend is required")
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Harvester{
		cfg:     cfg,
		backend: b,
		sink:    sink,
		runID:   uuid.NewString(),
		Metrics: NewMetrics(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logger.With(slog.String("run_id", h.runID))
	return h, nil
}

// RunID identifies this harvester's run in logs and persisted rows.
func (h *Harvester) RunID() string {
	return h.runID
}

// Run harvests every source. Per-item failures are absorbed and counted; a
// sink failure stops the run and is returned together with the partial
// result. Cancelling ctx stops the run between pages.
func (h *Harvester) Run(ctx context.Context, sources []models.ListingSource) (*models.RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	result := &models.RunResult{
		RunID:     h.runID,
		StartTime: time.Now(),
	}

	sessions, err := pool.Open(ctx, h.cfg.PoolSize, h.backend.NewSession, func(s backend.Session) error {
		return s.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("open session pool: %w", err)
	}

	fetcher := NewFetcher(sessions, h.cfg, h.Metrics, h.logger)
	coordinator := NewCoordinator(fetcher, min(h.cfg.FanOut, h.cfg.PoolSize), h.logger)
	harvester := NewPageHarvester(h.cfg.Layout, h.cfg.HarvestTimeout, h.logger)

	h.logger.Info("harvest started",
		slog.Int("sources", len(sources)),
		slog.Int("pool_size", sessions.Size()),
		slog.Int("fan_out", coordinator.Width()),
	)

	var runErr error
	for _, source := range sources {
		if ctx.Err() != nil {
			break
		}
		sourceResult, err := h.runSource(ctx, source, harvester, coordinator)
		result.Sources = append(result.Sources, sourceResult)
		result.PageCount += sourceResult.Pages
		result.TotalCount += sourceResult.Written
		result.SkippedCount += sourceResult.Skipped
		h.Metrics.IncSource(sourceResult.Reason)
		if err != nil {
			runErr = err
			break
		}
	}

	if err := sessions.Close(); err != nil {
		h.logger.Warn("closing session pool", slog.Any("error", err))
	}

	stats := fetcher.Stats()
	result.EndTime = time.Now()
	result.AttemptCount = stats.Attempts
	result.RetryCount = stats.Retries
	result.ErrorCount = stats.Errors
	result.ErrorsByType = stats.ErrorsByType
	return result, runErr
}

func (h *Harvester) runSource(ctx context.Context, source models.ListingSource, harvester *PageHarvester, coordinator *Coordinator) (models.SourceResult, error) {
	result := models.SourceResult{Source: source}
	logger := h.logger.With(slog.String("category", source.Label))

	session, err := h.backend.NewListingSession(ctx)
	if err != nil {
		logger.Error("could not open listing session", slog.Any("error", err))
		result.Reason = ReasonNavigationFailed
		return result, nil
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Debug("closing listing session", slog.Any("error", err))
		}
	}()

	driver := NewDriver(session, harvester, h.cfg, source, h.logger)
	logger.Info("processing category", slog.String("locator", source.Locator))
	if err := driver.Start(ctx); err != nil {
		logger.Error("could not open listing", slog.Any("error", err))
		result.Reason = driver.Reason()
		return result, nil
	}

	for driver.State() == StateListing {
		if ctx.Err() != nil {
			result.Reason = ReasonCancelled
			return result, nil
		}
		page := driver.Cursor().Page
		ids := driver.Harvest(ctx)
		if len(ids) == 0 {
			break
		}
		logger.Info("found items on page", slog.Int("page", page), slog.Int("items", len(ids)))

		pageResult := coordinator.ProcessPage(ctx, source, page, ids)
		if ctx.Err() != nil {
			// incomplete page, not persisted
			result.Reason = ReasonCancelled
			return result, nil
		}
		written, err := h.sink.WritePage(ctx, pageResult)
		if err != nil {
			result.Reason = ReasonSinkFailed
			return result, fmt.Errorf("write %s page %d: %w", source.Label, page, err)
		}
		result.Pages++
		result.Written += written
		result.Skipped += pageResult.Skipped
		h.Metrics.IncPages()

		if !driver.Advance(ctx) {
			break
		}
	}

	result.Reason = driver.Reason()
	logger.Info("category finished",
		slog.Int("pages", result.Pages),
		slog.Int("written", result.Written),
		slog.Int("skipped", result.Skipped),
		slog.String("reason", result.Reason),
	)
	return result, nil
}
