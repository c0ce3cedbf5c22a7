package scraper

import (
	"context"
	"log/slog"

	"github.com/aluiziolira/go-catalog-harvester/models"
	"golang.org/x/sync/errgroup"
)

// ItemFetcher fetches one item identifier into a record.
type ItemFetcher interface {
	Fetch(ctx context.Context, source models.ListingSource, id string) (models.ItemRecord, bool)
}

// Coordinator fans one page's identifiers out to the fetcher with a bounded
// number of fetches in flight.
type Coordinator struct {
	fetcher ItemFetcher
	width   int
	logger  *slog.Logger
}

// NewCoordinator builds a coordinator running at most width fetches at once.
func NewCoordinator(fetcher ItemFetcher, width int, logger *slog.Logger) *Coordinator {
	if width < 1 {
		width = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{fetcher: fetcher, width: width, logger: logger}
}

// Width is the maximum number of concurrent fetches.
func (c *Coordinator) Width() int {
	return c.width
}

// ProcessPage fetches every identifier of one page and waits for all of them.
// Records come back in completion order. Failed items are counted as skipped
// and never fail the page.
func (c *Coordinator) ProcessPage(ctx context.Context, source models.ListingSource, page int, ids []string) models.PageResult {
	result := models.PageResult{Source: source, Page: page}

	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return result
	}

	records := make(chan models.ItemRecord, len(unique))
	var g errgroup.Group
	g.SetLimit(c.width)

	for _, id := range unique {
		if ctx.Err() != nil {
			break
		}
		result.Dispatched++
		g.Go(func() error {
			if record, ok := c.fetcher.Fetch(ctx, source, id); ok {
				records <- record
			}
			return nil
		})
	}
	_ = g.Wait()
	close(records)

	result.Records = make([]models.ItemRecord, 0, len(records))
	for record := range records {
		result.Records = append(result.Records, record)
	}
	result.Skipped = result.Dispatched - len(result.Records)

	c.logger.Info("page processed",
		slog.String("category", source.Label),
		slog.Int("page", page),
		slog.Int("dispatched", result.Dispatched),
		slog.Int("fetched", len(result.Records)),
		slog.Int("skipped", result.Skipped),
	)
	return result
}
