package scraper

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/go-catalog-harvester/backend"
	"github.com/aluiziolira/go-catalog-harvester/config"
	"github.com/aluiziolira/go-catalog-harvester/parser"
	"github.com/cespare/xxhash/v2"
)

// PageHarvester extracts the item identifiers visible on a listing page.
type PageHarvester struct {
	layout  config.Layout
	timeout time.Duration
	logger  *slog.Logger
}

// NewPageHarvester builds a harvester waiting up to timeout for the first anchor.
func NewPageHarvester(layout config.Layout, timeout time.Duration, logger *slog.Logger) *PageHarvester {
	if logger == nil {
		logger = slog.Default()
	}
	return &PageHarvester{layout: layout, timeout: timeout, logger: logger}
}

// HarvestPage returns the page's unique identifiers in first-seen order. An
// empty result means the page has no items (or never rendered any) and is not
// an error.
func (h *PageHarvester) HarvestPage(ctx context.Context, s backend.ListingSession) []string {
	found, err := s.WaitForLandmark(ctx, h.layout.ListingAnchor, h.timeout)
	if err != nil {
		h.logger.Debug("listing anchors unavailable", slog.Any("error", err))
		return nil
	}
	if !found {
		return nil
	}

	hrefs := s.ReadAllAttributes(ctx, h.layout.ListingAnchor, "href")
	ids := parser.UniqueIdentifiers(hrefs, h.layout.IdentifierMarker)
	h.logger.Debug("harvested listing page",
		slog.Int("anchors", len(hrefs)),
		slog.Int("identifiers", len(ids)),
	)
	return ids
}

// Fingerprint summarises the visible listing anchors. Two renders of the same
// listing page share a fingerprint; navigation to another page changes it.
func (h *PageHarvester) Fingerprint(ctx context.Context, s backend.ListingSession) uint64 {
	fp, _ := h.observe(ctx, s)
	return fp
}

// observe returns the fingerprint together with the number of visible anchors.
func (h *PageHarvester) observe(ctx context.Context, s backend.ListingSession) (uint64, int) {
	hrefs := s.ReadAllAttributes(ctx, h.layout.ListingAnchor, "href")
	return xxhash.Sum64String(strconv.Itoa(len(hrefs)) + "\x00" + strings.Join(hrefs, "\x00")), len(hrefs)
}
