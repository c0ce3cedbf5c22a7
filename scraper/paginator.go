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
)

// State is the traversal state of one listing source.
type State int

const (
	StateStart State = iota
	StateListing
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateListing:
		return "listing"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reasons a listing source becomes exhausted.
const (
	ReasonEmptyPage        = "empty_page"
	ReasonNoNextPage       = "no_next_page"
	ReasonAdvanceFailed    = "advance_failed"
	ReasonNavigationFailed = "navigation_failed"
	ReasonCancelled        = "cancelled"
	ReasonSinkFailed       = "sink_failed"
)

// Cursor is the driver's position: the current page and the fingerprint of
// the page it last advanced away from.
type Cursor struct {
	Page    int
	Witness uint64
}

// Driver walks one listing source page by page. It is owned by a single
// goroutine.
type Driver struct {
	session   backend.ListingSession
	harvester *PageHarvester
	cfg       *config.Config
	source    models.ListingSource
	logger    *slog.Logger

	state  State
	cursor Cursor
	reason string
}

// NewDriver builds a driver in StateStart.
func NewDriver(session backend.ListingSession, harvester *PageHarvester, cfg *config.Config, source models.ListingSource, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		session:   session,
		harvester: harvester,
		cfg:       cfg,
		source:    source,
		logger:    logger.With(slog.String("category", source.Label)),
		state:     StateStart,
	}
}

// State returns the current traversal state.
func (d *Driver) State() State {
	return d.state
}

// Cursor returns the current position.
func (d *Driver) Cursor() Cursor {
	return d.cursor
}

// Reason returns why the source was exhausted, or "" while it is not.
func (d *Driver) Reason() string {
	return d.reason
}

// Start opens the listing and moves to page 1. A navigation failure exhausts
// the source and is returned for logging.
func (d *Driver) Start(ctx context.Context) error {
	if d.state != StateStart {
		return fmt.Errorf("driver: start called in state %s", d.state)
	}
	if err := d.session.Navigate(ctx, d.source.Locator); err != nil {
		d.exhaust(ReasonNavigationFailed)
		return fmt.Errorf("open listing %s: %w", d.source.Locator, err)
	}
	d.requestPageSize(ctx)
	d.state = StateListing
	d.cursor = Cursor{Page: 1}
	return nil
}

// requestPageSize clicks the larger-page-size control when the listing has one.
func (d *Driver) requestPageSize(ctx context.Context) {
	selector := d.cfg.Layout.PageSize
	if selector == "" {
		return
	}
	found, err := d.session.WaitForLandmark(ctx, selector, d.cfg.PageSizeTimeout)
	if err != nil || !found {
		d.logger.Debug("page size control unavailable", slog.Any("error", err))
		return
	}
	control, ok := d.session.FindPageControl(ctx, selector)
	if !ok {
		return
	}
	before := d.harvester.Fingerprint(ctx, d.session)
	if err := d.session.Click(ctx, control); err != nil {
		d.logger.Info("could not set results per page", slog.Any("error", err))
		return
	}
	if d.waitForChange(ctx, before, d.cfg.SettleDelay) {
		d.logger.Info("set results per page")
	}
}

// Harvest returns the identifiers of the current page. An empty page exhausts
// the source.
func (d *Driver) Harvest(ctx context.Context) []string {
	if d.state != StateListing {
		return nil
	}
	ids := d.harvester.HarvestPage(ctx, d.session)
	if len(ids) == 0 {
		if ctx.Err() != nil {
			d.exhaust(ReasonCancelled)
		} else {
			d.exhaust(ReasonEmptyPage)
		}
		return nil
	}
	return ids
}

// Advance moves from page n to page n+1. It reports false, leaving the driver
// exhausted, when no control for n+1 exists or the listing never changes
// within AdvanceAttempts escalating waits.
func (d *Driver) Advance(ctx context.Context) bool {
	if d.state != StateListing {
		return false
	}
	next := d.cursor.Page + 1
	selector := fmt.Sprintf(d.cfg.Layout.PageControl, next)

	control, ok := d.session.FindPageControl(ctx, selector)
	if !ok {
		d.exhaust(ReasonNoNextPage)
		return false
	}
	witness := d.harvester.Fingerprint(ctx, d.session)
	d.cursor.Witness = witness

	for attempt := 1; attempt <= d.cfg.AdvanceAttempts; attempt++ {
		if ctx.Err() != nil {
			d.exhaust(ReasonCancelled)
			return false
		}
		if attempt > 1 {
			if d.changed(ctx, witness) {
				return d.moveTo(ctx, next)
			}
			if again, ok := d.session.FindPageControl(ctx, selector); ok {
				control = again
			}
		}

		d.logger.Debug("navigating to page", slog.Int("page", next), slog.Int("attempt", attempt))
		if err := d.session.Click(ctx, control); err != nil {
			d.logger.Warn("page control click failed",
				slog.Int("page", next),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			if errors.Is(err, backend.ErrUnsupportedControl) {
				break
			}
			continue
		}

		timeout := d.cfg.AdvanceTimeout * time.Duration(attempt)
		if d.waitForChange(ctx, witness, timeout) {
			return d.moveTo(ctx, next)
		}
		d.logger.Warn("listing did not advance",
			slog.Int("page", next),
			slog.Int("attempt", attempt),
			slog.Duration("waited", timeout),
		)
	}

	if ctx.Err() != nil {
		d.exhaust(ReasonCancelled)
	} else {
		d.exhaust(ReasonAdvanceFailed)
	}
	return false
}

func (d *Driver) moveTo(ctx context.Context, page int) bool {
	d.cursor.Page = page
	if d.cfg.SettleDelay > 0 {
		timer := time.NewTimer(d.cfg.SettleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	return true
}

// waitForChange polls the listing fingerprint until it differs from witness
// or timeout elapses.
func (d *Driver) waitForChange(ctx context.Context, witness uint64, timeout time.Duration) bool {
	if timeout <= 0 {
		return d.changed(ctx, witness)
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		changed := d.changed(waitCtx, witness)
		if waitCtx.Err() != nil {
			return false
		}
		if changed {
			return true
		}
		select {
		case <-waitCtx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// changed reports whether the listing shows a different, non-empty set of
// anchors than witness. A blank listing is never a new page.
func (d *Driver) changed(ctx context.Context, witness uint64) bool {
	fp, anchors := d.harvester.observe(ctx, d.session)
	return anchors > 0 && fp != witness
}

func (d *Driver) exhaust(reason string) {
	d.state = StateExhausted
	d.reason = reason
	d.logger.Info("listing exhausted",
		slog.Int("page", d.cursor.Page),
		slog.String("reason", reason),
	)
}
