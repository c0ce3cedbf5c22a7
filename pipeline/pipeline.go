package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-catalog-harvester/models"
	"github.com/aluiziolira/go-catalog-harvester/parser"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrPipelineClosed is returned when WritePage is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

// OutputWriter persists one page of records. Write must either persist the
// whole page durably or leave the store as it was before the call.
type OutputWriter interface {
	Write(page models.PageResult) error
	Close() error
	Validate() error
}

// Pipeline validates and de-duplicates page records before handing them to
// the output writer.
type Pipeline struct {
	writer OutputWriter
	logger *slog.Logger
	seen   *lru.Cache[string, struct{}]

	metrics metrics

	mu     sync.Mutex // guards closed/err and serialises writes
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline remembering up to dedupeSize record keys.
func NewPipeline(writer OutputWriter, dedupeSize int, logger *slog.Logger) (*Pipeline, error) {
	if writer == nil {
		return nil, errors.New("pipeline: writer is required")
	}
	if dedupeSize <= 0 {
		dedupeSize = 100000
	}
	seen, err := lru.New[string, struct{}](dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		writer:   writer,
		logger:   logger,
		seen:     seen,
		metrics:  newMetrics(),
		shutdown: make(chan struct{}),
	}, nil
}

// WritePage persists the page's new records and returns how many were
// written. Records already written for the same source, or failing
// validation, are dropped. A writer failure closes the pipeline.
func (p *Pipeline) WritePage(ctx context.Context, page models.PageResult) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	if p.closed {
		return 0, ErrPipelineClosed
	}

	accepted := make([]models.ItemRecord, 0, len(page.Records))
	keys := make([]string, 0, len(page.Records))
	batch := make(map[string]struct{}, len(page.Records))
	for i := range page.Records {
		record := page.Records[i]
		if err := parser.ValidateRecord(&record); err != nil {
			p.metrics.addValidation("invalid_record")
			continue
		}
		key := page.Source.Locator + "|" + record.SKU
		if _, dup := batch[key]; dup || p.seen.Contains(key) {
			p.metrics.addValidation("duplicate_sku")
			continue
		}
		batch[key] = struct{}{}
		accepted = append(accepted, record)
		keys = append(keys, key)
	}

	out := page
	out.Records = accepted
	if err := p.writer.Write(out); err != nil {
		p.err = fmt.Errorf("write page %d: %w", page.Page, err)
		p.closed = true
		p.signalShutdown()
		return 0, p.err
	}

	for _, key := range keys {
		p.seen.Add(key, struct{}{})
	}
	p.metrics.addProcessed(len(accepted))
	p.metrics.incrementPages()
	return len(accepted), nil
}

// Close closes the writer and prevents more writes.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.signalShutdown()

	var closeErr error
	p.closeOnce.Do(func() {
		closeErr = p.writer.Close()
	})
	if err := p.Err(); err != nil {
		return err
	}
	if closeErr != nil {
		return fmt.Errorf("close writer: %w", closeErr)
	}
	return nil
}

// Err returns the first error encountered during writing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs until the pipeline closes.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				metrics := p.GetMetrics()
				processed := metrics["processed_records"].(int64)
				pages := metrics["pages_written"].(int64)
				validation := metrics["validation_errors"].(map[string]int)
				p.logger.Info("pipeline progress",
					slog.Int64("processed", processed),
					slog.Int64("pages", pages),
					slog.Int("validation_error_kinds", len(validation)),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu         sync.Mutex
	processed  int64
	pages      int64
	validation map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) addProcessed(n int) {
	m.mu.Lock()
	m.processed += int64(n)
	m.mu.Unlock()
}

func (m *metrics) incrementPages() {
	m.mu.Lock()
	m.pages++
	m.mu.Unlock()
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyValidation := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"processed_records": m.processed,
		"pages_written":     m.pages,
		"validation_errors": copyValidation,
	}
}
