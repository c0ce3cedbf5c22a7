package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-catalog-harvester/models"
)

type mockWriter struct {
	mu          sync.Mutex
	pages       []models.PageResult
	closed      int
	writeErr    error
	validateErr error
}

func (mw *mockWriter) Write(page models.PageResult) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.writeErr != nil {
		return mw.writeErr
	}
	copyRecords := make([]models.ItemRecord, len(page.Records))
	copy(copyRecords, page.Records)
	page.Records = copyRecords
	mw.pages = append(mw.pages, page)
	return nil
}

func (mw *mockWriter) Close() error {
	mw.mu.Lock()
	mw.closed++
	mw.mu.Unlock()
	return nil
}

func (mw *mockWriter) Validate() error {
	return mw.validateErr
}

func (mw *mockWriter) pageSizes() []int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	sizes := make([]int, 0, len(mw.pages))
	for _, page := range mw.pages {
		sizes = append(sizes, len(page.Records))
	}
	return sizes
}

var testSource = models.ListingSource{Locator: "https://catalog.test/list?cn1=Switches", Label: "Switches"}

func page(n int, skus ...string) models.PageResult {
	records := make([]models.ItemRecord, 0, len(skus))
	for _, sku := range skus {
		records = append(records, models.ItemRecord{SKU: sku, ProductName: "Item " + sku})
	}
	return models.PageResult{Source: testSource, Page: n, Records: records, Dispatched: len(skus)}
}

func TestPipelineWritePageValidationAndDedup(t *testing.T) {
	writer := &mockWriter{}
	p, err := NewPipeline(writer, 16, nil)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	written, err := p.WritePage(context.Background(), page(1, "A", "B", "", "A"))
	if err != nil {
		t.Fatalf("write page 1: %v", err)
	}
	if written != 2 {
		t.Fatalf("written = %d, want 2", written)
	}

	written, err = p.WritePage(context.Background(), page(2, "B", "C"))
	if err != nil {
		t.Fatalf("write page 2: %v", err)
	}
	if written != 1 {
		t.Fatalf("written = %d, want 1", written)
	}

	if got := writer.pageSizes(); len(got) != 2 || got[0] != 2 || got[1] != 1 {
		t.Fatalf("page sizes = %v, want [2 1]", got)
	}

	metrics := p.GetMetrics()
	if processed := metrics["processed_records"].(int64); processed != 3 {
		t.Fatalf("processed = %d, want 3", processed)
	}
	if pages := metrics["pages_written"].(int64); pages != 2 {
		t.Fatalf("pages = %d, want 2", pages)
	}
	validation := metrics["validation_errors"].(map[string]int)
	if validation["invalid_record"] != 1 {
		t.Fatalf("invalid_record = %d, want 1", validation["invalid_record"])
	}
	if validation["duplicate_sku"] != 2 {
		t.Fatalf("duplicate_sku = %d, want 2", validation["duplicate_sku"])
	}
}

func TestPipelineSameSKUInAnotherSourceIsKept(t *testing.T) {
	writer := &mockWriter{}
	p, err := NewPipeline(writer, 16, nil)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	if _, err := p.WritePage(context.Background(), page(1, "A")); err != nil {
		t.Fatalf("write: %v", err)
	}
	other := page(1, "A")
	other.Source = models.ListingSource{Locator: "https://catalog.test/list?cn1=Routers", Label: "Routers"}
	written, err := p.WritePage(context.Background(), other)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if written != 1 {
		t.Fatalf("written = %d, want 1", written)
	}
}

func TestPipelinePreservesRecordOrder(t *testing.T) {
	writer := &mockWriter{}
	p, err := NewPipeline(writer, 16, nil)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	if _, err := p.WritePage(context.Background(), page(1, "C", "A", "B")); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := writer.pages[0].Records
	want := []string{"C", "A", "B"}
	for i, sku := range want {
		if got[i].SKU != sku {
			t.Fatalf("record %d = %q, want %q", i, got[i].SKU, sku)
		}
	}
}

func TestPipelineWriterFailureClosesPipeline(t *testing.T) {
	writer := &mockWriter{writeErr: errors.New("disk full")}
	p, err := NewPipeline(writer, 16, nil)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	if _, err := p.WritePage(context.Background(), page(1, "A")); err == nil {
		t.Fatalf("expected write error")
	}
	if p.Err() == nil {
		t.Fatalf("expected pipeline error to be recorded")
	}

	// A failed page does not mark its SKUs as seen.
	writer.mu.Lock()
	writer.writeErr = nil
	writer.mu.Unlock()
	if _, err := p.WritePage(context.Background(), page(2, "A")); err == nil {
		t.Fatalf("expected pipeline to stay failed")
	}
	if p.seen.Contains(testSource.Locator + "|A") {
		t.Fatalf("failed page must not be remembered")
	}

	if err := p.Close(); err == nil {
		t.Fatalf("close should report the write error")
	}
	if writer.closed != 1 {
		t.Fatalf("writer closed %d times, want 1", writer.closed)
	}
}

func TestPipelineWriteAfterClose(t *testing.T) {
	writer := &mockWriter{}
	p, err := NewPipeline(writer, 16, nil)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := p.WritePage(context.Background(), page(1, "A")); !errors.Is(err, ErrPipelineClosed) {
		t.Fatalf("err = %v, want ErrPipelineClosed", err)
	}
	if writer.closed != 1 {
		t.Fatalf("writer closed %d times, want 1", writer.closed)
	}
}

func TestPipelineWritePageHonoursContext(t *testing.T) {
	writer := &mockWriter{}
	p, err := NewPipeline(writer, 16, nil)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.WritePage(ctx, page(1, "A")); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(writer.pageSizes()) != 0 {
		t.Fatalf("nothing should be written")
	}
}

func TestPipelineMetricsReportingStopsOnClose(t *testing.T) {
	p, err := NewPipeline(&mockWriter{}, 16, nil)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.StartMetricsReporting(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewPipelineRequiresWriter(t *testing.T) {
	if _, err := NewPipeline(nil, 16, nil); err == nil {
		t.Fatalf("expected error for nil writer")
	}
}
