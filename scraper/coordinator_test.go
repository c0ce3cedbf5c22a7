package scraper

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/go-catalog-harvester/models"
)

type countingFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	fail    map[string]bool
	active  int32
	maxSeen int32
}

func (f *countingFetcher) Fetch(ctx context.Context, source models.ListingSource, id string) (models.ItemRecord, bool) {
	now := atomic.AddInt32(&f.active, 1)
	for {
		prev := atomic.LoadInt32(&f.maxSeen)
		if now <= prev || atomic.CompareAndSwapInt32(&f.maxSeen, prev, now) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	atomic.AddInt32(&f.active, -1)

	f.mu.Lock()
	f.calls[id]++
	failed := f.fail[id]
	f.mu.Unlock()
	if failed {
		return models.ItemRecord{}, false
	}
	return models.ItemRecord{SKU: id, Category: source.Label}, true
}

func TestCoordinatorProcessPage(t *testing.T) {
	fetcher := &countingFetcher{calls: make(map[string]int), fail: map[string]bool{"C": true}}
	c := NewCoordinator(fetcher, 2, nil)

	ids := []string{"A", "B", "C", "D", "E", "A", "F"}
	result := c.ProcessPage(context.Background(), switches, 4, ids)

	if result.Page != 4 || result.Source != switches {
		t.Fatalf("result identity = %d/%v", result.Page, result.Source)
	}
	if result.Dispatched != 6 {
		t.Fatalf("dispatched = %d, want 6", result.Dispatched)
	}
	if result.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", result.Skipped)
	}

	var skus []string
	for _, r := range result.Records {
		skus = append(skus, r.SKU)
	}
	sort.Strings(skus)
	if got, want := len(skus), 5; got != want {
		t.Fatalf("records = %v", skus)
	}
	for i, want := range []string{"A", "B", "D", "E", "F"} {
		if skus[i] != want {
			t.Fatalf("records = %v", skus)
		}
	}

	for id, n := range fetcher.calls {
		if n != 1 {
			t.Fatalf("%s fetched %d times", id, n)
		}
	}
	if peak := atomic.LoadInt32(&fetcher.maxSeen); peak > 2 {
		t.Fatalf("max concurrent fetches = %d, want <= 2", peak)
	}
}

func TestCoordinatorEmptyPage(t *testing.T) {
	c := NewCoordinator(&countingFetcher{calls: make(map[string]int)}, 3, nil)
	result := c.ProcessPage(context.Background(), switches, 1, nil)
	if result.Dispatched != 0 || len(result.Records) != 0 {
		t.Fatalf("result = %+v", result)
	}
}

func TestCoordinatorWidthAtLeastOne(t *testing.T) {
	if got := NewCoordinator(&countingFetcher{}, 0, nil).Width(); got != 1 {
		t.Fatalf("width = %d, want 1", got)
	}
}

func TestCoordinatorStopsDispatchOnCancel(t *testing.T) {
	fetcher := &countingFetcher{calls: make(map[string]int)}
	c := NewCoordinator(fetcher, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := c.ProcessPage(ctx, switches, 1, []string{"A", "B"})
	if result.Dispatched != 0 {
		t.Fatalf("dispatched = %d, want 0", result.Dispatched)
	}
}
