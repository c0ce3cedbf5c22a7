package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the harvester.
type Metrics struct {
	Registry          *prometheus.Registry
	AttemptsTotal     *prometheus.CounterVec
	FetchDuration     prometheus.Histogram
	ItemsFetchedTotal prometheus.Counter
	RetriesTotal      prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
	PagesTotal        prometheus.Counter
	SourcesTotal      *prometheus.CounterVec
	PoolInUse         prometheus.Gauge
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	attempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_fetch_attempts_total",
			Help: "Item fetch attempts by outcome.",
		},
		[]string{"outcome"},
	)
	fetchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_fetch_duration_seconds",
			Help:    "Duration of a single item fetch attempt.",
			Buckets: prometheus.DefBuckets,
		},
	)
	itemsFetched := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_items_fetched_total",
			Help: "Total number of item records assembled.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_retries_total",
			Help: "Total number of fetch retries scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_errors_total",
			Help: "Total number of fetch errors by type.",
		},
		[]string{"error_type"},
	)
	pages := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_pages_total",
			Help: "Total number of listing pages processed.",
		},
	)
	sources := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_sources_total",
			Help: "Listing sources finished by exhaustion reason.",
		},
		[]string{"reason"},
	)
	poolInUse := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_pool_in_use",
			Help: "Fetch sessions currently checked out of the pool.",
		},
	)

	registry.MustRegister(attempts, fetchDuration, itemsFetched, retries, errorsTotal, pages, sources, poolInUse)

	return &Metrics{
		Registry:          registry,
		AttemptsTotal:     attempts,
		FetchDuration:     fetchDuration,
		ItemsFetchedTotal: itemsFetched,
		RetriesTotal:      retries,
		ErrorsTotal:       errorsTotal,
		PagesTotal:        pages,
		SourcesTotal:      sources,
		PoolInUse:         poolInUse,
	}
}

// IncAttempt increments the attempts counter for an outcome.
func (m *Metrics) IncAttempt(outcome string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDuration records a fetch attempt duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(d.Seconds())
}

// IncItems increments the items fetched counter.
func (m *Metrics) IncItems() {
	if m == nil {
		return
	}
	m.ItemsFetchedTotal.Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncPages increments the pages counter.
func (m *Metrics) IncPages() {
	if m == nil {
		return
	}
	m.PagesTotal.Inc()
}

// IncSource records a finished listing source.
func (m *Metrics) IncSource(reason string) {
	if m == nil {
		return
	}
	m.SourcesTotal.WithLabelValues(reason).Inc()
}

// SetPoolInUse records the number of checked-out sessions.
func (m *Metrics) SetPoolInUse(n int) {
	if m == nil {
		return
	}
	m.PoolInUse.Set(float64(n))
}
