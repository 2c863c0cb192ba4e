// Package metrics defines the Prometheus metric collectors used across the
// pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	MessagesHandled      *prometheus.CounterVec
	SectionsSegmented    prometheus.Counter
	BatchesDispatched    prometheus.Counter
	EnrichmentLatency    *prometheus.HistogramVec
	EnrichmentFailures   *prometheus.CounterVec
	EnrichmentRetries    *prometheus.CounterVec
	BatchJoins           *prometheus.CounterVec
	CASConflicts         prometheus.Counter
	DocumentsCompleted   prometheus.Counter
	IngestionsCompleted  prometheus.Counter
	IndexingPolls        *prometheus.CounterVec
	CleanupDeletions     *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all collectors and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all collectors and registers them with reg. A nil
// reg leaves them unregistered, which tests use to get throwaway collectors.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		MessagesHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_messages_handled_total",
				Help: "Bus messages handled by topic and result (ok, error, redelivered, dead_letter).",
			},
			[]string{"topic", "result"},
		),
		SectionsSegmented: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_sections_segmented_total",
				Help: "Total sections produced by segmentation.",
			},
		),
		BatchesDispatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_batches_dispatched_total",
				Help: "Total section batches stored and fanned out to enrichment.",
			},
		),
		EnrichmentLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_enrichment_latency_seconds",
				Help:    "Latency of one enrichment computation over a batch, by kind.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),
		EnrichmentFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_enrichment_failures_total",
				Help: "Enrichment computations that failed after retries, by kind.",
			},
			[]string{"kind"},
		),
		EnrichmentRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_enrichment_retries_total",
				Help: "Enrichment attempts that failed and were retried in-process, by kind.",
			},
			[]string{"kind"},
		),
		BatchJoins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_batch_joins_total",
				Help: "Batch join evaluations by outcome (merged, missing_dependency, integrity_error, claimed_elsewhere).",
			},
			[]string{"outcome"},
		),
		CASConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_cas_conflicts_total",
				Help: "Version conflicts observed while updating ingestion records.",
			},
		),
		DocumentsCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_documents_completed_total",
				Help: "Document-completed events published.",
			},
		),
		IngestionsCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_ingestions_completed_total",
				Help: "Ingestions whose pending set drained and triggered indexing.",
			},
		),
		IndexingPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_indexing_polls_total",
				Help: "Indexer status checks by observed status.",
			},
			[]string{"status"},
		),
		CleanupDeletions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_cleanup_deletions_total",
				Help: "Staged artifact deletions after indexing, by result.",
			},
			[]string{"result"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
			m.HTTPRequestsInFlight,
			m.MessagesHandled,
			m.SectionsSegmented,
			m.BatchesDispatched,
			m.EnrichmentLatency,
			m.EnrichmentFailures,
			m.EnrichmentRetries,
			m.BatchJoins,
			m.CASConflicts,
			m.DocumentsCompleted,
			m.IngestionsCompleted,
			m.IndexingPolls,
			m.CleanupDeletions,
			m.CircuitBreakerState,
		)
	}

	return m
}

// OrNoop returns m, or a set of unregistered collectors when m is nil.
func OrNoop(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return NewWithRegistry(nil)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
