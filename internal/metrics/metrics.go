package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Refresh run and builder outcomes.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusLocked  = "locked"
)

// Metrics holds all Prometheus metrics for ziplisten.
type Metrics struct {
	// Refresh metrics
	RefreshRuns     *prometheus.CounterVec
	RefreshDuration prometheus.Histogram
	BuilderRuns     *prometheus.CounterVec
	BuilderDuration *prometheus.HistogramVec
	BuilderRows     *prometheus.GaugeVec
	BuilderSkipped  *prometheus.GaugeVec
	BuilderPruned   *prometheus.CounterVec
	BuilderFailures *prometheus.CounterVec
	RetryAttempts   *prometheus.CounterVec
	LastSuccess     *prometheus.GaugeVec

	// HTTP metrics
	HTTPRequests  *prometheus.CounterVec
	HTTPLatency   *prometheus.HistogramVec
	RateLimitHits *prometheus.CounterVec
	CacheLookups  *prometheus.CounterVec

	// Enrichment metrics
	EnrichLookups *prometheus.CounterVec

	// System metrics
	DBConnections *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. A fresh registry
// keeps tests and multiple instances from colliding.
func New(namespace string, reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		RefreshRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_runs_total",
				Help:      "Summary refresh runs by outcome",
			},
			[]string{"status"},
		),
		RefreshDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "refresh_duration_seconds",
				Help:      "Wall time of a whole refresh run",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		),
		BuilderRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builder_runs_total",
				Help:      "Builder executions by builder and outcome",
			},
			[]string{"builder", "status"},
		),
		BuilderDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "builder_duration_seconds",
				Help:      "Time to build and upsert one summary table",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
			},
			[]string{"builder"},
		),
		BuilderRows: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "builder_rows",
				Help:      "Rows upserted by the last successful build",
			},
			[]string{"builder"},
		),
		BuilderSkipped: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "builder_skipped_events",
				Help:      "Events excluded by the last build for missing key fields",
			},
			[]string{"builder"},
		),
		BuilderPruned: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builder_pruned_rows_total",
				Help:      "Stale summary rows deleted",
			},
			[]string{"builder"},
		),
		BuilderFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builder_failures_total",
				Help:      "Builder failures by kind",
			},
			[]string{"builder", "kind"},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Retries after transient errors",
			},
			[]string{"operation"},
		),
		LastSuccess: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "builder_last_success_timestamp_seconds",
				Help:      "Unix time of the last successful build",
			},
			[]string{"builder"},
		),

		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status",
			},
			[]string{"route", "status"},
		),
		HTTPLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		RateLimitHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Dashboard cache lookups by result",
			},
			[]string{"result"},
		),

		EnrichLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enrich_lookups_total",
				Help:      "MusicBrainz genre lookups by result",
			},
			[]string{"result"},
		),

		DBConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database connection pool state",
			},
			[]string{"state"},
		),

		gatherer: reg,
	}
}

// Handler returns the Prometheus HTTP handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordRefresh records the outcome of a whole run.
func (m *Metrics) RecordRefresh(status string, d time.Duration) {
	m.RefreshRuns.WithLabelValues(status).Inc()
	if status != StatusLocked {
		m.RefreshDuration.Observe(d.Seconds())
	}
}

// RecordBuilderSuccess records a completed build and upsert.
func (m *Metrics) RecordBuilderSuccess(builder string, d time.Duration, rows, skipped, pruned int64) {
	m.BuilderRuns.WithLabelValues(builder, StatusSuccess).Inc()
	m.BuilderDuration.WithLabelValues(builder).Observe(d.Seconds())
	m.BuilderRows.WithLabelValues(builder).Set(float64(rows))
	m.BuilderSkipped.WithLabelValues(builder).Set(float64(skipped))
	if pruned > 0 {
		m.BuilderPruned.WithLabelValues(builder).Add(float64(pruned))
	}
	m.LastSuccess.WithLabelValues(builder).SetToCurrentTime()
}

// RecordBuilderFailure records a failed build. kind is "transient",
// "schema" or "error".
func (m *Metrics) RecordBuilderFailure(builder, kind string, d time.Duration) {
	m.BuilderRuns.WithLabelValues(builder, StatusFailed).Inc()
	m.BuilderDuration.WithLabelValues(builder).Observe(d.Seconds())
	m.BuilderFailures.WithLabelValues(builder, kind).Inc()
}

// RecordBuilderSkipped records a builder not run because of the stop policy.
func (m *Metrics) RecordBuilderSkipped(builder string) {
	m.BuilderRuns.WithLabelValues(builder, StatusSkipped).Inc()
}

// RecordRetry records one retry of operation.
func (m *Metrics) RecordRetry(operation string) {
	m.RetryAttempts.WithLabelValues(operation).Inc()
}

// RecordHTTPRequest records a served request.
func (m *Metrics) RecordHTTPRequest(route string, status int, latency time.Duration) {
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(latency.Seconds())
}

// RecordRateLimitHit records a rate-limited request.
func (m *Metrics) RecordRateLimitHit(route string) {
	m.RateLimitHits.WithLabelValues(route).Inc()
}

// RecordCacheLookup records a dashboard cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		m.CacheLookups.WithLabelValues("miss").Inc()
	}
}

// RecordEnrichLookup records a genre lookup: "found", "not_found",
// "cached" or "error".
func (m *Metrics) RecordEnrichLookup(result string) {
	m.EnrichLookups.WithLabelValues(result).Inc()
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}
