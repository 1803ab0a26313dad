package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsRegistry holds all Prometheus metrics for the sync engine
type MetricsRegistry struct {
	// HTTP Metrics
	HTTPRequestsTotal   prometheus.CounterVec
	HTTPRequestDuration prometheus.HistogramVec

	// Sync Metrics
	SyncRunsTotal     prometheus.CounterVec
	SyncRunDuration   prometheus.HistogramVec
	RecordsWritten    prometheus.CounterVec
	ConflictsResolved prometheus.CounterVec

	// Provider Metrics
	ProviderCallsTotal prometheus.CounterVec
	RetryAttemptsTotal prometheus.CounterVec
	RateLimitHitsTotal prometheus.CounterVec

	// Resolver Cache Metrics
	ResolverCacheHitsTotal   prometheus.CounterVec
	ResolverCacheMissesTotal prometheus.CounterVec
}

// NewMetricsRegistry initializes and returns a new MetricsRegistry with all metrics
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		HTTPRequestsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tablebridge_http_requests_total",
				Help: "Total HTTP requests processed by endpoint, method, and status code",
			},
			[]string{"endpoint", "method", "status_code"},
		),
		HTTPRequestDuration: *promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tablebridge_http_request_duration_seconds",
				Help:    "HTTP request latency distribution in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"endpoint", "method"},
		),

		SyncRunsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tablebridge_sync_runs_total",
				Help: "Total sync runs by direction and outcome",
			},
			[]string{"direction", "outcome"},
		),
		SyncRunDuration: *promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tablebridge_sync_run_duration_seconds",
				Help:    "Sync run execution time in seconds",
				Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"direction"},
		),
		RecordsWritten: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tablebridge_records_written_total",
				Help: "Records written by destination and operation",
			},
			[]string{"destination", "operation"},
		),
		ConflictsResolved: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tablebridge_conflicts_resolved_total",
				Help: "Conflicts resolved by kind and action",
			},
			[]string{"kind", "action"},
		),

		ProviderCallsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tablebridge_provider_calls_total",
				Help: "Outbound provider calls by provider and response status",
			},
			[]string{"provider", "status"},
		),
		RetryAttemptsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tablebridge_retry_attempts_total",
				Help: "Retry attempts by operation name",
			},
			[]string{"operation"},
		),
		RateLimitHitsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tablebridge_rate_limit_hits_total",
				Help: "Rate limit responses received by operation",
			},
			[]string{"operation"},
		),

		ResolverCacheHitsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tablebridge_resolver_cache_hits_total",
				Help: "Linked record resolver cache hits by table",
			},
			[]string{"table"},
		),
		ResolverCacheMissesTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tablebridge_resolver_cache_misses_total",
				Help: "Linked record resolver cache misses by table",
			},
			[]string{"table"},
		),
	}
}
