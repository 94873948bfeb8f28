package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the daemon's instrument set, one field per instrument.
// Instruments live on the registry handed to NewMetrics, so tests can
// build an isolated set per case instead of sharing a global registry.
type Metrics struct {
	// HTTP metrics (ops server)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Metadata-store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	StoreErrorsTotal       *prometheus.CounterVec

	// Endpoint pool metrics
	PoolEndpointsTotal          prometheus.Gauge
	PoolEndpointHealthy         *prometheus.GaugeVec
	PoolEndpointLatencySeconds  *prometheus.GaugeVec
	PoolSelectionsTotal         *prometheus.CounterVec
	PoolDegradedSelectionsTotal prometheus.Counter

	// Result cache metrics
	CacheHitsTotal    *prometheus.CounterVec
	CacheMissesTotal  *prometheus.CounterVec
	CacheRefreshTotal *prometheus.CounterVec
	CacheInvalidated  *prometheus.CounterVec
	CacheEntries      prometheus.Gauge

	// Storage allocator metrics
	AllocationsIssuedTotal     prometheus.Counter
	AllocationsRegisteredTotal prometheus.Counter
	AllocationsExpiredTotal    prometheus.Counter
	AllocationsActive          prometheus.Gauge

	// Integrity guard metrics
	DeletesTotal *prometheus.CounterVec
}

// NewMetrics builds the instrument set and registers every instrument
// on registry. Registering two sets on one registry panics with a
// duplicate-name error.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tams_http_requests_total",
				Help: "Requests served by the ops endpoint",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tams_http_request_duration_seconds",
				Help:    "Ops request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tams_store_operations_total",
				Help: "Total number of metadata-store operations",
			},
			[]string{"operation", "table", "status"},
		),
		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tams_store_operation_duration_seconds",
				Help:    "Metadata-store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tams_store_errors_total",
				Help: "Total number of metadata-store errors",
			},
			[]string{"operation", "table", "error_type"},
		),

		PoolEndpointsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tams_pool_endpoints_total",
				Help: "Number of configured metadata-store endpoints",
			},
		),
		PoolEndpointHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tams_pool_endpoint_healthy",
				Help: "Whether an endpoint is healthy (1) or not (0)",
			},
			[]string{"endpoint"},
		),
		PoolEndpointLatencySeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tams_pool_endpoint_latency_seconds",
				Help: "Rolling average call latency per endpoint",
			},
			[]string{"endpoint"},
		),
		PoolSelectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tams_pool_selections_total",
				Help: "Endpoint selections by operation kind",
			},
			[]string{"endpoint", "kind"},
		),
		PoolDegradedSelectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tams_pool_degraded_selections_total",
				Help: "Selections made with no healthy endpoint available",
			},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tams_cache_hits_total",
				Help: "Result cache hits",
			},
			[]string{"table"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tams_cache_misses_total",
				Help: "Result cache misses",
			},
			[]string{"table"},
		),
		CacheRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tams_cache_refresh_total",
				Help: "Background cache refresh outcomes",
			},
			[]string{"status"},
		),
		CacheInvalidated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tams_cache_invalidated_total",
				Help: "Cache entries removed by write invalidation",
			},
			[]string{"table"},
		),
		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tams_cache_entries",
				Help: "Current number of cached results",
			},
		),

		AllocationsIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tams_allocations_issued_total",
				Help: "Upload grants issued",
			},
		),
		AllocationsRegisteredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tams_allocations_registered_total",
				Help: "Allocations completed by segment registration",
			},
		),
		AllocationsExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tams_allocations_expired_total",
				Help: "Allocations that expired before registration",
			},
		),
		AllocationsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tams_allocations_active",
				Help: "Allocations awaiting upload or registration",
			},
		),

		DeletesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tams_deletes_total",
				Help: "Guarded delete outcomes by entity kind",
			},
			[]string{"kind", "outcome"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.StoreOperationsTotal,
		m.StoreOperationDuration,
		m.StoreErrorsTotal,
		m.PoolEndpointsTotal,
		m.PoolEndpointHealthy,
		m.PoolEndpointLatencySeconds,
		m.PoolSelectionsTotal,
		m.PoolDegradedSelectionsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheRefreshTotal,
		m.CacheInvalidated,
		m.CacheEntries,
		m.AllocationsIssuedTotal,
		m.AllocationsRegisteredTotal,
		m.AllocationsExpiredTotal,
		m.AllocationsActive,
		m.DeletesTotal,
	)

	return m
}

// statusRecorder remembers the status code a handler writes so the
// middleware can put it on the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware counts and times every request reaching the
// wrapped handler. The path label stays bounded because the ops router
// serves a fixed set of routes.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus text exposition
// format. The tamsd ops server mounts it at /metrics.
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
