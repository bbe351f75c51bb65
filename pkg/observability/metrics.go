package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Session guard metrics
	GuardDecisionsTotal *prometheus.CounterVec

	// Sign-in metrics
	SignInsTotal *prometheus.CounterVec

	// Handoff metrics
	HandoffOutcomesTotal *prometheus.CounterVec
	GrantsIssuedTotal    prometheus.Counter
	GrantsRedeemedTotal  *prometheus.CounterVec

	// Reconciliation metrics
	ReconcileBatchesTotal  *prometheus.CounterVec
	ReconcileBatchDuration *prometheus.HistogramVec
	ReconcileCallsTotal    *prometheus.CounterVec

	// Catalog cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Connection gauges
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	SessionsActive      prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		GuardDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_guard_decisions_total",
				Help: "Session guard decisions by outcome",
			},
			[]string{"decision"},
		),

		SignInsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_sign_ins_total",
				Help: "Sign-in attempts by mode and status",
			},
			[]string{"mode", "status"},
		),

		HandoffOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_handoff_outcomes_total",
				Help: "Authorization handoff sequences by terminal state",
			},
			[]string{"state"},
		),
		GrantsIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantgate_grants_issued_total",
				Help: "One-shot authorization grants issued",
			},
		),
		GrantsRedeemedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_grants_redeemed_total",
				Help: "Grant redemption attempts by status",
			},
			[]string{"status"},
		),

		ReconcileBatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_reconcile_batches_total",
				Help: "Entitlement apply batches by subject kind and status",
			},
			[]string{"subject", "status"},
		),
		ReconcileBatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantgate_reconcile_batch_duration_seconds",
				Help:    "Entitlement apply batch duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"subject"},
		),
		ReconcileCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_reconcile_calls_total",
				Help: "Individual grant and revoke calls by operation and status",
			},
			[]string{"operation", "status"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_cache_hits_total",
				Help: "Catalog cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_cache_misses_total",
				Help: "Catalog cache misses",
			},
			[]string{"cache"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantgate_db_connections_active",
				Help: "Active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantgate_db_connections_idle",
				Help: "Idle database connections",
			},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantgate_sessions_active",
				Help: "Console sessions currently open",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GuardDecisionsTotal,
		m.SignInsTotal,
		m.HandoffOutcomesTotal,
		m.GrantsIssuedTotal,
		m.GrantsRedeemedTotal,
		m.ReconcileBatchesTotal,
		m.ReconcileBatchDuration,
		m.ReconcileCallsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.SessionsActive,
	)

	return m
}

// Handler returns the Prometheus scrape handler for the registry.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
