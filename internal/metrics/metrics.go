// Package metrics defines the Prometheus instruments for the device core and
// the reference backend. Every method is safe on a nil *Metrics, so
// components take one optionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "fieldsync_"

// Outcome labels.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"

	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics bundles all fieldsync instruments.
type Metrics struct {
	registry *prometheus.Registry

	ReferencesIssued prometheus.Counter
	AllocatorErrors  *prometheus.CounterVec
	LeaseRequests    *prometheus.CounterVec
	LeaseRemaining   prometheus.Gauge
	CounterMerges    prometheus.Counter

	PendingDepth prometheus.Gauge
	SyncRuns     *prometheus.CounterVec
	SyncEntries  *prometheus.CounterVec
	SyncDuration prometheus.Histogram

	ServerRequests     *prometheus.CounterVec
	ServerLeases       prometheus.Counter
	ServerTransactions *prometheus.CounterVec
}

// New constructs the instruments and registers them on a private registry,
// so tests and multiple services in one process never collide.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ReferencesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "references_issued_total",
			Help: "Total reference numbers issued by the allocator",
		}),
		AllocatorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "allocator_errors_total",
				Help: "Total allocator failures by error code",
			},
			[]string{"code"},
		),
		LeaseRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "lease_requests_total",
				Help: "Total lease_batch requests by mode and result",
			},
			[]string{"mode", "result"},
		),
		LeaseRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "lease_remaining",
			Help: "Numbers left in the active lease",
		}),
		CounterMerges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "counter_merges_total",
			Help: "Total server counter merges that advanced the cursor",
		}),
		PendingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "pending_transactions",
			Help: "Captured transactions awaiting confirmation",
		}),
		SyncRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sync_runs_total",
				Help: "Total drain attempts by result",
			},
			[]string{"result"},
		),
		SyncEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sync_entries_total",
				Help: "Total pending entries processed by outcome",
			},
			[]string{"outcome"},
		),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "sync_duration_seconds",
			Help:    "Drain duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		ServerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "server_requests_total",
				Help: "Total backend API requests by route and status",
			},
			[]string{"route", "status"},
		),
		ServerLeases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "server_leases_granted_total",
			Help: "Total leases granted by the backend",
		}),
		ServerTransactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "server_transactions_total",
				Help: "Total create_transaction outcomes (created, replay, collision)",
			},
			[]string{"outcome"},
		),
	}
	m.registry.MustRegister(
		m.ReferencesIssued,
		m.AllocatorErrors,
		m.LeaseRequests,
		m.LeaseRemaining,
		m.CounterMerges,
		m.PendingDepth,
		m.SyncRuns,
		m.SyncEntries,
		m.SyncDuration,
		m.ServerRequests,
		m.ServerLeases,
		m.ServerTransactions,
	)
	return m
}

// Registry exposes the underlying registry (tests, custom exporters).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveIssued records one issued reference and the lease headroom left.
func (m *Metrics) ObserveIssued(remaining int64) {
	if m == nil {
		return
	}
	m.ReferencesIssued.Inc()
	m.LeaseRemaining.Set(float64(remaining))
}

// IncAllocatorError counts an allocator failure by code.
func (m *Metrics) IncAllocatorError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.AllocatorErrors.WithLabelValues(code).Inc()
}

// ObserveLease counts a lease request. mode is "sync" or "async".
func (m *Metrics) ObserveLease(mode string, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.LeaseRequests.WithLabelValues(mode, result).Inc()
}

// IncMerge counts a counter merge that advanced local state.
func (m *Metrics) IncMerge() {
	if m == nil {
		return
	}
	m.CounterMerges.Inc()
}

// SetPendingDepth sets the queue depth gauge.
func (m *Metrics) SetPendingDepth(n int) {
	if m == nil {
		return
	}
	m.PendingDepth.Set(float64(n))
}

// ObserveSyncRun records one drain attempt.
func (m *Metrics) ObserveSyncRun(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(result).Inc()
	if duration > 0 {
		m.SyncDuration.Observe(duration.Seconds())
	}
}

// IncSyncEntry counts one processed pending entry.
func (m *Metrics) IncSyncEntry(outcome string) {
	if m == nil {
		return
	}
	m.SyncEntries.WithLabelValues(outcome).Inc()
}

// IncServerRequest counts one backend API request.
func (m *Metrics) IncServerRequest(route, status string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.ServerRequests.WithLabelValues(route, status).Inc()
}

// IncServerLease counts one granted lease.
func (m *Metrics) IncServerLease() {
	if m == nil {
		return
	}
	m.ServerLeases.Inc()
}

// IncServerTransaction counts a create_transaction outcome.
func (m *Metrics) IncServerTransaction(outcome string) {
	if m == nil {
		return
	}
	m.ServerTransactions.WithLabelValues(outcome).Inc()
}
