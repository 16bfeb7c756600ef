// Package metrics holds the Prometheus collectors shared by the wagering core.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wagering_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "code"},
	)

	RoundsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wagering_rounds_started_total",
			Help: "Rounds started, by asset",
		},
		[]string{"asset"},
	)

	RoundsSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wagering_rounds_settled_total",
			Help: "Rounds reaching a terminal status",
		},
		[]string{"status"},
	)

	LedgerApplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wagering_ledger_applies_total",
			Help: "Ledger legs by entry kind and result",
		},
		[]string{"kind", "result"},
	)

	LedgerApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wagering_ledger_apply_seconds",
			Help:    "Duration of ledger apply transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	LockContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wagering_lock_contention_total",
			Help: "Lock acquisitions that gave up after the wait bound",
		},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wagering_rate_limited_total",
			Help: "Actions rejected by the per-user rate limiter",
		},
	)

	SideEffectFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wagering_side_effect_failures_total",
			Help: "Best-effort side effects that failed after commit",
		},
		[]string{"effect"},
	)
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequests,
		RoundsStarted,
		RoundsSettled,
		LedgerApplies,
		LedgerApplyDuration,
		LockContention,
		RateLimited,
		SideEffectFailures,
	)
}
