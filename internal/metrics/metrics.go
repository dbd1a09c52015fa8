// Package metrics holds the Prometheus collectors of the ledger.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Check run metrics.
var (
	CheckRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clusterbank",
			Name:      "check_runs_total",
			Help:      "Total number of check runs",
		},
		[]string{"status"}, // "ok" / "partial"
	)

	CheckRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clusterbank",
			Name:      "check_run_duration_seconds",
			Help:      "Duration of a full check run in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	AccountChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clusterbank",
			Name:      "account_checks_total",
			Help:      "Per-account check outcomes",
		},
		[]string{"result"}, // ok, skipped, unavailable, regression, error
	)

	NoticesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clusterbank",
			Name:      "notices_total",
			Help:      "Notices queued, sent and failed, by kind",
		},
		[]string{"kind", "status"},
	)

	WithdrawnSUTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clusterbank",
			Name:      "investment_withdrawn_su_total",
			Help:      "Service units withdrawn from investments",
		},
	)

	LockChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clusterbank",
			Name:      "lock_changes_total",
			Help:      "Account lock state changes made by checks",
		},
		[]string{"state"}, // "locked" / "unlocked"
	)

	LockedAccounts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clusterbank",
			Name:      "locked_accounts",
			Help:      "Number of accounts locked after the last check run",
		},
	)
)

var registerOnce sync.Once

// Register registers the ledger collectors with the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CheckRunsTotal,
			CheckRunDuration,
			AccountChecksTotal,
			NoticesTotal,
			WithdrawnSUTotal,
			LockChangesTotal,
			LockedAccounts,
			httpRequestDuration,
			httpRequestsTotal,
		)
	})
}
