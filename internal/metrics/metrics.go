// Package metrics exposes the Prometheus counters and gauges the admin
// and operations surface reads: jobs submitted/claimed/succeeded/failed/
// retried, queue depth per priority band, and the aggregate wallet
// reservation gauge. Dispatch and its Reconciler update these vars
// directly; Billing and Retry do not import this package, so they stay
// testable without a Prometheus registry in scope.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcore_jobs_submitted_total",
		Help: "Jobs accepted by Submit, labeled by priority band.",
	}, []string{"priority"})

	JobsClaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcore_jobs_claimed_total",
		Help: "Jobs transitioned Pending -> Running, labeled by processing_logic_id.",
	}, []string{"processing_logic_id"})

	JobsSucceededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcore_jobs_succeeded_total",
		Help: "Jobs transitioned Running -> Succeeded, labeled by processing_logic_id.",
	}, []string{"processing_logic_id"})

	JobsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcore_jobs_failed_total",
		Help: "Jobs terminated in Failed, labeled by processing_logic_id and error class.",
	}, []string{"processing_logic_id", "error_class"})

	JobsRetriedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcore_jobs_retried_total",
		Help: "Jobs transitioned Running -> PendingRetry, labeled by processing_logic_id.",
	}, []string{"processing_logic_id"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobcore_queue_depth",
		Help: "Pending job count per priority band, as last observed by the reconciler sweep.",
	}, []string{"priority"})

	WalletReservedCents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jobcore_wallet_reserved_cents_total",
		Help: "Sum of reserved_cents across all wallets, as last observed by the reconciler sweep.",
	})

	SubmitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jobcore_submit_duration_seconds",
		Help:    "Latency of the Submit transaction (reserve + insert + enqueue).",
		Buckets: prometheus.DefBuckets,
	})
)
