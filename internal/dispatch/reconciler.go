package dispatch

import (
	"context"
	"time"

	"jobcore/internal/ledger"
	"jobcore/internal/metrics"
)

// Reconciler implements §4.3's startup/periodic reconciliation: it keeps
// the non-durable Queue Broker consistent with the authoritative Ledger
// Store after a broker restart or a runner crash.
type Reconciler struct {
	core *Core
}

func NewReconciler(core *Core) *Reconciler {
	return &Reconciler{core: core}
}

// Run executes one reconciliation pass:
//
//	(a) every job in Pending is re-enqueued and every job in
//	    PendingRetry is re-scheduled, without checking whether the
//	    broker already holds it; a Pending id already in its band gets
//	    a second entry, which Claim's CAS later discards;
//	(b) jobs in Running whose runner's last_heartbeat predates the
//	    staleness threshold are passed to Fail as a Transient error:
//	    they go to PendingRetry at the retry policy's backoff delay with
//	    runner_id cleared, or to Failed when there is no policy or the
//	    attempt budget is spent. The ready-time is not immediate.
//
// It is safe to call concurrently with normal dispatch traffic: every
// mutation it makes still goes through the same CAS-guarded store
// methods, so a reconciliation pass racing a runner's own Complete/Fail
// call just loses the race harmlessly.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.reenqueueNonTerminal(ctx); err != nil {
		return err
	}
	if err := r.reclaimStaleRunning(ctx); err != nil {
		return err
	}
	r.observe(ctx)
	return nil
}

// observe refreshes the gauges that have no natural counter event of
// their own: queue depth per band and the aggregate wallet reservation.
// Failures here are logged, not propagated, since they must never block
// the reconciliation pass that keeps the broker and ledger consistent.
func (r *Reconciler) observe(ctx context.Context) {
	for _, band := range ledger.Bands {
		depth, err := r.core.broker.Depth(ctx, band)
		if err != nil {
			r.core.logger.Warn("reconciler: queue depth observation failed", "band", band, "error", err)
			continue
		}
		metrics.QueueDepth.WithLabelValues(band.String()).Set(float64(depth))
	}

	reserved, err := r.core.store.SumReservedCents(ctx)
	if err != nil {
		r.core.logger.Warn("reconciler: reserved-cents observation failed", "error", err)
		return
	}
	metrics.WalletReservedCents.Set(float64(reserved))
}

func (r *Reconciler) reenqueueNonTerminal(ctx context.Context) error {
	jobs, err := r.core.store.ListNonTerminalJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		switch job.Status {
		case ledger.JobPending:
			if err := r.core.broker.Enqueue(ctx, job.ID, job.Priority); err != nil {
				r.core.logger.Error("reconciler: failed to re-enqueue pending job", "job_id", job.ID, "error", err)
			}
		case ledger.JobPendingRetry:
			readyAt := time.Now().UTC()
			if job.NextAttemptAt != nil {
				readyAt = *job.NextAttemptAt
			}
			if err := r.core.broker.Schedule(ctx, job.ID, job.Priority, readyAt); err != nil {
				r.core.logger.Error("reconciler: failed to reschedule pending-retry job", "job_id", job.ID, "error", err)
			}
		}
	}
	return nil
}

func (r *Reconciler) reclaimStaleRunning(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.core.staleThreshold)
	jobs, err := r.core.store.ListStaleRunningJobs(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		r.core.logger.Warn("reconciler: reclaiming job from stale runner", "job_id", job.ID, "runner_id", job.RunnerID)
		if err := r.core.Fail(ctx, job.ID, &ledger.Transient{Err: errStaleRunner}); err != nil {
			r.core.logger.Error("reconciler: failed to reclaim stale job", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

// errStaleRunner is the synthetic execution error fed through the normal
// Fail/Retry path when a runner's heartbeat has gone stale; it is always
// classified Transient so the job follows its retry policy rather than
// terminating outright on infrastructure flakiness.
var errStaleRunner = staleRunnerError{}

type staleRunnerError struct{}

func (staleRunnerError) Error() string { return "runner heartbeat stale past threshold" }

// RunPeriodic runs Run once immediately and then on every tick of
// interval until ctx is cancelled, matching the teacher's background
// goroutine pattern (ServiceMonitor.StartMonitoring / DbBatcher.Run).
func (r *Reconciler) RunPeriodic(ctx context.Context, interval time.Duration) {
	if err := r.Run(ctx); err != nil {
		r.core.logger.Error("reconciler: initial pass failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Run(ctx); err != nil {
				r.core.logger.Error("reconciler: periodic pass failed", "error", err)
			}
		}
	}
}
