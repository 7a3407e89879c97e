// Package dispatch implements the Dispatch Core: the job state machine
// (Submit, Claim, Complete, Fail, Cancel) and the Reconciler that keeps
// the non-durable Queue Broker consistent with the authoritative Ledger
// Store. It mediates every cross-component call; no other package talks
// to both the broker and the ledger at once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"jobcore/internal/billing"
	"jobcore/internal/ledger"
	"jobcore/internal/metrics"
	"jobcore/internal/queuebroker"
	"jobcore/internal/retry"
)

type Core struct {
	store          *ledger.Store
	broker         *queuebroker.Broker
	billing        *billing.Core
	logger         *slog.Logger
	staleThreshold time.Duration
}

func NewCore(store *ledger.Store, broker *queuebroker.Broker, billingCore *billing.Core, staleThreshold time.Duration, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{store: store, broker: broker, billing: billingCore, staleThreshold: staleThreshold, logger: logger}
}

// Submit implements §4.3 Submit: validate job type, reserve funds,
// insert the job row and enqueue it, all inside one logical unit of
// work. A failure to enqueue after the transaction commits is reversed
// by deleting the row and releasing the reservation.
func (c *Core) Submit(ctx context.Context, customerID, jobTypeID uuid.UUID, projectID *uuid.UUID, priority ledger.Priority, input []byte) (*ledger.Job, error) {
	start := time.Now()
	defer func() { metrics.SubmitDuration.Observe(time.Since(start).Seconds()) }()

	jt, err := c.store.GetJobType(ctx, nil, jobTypeID)
	if err != nil {
		return nil, err
	}
	if !jt.Enabled {
		return nil, ledger.ErrJobTypeDisabled
	}

	estimatedCost := jt.StandardCostCents
	job := &ledger.Job{
		ID:                 uuid.New(),
		CustomerID:         customerID,
		JobTypeID:          jobTypeID,
		ProjectID:          projectID,
		Status:             ledger.JobPending,
		Priority:           priority,
		Input:              input,
		EstimatedCostCents: estimatedCost,
	}

	err = c.store.WithTx(ctx, func(ctx context.Context, q ledger.Querier) error {
		if err := c.billing.ReserveTx(ctx, q, customerID, estimatedCost, "job submission reservation"); err != nil {
			return err
		}
		return c.store.InsertJob(ctx, q, job)
	})
	if err != nil {
		return nil, err
	}

	if err := c.broker.Enqueue(ctx, job.ID, priority); err != nil {
		if delErr := c.store.WithTx(ctx, func(ctx context.Context, q ledger.Querier) error {
			if delErr := c.store.DeleteJob(ctx, q, job.ID); delErr != nil {
				return delErr
			}
			return c.billing.Release(ctx, q, customerID, estimatedCost, &job.ID)
		}); delErr != nil {
			c.logger.Error("dispatch: failed to reverse job after enqueue failure", "job_id", job.ID, "error", delErr)
		}
		return nil, &ledger.Transient{Err: fmt.Errorf("enqueue job: %w", err)}
	}

	metrics.JobsSubmittedTotal.WithLabelValues(priority.String()).Inc()
	return job, nil
}

// Claim implements §4.3 Claim: pop from the broker in priority order
// until an id is found whose job type the runner supports, then CAS
// Pending -> Running under a row lock. Incompatible ids are requeued to
// the tail of their band. Returns (nil, false, nil) if no job is ready
// within timeout.
func (c *Core) Claim(ctx context.Context, runnerID uuid.UUID, compatible []string, bands []ledger.Priority, timeout time.Duration) (*ledger.Job, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, nil
		}
		jobID, ok, err := c.broker.BlockingPop(ctx, bands, remaining)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}

		job, err := c.store.GetJob(ctx, jobID)
		if errors.Is(err, ledger.ErrUnknownJob) {
			continue // stale broker entry, e.g. after reconciler duplication
		}
		if err != nil {
			return nil, false, err
		}

		jt, err := c.store.GetJobType(ctx, nil, job.JobTypeID)
		if err != nil {
			return nil, false, err
		}
		if !runnerAccepts(compatible, jt.ProcessingLogicID) {
			if reErr := c.broker.Requeue(ctx, jobID, job.Priority); reErr != nil {
				c.logger.Warn("dispatch: failed to requeue incompatible job", "job_id", jobID, "error", reErr)
			}
			continue
		}

		var claimed *ledger.Job
		var claimedOK bool
		err = c.store.WithTx(ctx, func(ctx context.Context, q ledger.Querier) error {
			// The broker's retry ZSET only tracks readiness; PendingRetry ->
			// Pending is a ledger transition the promoter never makes itself
			// (queuebroker has no reference to ledger.Store). Promote here,
			// in the same transaction as the claim, so a popped retry id
			// lands on Running in one CAS hop instead of being discarded
			// because ClaimJob's WHERE status = 'pending' never matched.
			if job.Status == ledger.JobPendingRetry {
				_, promoted, txErr := c.store.PromoteRetry(ctx, q, jobID)
				if txErr != nil {
					return txErr
				}
				if !promoted {
					return nil // CAS lost (e.g. cancelled); claimedOK stays false
				}
			}
			var txErr error
			claimed, claimedOK, txErr = c.store.ClaimJob(ctx, q, jobID, runnerID)
			return txErr
		})
		if err != nil {
			return nil, false, err
		}
		if !claimedOK {
			continue // CAS lost; another runner claimed it first
		}
		metrics.JobsClaimedTotal.WithLabelValues(jt.ProcessingLogicID).Inc()
		return claimed, true, nil
	}
}

func runnerAccepts(compatible []string, processingLogicID string) bool {
	if len(compatible) == 0 {
		return true
	}
	for _, id := range compatible {
		if id == processingLogicID {
			return true
		}
	}
	return false
}

// Complete implements §4.3 Complete.
func (c *Core) Complete(ctx context.Context, jobID uuid.UUID, finalCostCents int64, output []byte) error {
	return c.store.WithTx(ctx, func(ctx context.Context, q ledger.Querier) error {
		job, err := c.store.GetJobForUpdate(ctx, q, jobID)
		if err != nil {
			return err
		}
		if job.Status != ledger.JobRunning {
			return ledger.ErrConflict
		}

		_, ok, err := c.store.CompleteJob(ctx, q, jobID, finalCostCents, output)
		if err != nil {
			return err
		}
		if !ok {
			return ledger.ErrConflict
		}
		if err := c.billing.Settle(ctx, q, job.CustomerID, job.EstimatedCostCents, finalCostCents, jobID); err != nil {
			return err
		}
		if jt, jtErr := c.store.GetJobType(ctx, q, job.JobTypeID); jtErr == nil {
			metrics.JobsSucceededTotal.WithLabelValues(jt.ProcessingLogicID).Inc()
		}
		return nil
	})
}

// Fail implements §4.3 Fail / §4.4 Retry Core. err carries the
// processor's declared class via *ledger.Transient or *ledger.Permanent;
// an untyped error is classified per retry.Classify.
func (c *Core) Fail(ctx context.Context, jobID uuid.UUID, execErr error) error {
	var job *ledger.Job
	var jt *ledger.JobType

	err := c.store.WithTx(ctx, func(ctx context.Context, q ledger.Querier) error {
		var err error
		job, err = c.store.GetJobForUpdate(ctx, q, jobID)
		if err != nil {
			return err
		}
		if job.Status != ledger.JobRunning {
			return ledger.ErrConflict
		}
		jt, err = c.store.GetJobType(ctx, q, job.JobTypeID)
		if err != nil {
			return err
		}

		class := retry.Classify(execErr, job.AttemptCount, jt.RetryPolicy)
		outcome, delay := retry.Decide(jt.RetryPolicy, class, job.AttemptCount)

		if outcome == retry.OutcomeTerminal {
			if _, ok, err := c.store.FailJobTerminal(ctx, q, jobID, execErr.Error()); err != nil {
				return err
			} else if !ok {
				return ledger.ErrConflict
			}
			classLabel := "transient"
			if class == retry.ClassPermanent {
				classLabel = "permanent"
			}
			metrics.JobsFailedTotal.WithLabelValues(jt.ProcessingLogicID, classLabel).Inc()
			return c.billing.Release(ctx, q, job.CustomerID, job.EstimatedCostCents, &jobID)
		}

		nextAttemptAt := time.Now().UTC().Add(delay)
		if _, ok, err := c.store.ScheduleRetry(ctx, q, jobID, execErr.Error(), nextAttemptAt); err != nil {
			return err
		} else if !ok {
			return ledger.ErrConflict
		}
		metrics.JobsRetriedTotal.WithLabelValues(jt.ProcessingLogicID).Inc()
		return nil
	})
	if err != nil {
		return err
	}

	// Re-read to see the outcome the transaction committed, since the
	// decision isn't visible on the pre-transaction `job` snapshot.
	refreshed, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if refreshed.Status == ledger.JobPendingRetry && refreshed.NextAttemptAt != nil {
		if err := c.broker.Schedule(ctx, jobID, refreshed.Priority, *refreshed.NextAttemptAt); err != nil {
			c.logger.Error("dispatch: failed to schedule retry in broker", "job_id", jobID, "error", err)
			return &ledger.Transient{Err: err}
		}
	}
	return nil
}

// Cancel implements §4.3 Cancel.
func (c *Core) Cancel(ctx context.Context, jobID uuid.UUID) error {
	var job *ledger.Job
	err := c.store.WithTx(ctx, func(ctx context.Context, q ledger.Querier) error {
		current, err := c.store.GetJobForUpdate(ctx, q, jobID)
		if err != nil {
			return err
		}
		if current.Status == ledger.JobRunning {
			return ledger.ErrNotCancellable
		}
		cancelled, ok, err := c.store.CancelJob(ctx, q, jobID)
		if err != nil {
			return err
		}
		if !ok {
			return ledger.ErrNotCancellable
		}
		job = cancelled
		return c.billing.Release(ctx, q, job.CustomerID, job.EstimatedCostCents, &jobID)
	})
	if err != nil {
		return err
	}
	if rmErr := c.broker.Remove(ctx, jobID); rmErr != nil {
		c.logger.Warn("dispatch: best-effort broker removal failed", "job_id", jobID, "error", rmErr)
	}
	return nil
}
