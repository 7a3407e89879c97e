// Package runner implements the Runner Loop (§4.5): registration,
// heartbeat, the bounded-concurrency claim/execute/report cycle, and
// graceful draining. It depends only on the Dispatch Core's exported
// operations and the Ledger Store's runner bookkeeping — it never talks
// to the Queue Broker or Billing directly, matching the spec's framing
// that runners coordinate only through Dispatch.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobcore/internal/dispatch"
	"jobcore/internal/ledger"
)

// Result is what a Processor returns on success.
type Result struct {
	FinalCostCents int64
	Output         []byte
}

// ProcessorError is what a Processor returns on failure; Class decides
// whether Dispatch's Retry Core reschedules or terminates the job.
type ProcessorError struct {
	Class   ledger.ErrorClass
	Message string
}

func (e *ProcessorError) Error() string { return e.Message }

// Processor is a pure function of a job's input, resolved by
// processing_logic_id from the Registry at runner boot. This replaces
// reflective/factory-based dispatch with an explicit string-keyed map
// (§9 Design Notes, "Dynamic processor dispatch").
type Processor func(ctx context.Context, input []byte) (*Result, *ProcessorError)

// Registry maps processing_logic_id -> Processor, populated once at
// boot and read-only thereafter.
type Registry map[string]Processor

type Config struct {
	ID                 uuid.UUID
	Name               string
	CompatibleTypes    []string // processing_logic_id set; empty = accept all
	MaxConcurrentJobs  int
	HeartbeatInterval  time.Duration
	ClaimTimeout       time.Duration
	DrainGracePeriod   time.Duration
}

// Loop drives one runner process: register, heartbeat, claim/execute/
// report, and graceful drain on shutdown.
type Loop struct {
	cfg      Config
	dispatch *dispatch.Core
	store    *ledger.Store
	registry Registry
	logger   *slog.Logger

	draining chan struct{}
	drainOne sync.Once
	wg       sync.WaitGroup
}

func NewLoop(cfg Config, dispatchCore *dispatch.Core, store *ledger.Store, registry Registry, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}
	return &Loop{
		cfg:      cfg,
		dispatch: dispatchCore,
		store:    store,
		registry: registry,
		logger:   logger,
		draining: make(chan struct{}),
	}
}

// Register performs the registration step of §4.5's boot sequence. The
// upsert is keyed by runner name, not by id: when a row with this name
// already exists it keeps its stored id, and the loop adopts that id
// for its heartbeats and claims.
func (l *Loop) Register(ctx context.Context) error {
	r := &ledger.Runner{
		ID:                 l.cfg.ID,
		Name:               l.cfg.Name,
		Status:             ledger.RunnerActive,
		CompatibleJobTypes: l.cfg.CompatibleTypes,
	}
	if err := l.store.UpsertRunner(ctx, r); err != nil {
		return err
	}
	l.cfg.ID = r.ID
	return nil
}

// RunHeartbeat updates last_heartbeat every HeartbeatInterval until ctx
// is cancelled or Drain is called. H is required to be <=
// staleness_threshold/3 by the caller's config wiring (§5).
func (l *Loop) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.draining:
			_ = l.store.UpdateRunnerHeartbeat(ctx, l.cfg.ID, ledger.RunnerDraining)
			return
		case <-ticker.C:
			if err := l.store.UpdateRunnerHeartbeat(ctx, l.cfg.ID, ledger.RunnerActive); err != nil {
				l.logger.Error("runner: heartbeat failed", "runner_id", l.cfg.ID, "error", err)
			}
		}
	}
}

// Run starts MaxConcurrentJobs independent claim/execute/report slots,
// each looping until ctx is cancelled or Drain is called and the slot
// observes no more work. It blocks until every slot returns.
func (l *Loop) Run(ctx context.Context) {
	for i := 0; i < l.cfg.MaxConcurrentJobs; i++ {
		l.wg.Add(1)
		go l.slot(ctx, i)
	}
	l.wg.Wait()
}

func (l *Loop) slot(ctx context.Context, idx int) {
	defer l.wg.Done()
	for {
		select {
		case <-l.draining:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, ok, err := l.dispatch.Claim(ctx, l.cfg.ID, l.cfg.CompatibleTypes, ledger.Bands, l.cfg.ClaimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("runner: claim failed", "slot", idx, "error", err)
			continue
		}
		if !ok {
			continue // timed out with nothing ready; loop and re-check drain/ctx
		}

		l.execute(ctx, job)
	}
}

func (l *Loop) execute(ctx context.Context, job *ledger.Job) {
	jt, err := l.store.GetJobType(ctx, nil, job.JobTypeID)
	if err != nil {
		l.logger.Error("runner: failed to load job type for claimed job", "job_id", job.ID, "error", err)
		_ = l.dispatch.Fail(ctx, job.ID, &ledger.Transient{Err: err})
		return
	}

	proc, known := l.registry[jt.ProcessingLogicID]
	if !known {
		l.logger.Warn("runner: unknown processing_logic_id, failing job", "job_id", job.ID, "processing_logic_id", jt.ProcessingLogicID)
		_ = l.dispatch.Fail(ctx, job.ID, &ledger.Permanent{Err: errors.New("unknown processing_logic_id: " + jt.ProcessingLogicID)})
		return
	}

	result, procErr := proc(ctx, job.Input)
	if procErr != nil {
		var classified error
		if procErr.Class == ledger.ErrorClassPermanent {
			classified = &ledger.Permanent{Err: errors.New(procErr.Message)}
		} else {
			classified = &ledger.Transient{Err: errors.New(procErr.Message)}
		}
		if err := l.dispatch.Fail(ctx, job.ID, classified); err != nil {
			l.logger.Error("runner: failed to report failure", "job_id", job.ID, "error", err)
		}
		return
	}

	if err := l.dispatch.Complete(ctx, job.ID, result.FinalCostCents, result.Output); err != nil {
		l.logger.Error("runner: failed to report completion", "job_id", job.ID, "error", err)
	}
}

// Drain implements §4.5 step 5: stop claiming new work, let in-flight
// slots finish (bounded by DrainGracePeriod), then mark the runner
// Offline. RunHeartbeat stops on its own once draining begins, after
// reporting the Draining status.
func (l *Loop) Drain(ctx context.Context) {
	l.drainOne.Do(func() { close(l.draining) })

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(l.cfg.DrainGracePeriod):
		l.logger.Warn("runner: drain grace period elapsed with slots still in flight", "runner_id", l.cfg.ID)
	case <-ctx.Done():
	}

	if err := l.store.SetRunnerStatus(context.Background(), l.cfg.ID, ledger.RunnerOffline); err != nil {
		l.logger.Error("runner: failed to mark offline after drain", "runner_id", l.cfg.ID, "error", err)
	}
}
