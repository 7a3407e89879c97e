package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (s *Store) InsertJob(ctx context.Context, q Querier, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO jobs (id, customer_id, job_type_id, project_id, status, priority, input,
			attempt_count, estimated_cost_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err := q.Exec(ctx, query, job.ID, job.CustomerID, job.JobTypeID, job.ProjectID, job.Status, job.Priority,
		job.Input, job.AttemptCount, job.EstimatedCostCents, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func scanJob(row interface {
	Scan(dest ...any) error
}) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.CustomerID, &j.JobTypeID, &j.ProjectID, &j.Status, &j.Priority, &j.Input, &j.Output,
		&j.LastError, &j.AttemptCount, &j.NextAttemptAt, &j.EstimatedCostCents, &j.FinalCostCents, &j.RunnerID,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

const jobColumns = `id, customer_id, job_type_id, project_id, status, priority, input, output,
	last_error, attempt_count, next_attempt_at, estimated_cost_cents, final_cost_cents, runner_id,
	created_at, started_at, completed_at`

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if isNoRows(err) {
		return nil, ErrUnknownJob
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *Store) GetJobForUpdate(ctx context.Context, q Querier, id uuid.UUID) (*Job, error) {
	row := q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
	j, err := scanJob(row)
	if isNoRows(err) {
		return nil, ErrUnknownJob
	}
	if err != nil {
		return nil, fmt.Errorf("get job for update: %w", err)
	}
	return j, nil
}

// ClaimJob performs the compare-and-set Pending -> Running bound to one
// runner (§4.3 Claim). Returns the updated job and true on success; on a
// CAS loss (already claimed, cancelled, etc.) it returns (nil, false, nil)
// so the caller can discard and retry the next broker id.
func (s *Store) ClaimJob(ctx context.Context, q Querier, jobID, runnerID uuid.UUID) (*Job, bool, error) {
	const query = `
		UPDATE jobs SET status = 'running', runner_id = $2, started_at = now(), attempt_count = attempt_count + 1
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + jobColumns

	row := q.QueryRow(ctx, query, jobID, runnerID)
	j, err := scanJob(row)
	if isNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim job: %w", err)
	}
	return j, true, nil
}

// CompleteJob performs Running -> Succeeded.
func (s *Store) CompleteJob(ctx context.Context, q Querier, jobID uuid.UUID, finalCostCents int64, output []byte) (*Job, bool, error) {
	const query = `
		UPDATE jobs SET status = 'succeeded', final_cost_cents = $2, output = $3, completed_at = now()
		WHERE id = $1 AND status = 'running'
		RETURNING ` + jobColumns

	row := q.QueryRow(ctx, query, jobID, finalCostCents, output)
	j, err := scanJob(row)
	if isNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("complete job: %w", err)
	}
	return j, true, nil
}

// FailJobTerminal performs Running -> Failed.
func (s *Store) FailJobTerminal(ctx context.Context, q Querier, jobID uuid.UUID, errMsg string) (*Job, bool, error) {
	const query = `
		UPDATE jobs SET status = 'failed', last_error = $2, completed_at = now()
		WHERE id = $1 AND status = 'running'
		RETURNING ` + jobColumns

	row := q.QueryRow(ctx, query, jobID, errMsg)
	j, err := scanJob(row)
	if isNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("fail job terminal: %w", err)
	}
	return j, true, nil
}

// ScheduleRetry performs Running -> PendingRetry, clearing runner_id.
func (s *Store) ScheduleRetry(ctx context.Context, q Querier, jobID uuid.UUID, errMsg string, nextAttemptAt time.Time) (*Job, bool, error) {
	const query = `
		UPDATE jobs SET status = 'pending_retry', last_error = $2, next_attempt_at = $3, runner_id = NULL
		WHERE id = $1 AND status = 'running'
		RETURNING ` + jobColumns

	row := q.QueryRow(ctx, query, jobID, errMsg, nextAttemptAt)
	j, err := scanJob(row)
	if isNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("schedule retry: %w", err)
	}
	return j, true, nil
}

// PromoteRetry performs PendingRetry -> Pending when the promoter decides
// the job's next_attempt_at is due.
func (s *Store) PromoteRetry(ctx context.Context, q Querier, jobID uuid.UUID) (*Job, bool, error) {
	const query = `
		UPDATE jobs SET status = 'pending', next_attempt_at = NULL
		WHERE id = $1 AND status = 'pending_retry'
		RETURNING ` + jobColumns

	row := q.QueryRow(ctx, query, jobID)
	j, err := scanJob(row)
	if isNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("promote retry: %w", err)
	}
	return j, true, nil
}

// CancelJob performs {Pending, PendingRetry} -> Cancelled.
func (s *Store) CancelJob(ctx context.Context, q Querier, jobID uuid.UUID) (*Job, bool, error) {
	const query = `
		UPDATE jobs SET status = 'cancelled', next_attempt_at = NULL, completed_at = now()
		WHERE id = $1 AND status IN ('pending', 'pending_retry')
		RETURNING ` + jobColumns

	row := q.QueryRow(ctx, query, jobID)
	j, err := scanJob(row)
	if isNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cancel job: %w", err)
	}
	return j, true, nil
}

// DeleteJob removes a job row outright; used only to reverse a Submit
// whose broker enqueue step failed after the row was inserted.
func (s *Store) DeleteJob(ctx context.Context, q Querier, jobID uuid.UUID) error {
	_, err := q.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// ListNonTerminalJobs returns every job in Pending or PendingRetry, for
// the reconciler to check against broker state on startup.
func (s *Store) ListNonTerminalJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status IN ('pending', 'pending_retry') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal jobs: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// ListStaleRunningJobs returns jobs in Running whose claiming runner's
// last_heartbeat predates the staleness cutoff.
func (s *Store) ListStaleRunningJobs(ctx context.Context, cutoff time.Time) ([]Job, error) {
	const query = `
		SELECT ` + jobColumnsPrefixed("j") + `
		FROM jobs j
		JOIN runners r ON r.id = j.runner_id
		WHERE j.status = 'running' AND r.last_heartbeat < $1`

	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale running jobs: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

func jobColumnsPrefixed(alias string) string {
	cols := []string{"id", "customer_id", "job_type_id", "project_id", "status", "priority", "input", "output",
		"last_error", "attempt_count", "next_attempt_at", "estimated_cost_cents", "final_cost_cents", "runner_id",
		"created_at", "started_at", "completed_at"}
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

func scanJobRows(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]Job, error) {
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
