package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

func (s *Store) CreateJobType(ctx context.Context, jt *JobType) error {
	if jt.ID == uuid.Nil {
		jt.ID = uuid.New()
	}
	var maxAttempts, initialInterval, maxInterval *int
	var multiplier *float64
	if jt.RetryPolicy != nil {
		maxAttempts = &jt.RetryPolicy.MaxAttempts
		initialInterval = &jt.RetryPolicy.InitialIntervalSeconds
		maxInterval = &jt.RetryPolicy.MaxIntervalSeconds
		multiplier = &jt.RetryPolicy.BackoffMultiplier
	}

	const query = `
		INSERT INTO job_types (id, name, processing_logic_id, processor_type, standard_cost_cents, enabled,
			retry_max_attempts, retry_initial_interval_seconds, retry_backoff_multiplier, retry_max_interval_seconds)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err := s.pool.Exec(ctx, query, jt.ID, jt.Name, jt.ProcessingLogicID, jt.ProcessorType, jt.StandardCostCents, jt.Enabled,
		maxAttempts, initialInterval, multiplier, maxInterval)
	if err != nil {
		return fmt.Errorf("create job type: %w", err)
	}
	return nil
}

func (s *Store) SetJobTypeEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE job_types SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("set job type enabled: %w", err)
	}
	return nil
}

func (s *Store) GetJobType(ctx context.Context, q Querier, id uuid.UUID) (*JobType, error) {
	if q == nil {
		q = s.pool
	}
	const query = `
		SELECT id, name, processing_logic_id, processor_type, standard_cost_cents, enabled,
			retry_max_attempts, retry_initial_interval_seconds, retry_backoff_multiplier, retry_max_interval_seconds
		FROM job_types WHERE id = $1`

	var jt JobType
	var maxAttempts, initialInterval, maxInterval *int
	var multiplier *float64
	err := q.QueryRow(ctx, query, id).Scan(&jt.ID, &jt.Name, &jt.ProcessingLogicID, &jt.ProcessorType,
		&jt.StandardCostCents, &jt.Enabled, &maxAttempts, &initialInterval, &multiplier, &maxInterval)
	if isNoRows(err) {
		return nil, ErrUnknownJobType
	}
	if err != nil {
		return nil, fmt.Errorf("get job type: %w", err)
	}
	if maxAttempts != nil {
		jt.RetryPolicy = &RetryPolicy{
			MaxAttempts:            *maxAttempts,
			InitialIntervalSeconds: *initialInterval,
			BackoffMultiplier:      *multiplier,
			MaxIntervalSeconds:     *maxInterval,
		}
	}
	return &jt, nil
}

func (s *Store) ListJobTypes(ctx context.Context) ([]JobType, error) {
	const query = `SELECT id, name, processing_logic_id, processor_type, standard_cost_cents, enabled FROM job_types ORDER BY name`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list job types: %w", err)
	}
	defer rows.Close()

	var out []JobType
	for rows.Next() {
		var jt JobType
		if err := rows.Scan(&jt.ID, &jt.Name, &jt.ProcessingLogicID, &jt.ProcessorType, &jt.StandardCostCents, &jt.Enabled); err != nil {
			return nil, fmt.Errorf("scan job type: %w", err)
		}
		out = append(out, jt)
	}
	return out, rows.Err()
}
