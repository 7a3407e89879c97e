package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UpsertRunner registers a runner on startup, or re-registers it after a
// restart under the same name, resetting its status to Starting's
// immediate successor, Active, with a fresh heartbeat.
func (s *Store) UpsertRunner(ctx context.Context, r *Runner) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.LastHeartbeat.IsZero() {
		r.LastHeartbeat = time.Now().UTC()
	}

	const query = `
		INSERT INTO runners (id, name, status, compatible_job_types, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			status = EXCLUDED.status,
			compatible_job_types = EXCLUDED.compatible_job_types,
			last_heartbeat = EXCLUDED.last_heartbeat
		RETURNING id`

	return s.pool.QueryRow(ctx, query, r.ID, r.Name, r.Status,
		strings.Join(r.CompatibleJobTypes, ","), r.LastHeartbeat).Scan(&r.ID)
}

// UpdateRunnerHeartbeat bumps last_heartbeat and sets the reported
// status (Active/Idle while healthy, Draining once the runner starts
// refusing new claims).
func (s *Store) UpdateRunnerHeartbeat(ctx context.Context, id uuid.UUID, status RunnerStatus) error {
	const query = `UPDATE runners SET last_heartbeat = now(), status = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("update runner heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownRunner
	}
	return nil
}

func (s *Store) GetRunner(ctx context.Context, id uuid.UUID) (*Runner, error) {
	const query = `SELECT id, name, status, compatible_job_types, last_heartbeat FROM runners WHERE id = $1`
	var r Runner
	var compat string
	err := s.pool.QueryRow(ctx, query, id).Scan(&r.ID, &r.Name, &r.Status, &compat, &r.LastHeartbeat)
	if isNoRows(err) {
		return nil, ErrUnknownRunner
	}
	if err != nil {
		return nil, fmt.Errorf("get runner: %w", err)
	}
	r.CompatibleJobTypes = splitCompat(compat)
	return &r, nil
}

func (s *Store) ListRunners(ctx context.Context) ([]Runner, error) {
	const query = `SELECT id, name, status, compatible_job_types, last_heartbeat FROM runners ORDER BY name`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer rows.Close()

	var out []Runner
	for rows.Next() {
		var r Runner
		var compat string
		if err := rows.Scan(&r.ID, &r.Name, &r.Status, &compat, &r.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan runner: %w", err)
		}
		r.CompatibleJobTypes = splitCompat(compat)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRunnerStatus is used directly by the admin drain command and by the
// runner loop's own state machine on transitions that don't carry a
// heartbeat (e.g. Draining -> Offline once in-flight jobs finish).
func (s *Store) SetRunnerStatus(ctx context.Context, id uuid.UUID, status RunnerStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE runners SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("set runner status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownRunner
	}
	return nil
}

func splitCompat(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
