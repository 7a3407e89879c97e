// Package queuebroker is the fast, non-durable path described by the
// Queue Broker: four priority-banded lists plus a delayed-retry sorted
// set, backed by Redis. Its key layout and LPush/RPop list usage are
// grounded in the same redis/go-redis/v9 idioms the wider example pack
// uses for job queues; it is not durable on its own — restart recovery
// is the Dispatch Reconciler's job (see internal/dispatch).
package queuebroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"jobcore/internal/ledger"
)

const (
	bandKeyPrefix    = "jobcore:band:"
	processingPrefix = "jobcore:claiming:"
	retrySetKey      = "jobcore:retries"
)

type Broker struct {
	client *redis.Client
	logger *slog.Logger
}

func New(client *redis.Client, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{client: client, logger: logger}
}

func bandKey(p ledger.Priority) string {
	return fmt.Sprintf("%s%d", bandKeyPrefix, p)
}

// Enqueue appends job_id to the tail of band priority.
func (b *Broker) Enqueue(ctx context.Context, jobID uuid.UUID, priority ledger.Priority) error {
	if err := b.client.LPush(ctx, bandKey(priority), jobID.String()).Err(); err != nil {
		return fmt.Errorf("queuebroker: enqueue: %w", err)
	}
	return nil
}

// BlockingPop polls bands in the given order, returning the first
// available job id, FIFO within a band. It blocks up to timeout and
// returns (uuid.Nil, false, nil) on timeout with no error.
//
// Each pass tries every band with a non-blocking RPop in priority
// order; when all are empty it sleeps up to 200ms and tries again, so a
// Critical job which arrives mid-wait is taken ahead of lower bands on
// the next pass. Passes repeat until the caller's timeout elapses.
func (b *Broker) BlockingPop(ctx context.Context, bands []ledger.Priority, timeout time.Duration) (uuid.UUID, bool, error) {
	deadline := time.Now().Add(timeout)
	const pollInterval = 200 * time.Millisecond

	for {
		for _, band := range bands {
			res, err := b.client.RPop(ctx, bandKey(band)).Result()
			if err == nil {
				id, perr := uuid.Parse(res)
				if perr != nil {
					b.logger.Warn("queuebroker: malformed id in band, dropping", "band", band, "raw", res)
					continue
				}
				return id, true, nil
			}
			if !errors.Is(err, redis.Nil) {
				return uuid.Nil, false, fmt.Errorf("queuebroker: pop band %d: %w", band, err)
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return uuid.Nil, false, nil
		}
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return uuid.Nil, false, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Requeue puts an id back at the tail of its band, used when a runner
// pops a job whose processing_logic_id it does not support.
func (b *Broker) Requeue(ctx context.Context, jobID uuid.UUID, priority ledger.Priority) error {
	return b.Enqueue(ctx, jobID, priority)
}

// Schedule places id in the delayed structure keyed by readyAt. A
// background Promoter moves due entries into their pending band.
func (b *Broker) Schedule(ctx context.Context, jobID uuid.UUID, priority ledger.Priority, readyAt time.Time) error {
	member := fmt.Sprintf("%d:%s", priority, jobID.String())
	err := b.client.ZAdd(ctx, retrySetKey, redis.Z{
		Score:  float64(readyAt.Unix()),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("queuebroker: schedule: %w", err)
	}
	return nil
}

// Remove does a best-effort removal from every band and the retry set,
// used on cancellation. Absence is not an error.
func (b *Broker) Remove(ctx context.Context, jobID uuid.UUID) error {
	pipe := b.client.TxPipeline()
	for _, band := range ledger.Bands {
		pipe.LRem(ctx, bandKey(band), 0, jobID.String())
		pipe.ZRem(ctx, retrySetKey, fmt.Sprintf("%d:%s", band, jobID.String()))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("queuebroker: remove: %w", err)
	}
	return nil
}

// Depth returns the number of job ids currently waiting in priority's
// band, for the reconciler's periodic queue-depth gauge.
func (b *Broker) Depth(ctx context.Context, priority ledger.Priority) (int64, error) {
	n, err := b.client.LLen(ctx, bandKey(priority)).Result()
	if err != nil {
		return 0, fmt.Errorf("queuebroker: depth band %d: %w", priority, err)
	}
	return n, nil
}

// RunPromoter polls the delayed retry set and moves due entries into
// their pending band until ctx is cancelled. cmd/api runs it as one
// background goroutine; cmd/worker does not start one (idempotent:
// moving an already-moved id is a harmless no-op on the ZSet side).
func (b *Broker) RunPromoter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.promoteDue(ctx); err != nil {
				b.logger.Error("queuebroker: promote due retries failed", "error", err)
			}
		}
	}
}

func (b *Broker) promoteDue(ctx context.Context) error {
	now := float64(time.Now().Unix())
	members, err := b.client.ZRangeByScore(ctx, retrySetKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return fmt.Errorf("scan due retries: %w", err)
	}

	for _, member := range members {
		var priority int
		var idStr string
		if _, err := fmt.Sscanf(member, "%d:%s", &priority, &idStr); err != nil {
			b.logger.Warn("queuebroker: malformed retry member, dropping", "member", member)
			_ = b.client.ZRem(ctx, retrySetKey, member).Err()
			continue
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			b.logger.Warn("queuebroker: malformed retry id, dropping", "member", member)
			_ = b.client.ZRem(ctx, retrySetKey, member).Err()
			continue
		}

		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, retrySetKey, member)
		pipe.LPush(ctx, bandKey(ledger.Priority(priority)), id.String())
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("promote %s: %w", id, err)
		}
	}
	return nil
}
