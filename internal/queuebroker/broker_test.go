package queuebroker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"jobcore/internal/ledger"
)

// newTestBroker spins up an in-memory miniredis instance so the Queue
// Broker's ordering guarantees can be exercised without a real Redis
// server, grounded the way the wider example pack's go-redis-work-queue
// project pulls in alicebob/miniredis for its own queue tests.
func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, nil)
}

func TestEnqueue_FIFOWithinBand(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	first, second := uuid.New(), uuid.New()
	if err := b.Enqueue(ctx, first, ledger.PriorityLow); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	if err := b.Enqueue(ctx, second, ledger.PriorityLow); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	got, ok, err := b.BlockingPop(ctx, []ledger.Priority{ledger.PriorityLow}, time.Second)
	if err != nil || !ok {
		t.Fatalf("pop: ok=%v err=%v", ok, err)
	}
	if got != first {
		t.Fatalf("popped %s, want FIFO first %s", got, first)
	}
}

func TestBlockingPop_StrictPriorityAcrossBands(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	low1, low2, critical := uuid.New(), uuid.New(), uuid.New()
	if err := b.Enqueue(ctx, low1, ledger.PriorityLow); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(ctx, low2, ledger.PriorityLow); err != nil {
		t.Fatal(err)
	}
	if err := b.Enqueue(ctx, critical, ledger.PriorityCritical); err != nil {
		t.Fatal(err)
	}

	order := []uuid.UUID{}
	for i := 0; i < 3; i++ {
		id, ok, err := b.BlockingPop(ctx, ledger.Bands, time.Second)
		if err != nil || !ok {
			t.Fatalf("pop %d: ok=%v err=%v", i, ok, err)
		}
		order = append(order, id)
	}

	if order[0] != critical {
		t.Fatalf("first popped = %s, want critical job %s", order[0], critical)
	}
	if order[1] != low1 || order[2] != low2 {
		t.Fatalf("low-band order = %v, want FIFO [%s, %s]", order[1:], low1, low2)
	}
}

func TestBlockingPop_TimesOutWhenEmpty(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	_, ok, err := b.BlockingPop(ctx, ledger.Bands, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected timeout with no ready job, got a hit")
	}
}

func TestRemove_BestEffortAcrossBandsAndRetrySet(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	id := uuid.New()
	if err := b.Enqueue(ctx, id, ledger.PriorityMedium); err != nil {
		t.Fatal(err)
	}
	if err := b.Remove(ctx, id); err != nil {
		t.Fatalf("remove: %v", err)
	}

	_, ok, err := b.BlockingPop(ctx, []ledger.Priority{ledger.PriorityMedium}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected removed job to not be poppable")
	}
}

func TestSchedule_PromotesDueEntriesIntoTheirBand(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	id := uuid.New()
	if err := b.Schedule(ctx, id, ledger.PriorityHigh, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := b.promoteDue(ctx); err != nil {
		t.Fatalf("promote: %v", err)
	}

	got, ok, err := b.BlockingPop(ctx, []ledger.Priority{ledger.PriorityHigh}, time.Second)
	if err != nil || !ok {
		t.Fatalf("pop after promote: ok=%v err=%v", ok, err)
	}
	if got != id {
		t.Fatalf("popped %s, want promoted job %s", got, id)
	}
}
