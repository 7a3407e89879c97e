package retry

import (
	"errors"
	"testing"
	"time"

	"jobcore/internal/ledger"
)

func policy(maxAttempts, initial int, multiplier float64, max int) *ledger.RetryPolicy {
	return &ledger.RetryPolicy{
		MaxAttempts:            maxAttempts,
		InitialIntervalSeconds: initial,
		BackoffMultiplier:      multiplier,
		MaxIntervalSeconds:     max,
	}
}

func TestBackoffDelay_MatchesWorkedExample(t *testing.T) {
	p := policy(3, 2, 2.0, 60)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, c := range cases {
		got := BackoffDelay(p, c.attempt)
		if got != c.want {
			t.Errorf("BackoffDelay(attempt=%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBackoffDelay_ClampsToMaxInterval(t *testing.T) {
	p := policy(10, 10, 3.0, 30)
	got := BackoffDelay(p, 5) // 10 * 3^4 = 810s, should clamp to 30s
	if got != 30*time.Second {
		t.Errorf("BackoffDelay = %v, want clamped 30s", got)
	}
}

func TestDecide_TerminalWhenNoPolicy(t *testing.T) {
	outcome, _ := Decide(nil, ClassTransient, 1)
	if outcome != OutcomeTerminal {
		t.Fatalf("outcome = %v, want Terminal (no retry policy)", outcome)
	}
}

func TestDecide_TerminalWhenPermanent(t *testing.T) {
	p := policy(3, 2, 2.0, 60)
	outcome, _ := Decide(p, ClassPermanent, 1)
	if outcome != OutcomeTerminal {
		t.Fatalf("outcome = %v, want Terminal (permanent error)", outcome)
	}
}

func TestDecide_TerminalWhenAttemptsExhausted(t *testing.T) {
	p := policy(3, 2, 2.0, 60)
	outcome, _ := Decide(p, ClassTransient, 3)
	if outcome != OutcomeTerminal {
		t.Fatalf("outcome = %v, want Terminal at attempt_count == max_attempts", outcome)
	}
}

func TestDecide_ReschedulesWithinBudget(t *testing.T) {
	p := policy(3, 2, 2.0, 60)
	outcome, delay := Decide(p, ClassTransient, 1)
	if outcome != OutcomeReschedule {
		t.Fatalf("outcome = %v, want Reschedule", outcome)
	}
	if delay != 2*time.Second {
		t.Fatalf("delay = %v, want 2s", delay)
	}
}

func TestClassify_PreservesTypedClasses(t *testing.T) {
	if got := Classify(&ledger.Permanent{Err: errors.New("boom")}, 1, nil); got != ClassPermanent {
		t.Errorf("Classify(Permanent) = %v, want ClassPermanent", got)
	}
	if got := Classify(&ledger.Transient{Err: errors.New("boom")}, 1, nil); got != ClassTransient {
		t.Errorf("Classify(Transient) = %v, want ClassTransient", got)
	}
}

func TestClassify_UnclassifiedDefaultsTransientUnlessBudgetExhausted(t *testing.T) {
	p := policy(3, 2, 2.0, 60)
	if got := Classify(errors.New("weird db error"), 1, p); got != ClassTransient {
		t.Errorf("Classify(unknown, attempt 1) = %v, want ClassTransient", got)
	}
	if got := Classify(errors.New("weird db error"), 3, p); got != ClassPermanent {
		t.Errorf("Classify(unknown, attempt == max) = %v, want ClassPermanent (would exceed budget)", got)
	}
}
