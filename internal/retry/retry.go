// Package retry implements the Retry Core's classification and backoff
// rules: deciding whether a failed job terminates or is rescheduled,
// and computing the delay before its next attempt. It is deliberately
// free of persistence and broker calls so it can be tested as pure
// functions, the way zenithpay-retry's decline classifier separates
// policy from the store and notifier it's wired to.
package retry

import (
	"math"
	"time"

	"jobcore/internal/ledger"
)

// Outcome is the decision the Retry Core hands back to Dispatch after a
// Fail call.
type Outcome int

const (
	// OutcomeTerminal means CAS Running -> Failed: no retry policy,
	// a Permanent error class, or attempt_count has reached max_attempts.
	OutcomeTerminal Outcome = iota
	// OutcomeReschedule means CAS Running -> PendingRetry with a
	// computed next_attempt_at.
	OutcomeReschedule
)

// Decide implements §4.4: on Permanent, or when no retry policy exists,
// or when attemptCount already reached max_attempts, the job terminates.
// Otherwise it is rescheduled after a computed delay.
func Decide(policy *ledger.RetryPolicy, class ErrorClass, attemptCount int) (Outcome, time.Duration) {
	if class == ClassPermanent || policy == nil {
		return OutcomeTerminal, 0
	}
	if attemptCount >= policy.MaxAttempts {
		return OutcomeTerminal, 0
	}
	return OutcomeReschedule, BackoffDelay(policy, attemptCount)
}

// BackoffDelay computes d = min(initial * multiplier^(attempt-1), max),
// per §4.4. attemptCount is the attempt that just failed (1-indexed,
// already incremented by Claim), matching the spec's worked example
// (attempt_count=1 -> delay ~= initial).
func BackoffDelay(policy *ledger.RetryPolicy, attemptCount int) time.Duration {
	exp := float64(attemptCount - 1)
	if exp < 0 {
		exp = 0
	}
	seconds := float64(policy.InitialIntervalSeconds) * math.Pow(policy.BackoffMultiplier, exp)
	maxSeconds := float64(policy.MaxIntervalSeconds)
	if maxSeconds > 0 && seconds > maxSeconds {
		seconds = maxSeconds
	}
	return time.Duration(seconds * float64(time.Second))
}

// ErrorClass mirrors the processor-declared class carried by a Fail call.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassPermanent
)

// Classify implements the implementer contract in §4.4: an error that is
// already typed as Transient or Permanent (via ledger.Transient /
// ledger.Permanent) keeps that class; anything else defaults to
// Transient unless the caller reports the attempt budget is already
// exhausted, in which case it is Permanent (so the job still terminates
// rather than looping forever on an unclassified error).
func Classify(err error, attemptCount int, policy *ledger.RetryPolicy) ErrorClass {
	switch err.(type) {
	case *ledger.Permanent:
		return ClassPermanent
	case *ledger.Transient:
		return ClassTransient
	}
	if policy != nil && attemptCount >= policy.MaxAttempts {
		return ClassPermanent
	}
	return ClassTransient
}
