package ledger

import "errors"

// Error taxonomy per the core's error handling design: every fallible
// operation returns one of these kinds (or wraps one with fmt.Errorf
// and %w). No component may convert a Permanent into a Transient or
// vice-versa without going through the retry classifier.
var (
	ErrUnknownCustomer   = errors.New("ledger: unknown customer")
	ErrUnknownJobType    = errors.New("ledger: unknown job type")
	ErrJobTypeDisabled   = errors.New("ledger: job type disabled")
	ErrUnknownJob        = errors.New("ledger: unknown job")
	ErrUnknownRunner     = errors.New("ledger: unknown runner")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrConflict          = errors.New("ledger: conflict")
	ErrNotCancellable    = errors.New("ledger: job not cancellable")
	ErrTimeout           = errors.New("ledger: operation timed out")
)

// Transient wraps a retryable infrastructure error (DB/broker unavailable,
// processor-declared transient failure).
type Transient struct{ Err error }

func (t *Transient) Error() string { return "transient: " + t.Err.Error() }
func (t *Transient) Unwrap() error { return t.Err }

// Permanent wraps a terminal execution error (processor-declared fatal,
// exceeded max_attempts, unknown processing_logic_id).
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return "permanent: " + p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// ErrorClass is the class a processor declares alongside its error, per
// §6's processor registry contract: "(error_class, message)". It is a
// narrower, persistence-free vocabulary than Transient/Permanent above,
// which runners translate it into before reporting through Dispatch.
type ErrorClass int

const (
	ErrorClassTransient ErrorClass = iota
	ErrorClassPermanent
)
