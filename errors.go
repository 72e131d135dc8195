package receipt

import (
	"errors"
	"fmt"
)

// Kind classifies an Error into one of the five failure policies the
// system distinguishes: malformed input is rejected outright, integrity
// violations stop verification at the first failing phase (or synthesize
// an Incident during import), policy violations close the execution with
// a persisted Incident, transient-resource failures fall back or
// regenerate, and programmer errors fail fast.
type Kind int

const (
	// KindMalformed covers bad base64, wrong-length keys/signatures,
	// non-UTF-8 text, and unknown proof modes. The containing operation is
	// rejected with a structured error and nothing is persisted.
	KindMalformed Kind = iota
	// KindIntegrity covers chain mismatches, signature verification
	// failures, manifest hash mismatches, and attachment hash mismatches.
	KindIntegrity
	// KindPolicy covers projected or actual budget violations. A typed
	// Incident checkpoint is persisted and the execution is closed.
	KindPolicy
	// KindTransient covers recoverable infrastructure failures such as an
	// unavailable keystore backend or a missing secret; callers fall back
	// or regenerate rather than fail.
	KindTransient
	// KindProgrammer covers canonicalization bugs and broken invariants.
	// These must never be observed in a released binary.
	KindProgrammer
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed_input"
	case KindIntegrity:
		return "integrity_violation"
	case KindPolicy:
		return "policy_violation"
	case KindTransient:
		return "transient_resource"
	case KindProgrammer:
		return "programmer_error"
	default:
		return "unknown"
	}
}

// Error is the tagged error value every operation in this module returns:
// a machine-readable Kind plus a human-readable message. No code path in
// this module panics on a Kind other than KindProgrammer, and even then
// only via an explicit assertion helper, never an unrecovered panic from
// ordinary control flow.
type Error struct {
	Kind    Kind
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// Is reports whether target is a sentinel *Error of the same Kind with no
// message, so errors.Is(err, receipt.KindError(receipt.KindPolicy)) works
// regardless of the wrapped message or cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind && other.Message == ""
	}
	return false
}

// KindError returns a sentinel *Error carrying only a Kind, for use with
// errors.Is(err, receipt.KindError(receipt.KindPolicy)).
func KindError(k Kind) error { return &Error{Kind: k} }

// NewError constructs a tagged Error wrapping cause (which may be nil).
func NewError(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, err: cause}
}

// Sentinel errors for specific, frequently-checked conditions. These wrap
// into the Kind taxonomy above via errors.As.
var (
	// ErrNotFound indicates a lookup (run, checkpoint, project, attachment,
	// policy version) found no matching row.
	ErrNotFound = &Error{Kind: KindMalformed, Message: "not found"}

	// ErrBudgetExceeded indicates a per-step or post-hoc budget check
	// failed. Carried as the cause of the persisted Incident.
	ErrBudgetExceeded = &Error{Kind: KindPolicy, Message: "budget exceeded"}

	// ErrBudgetProjectionExceeded indicates the run-wide projected budget
	// check failed before a step was attempted.
	ErrBudgetProjectionExceeded = &Error{Kind: KindPolicy, Message: "budget projection exceeded"}

	// ErrChainMismatch indicates a recomputed curr_chain does not match the
	// persisted value at some index.
	ErrChainMismatch = &Error{Kind: KindIntegrity, Message: "hash chain mismatch"}

	// ErrSignatureInvalid indicates an Ed25519 signature failed to verify.
	ErrSignatureInvalid = &Error{Kind: KindIntegrity, Message: "signature verification failed"}

	// ErrKeystoreUnavailable indicates the OS keyring backend could not be
	// probed successfully; callers should fall back transparently.
	ErrKeystoreUnavailable = &Error{Kind: KindTransient, Message: "keystore backend unavailable"}

	// ErrNoSecret indicates load_secret found no entry for a project,
	// distinguishable from other keystore failures so callers can
	// regenerate a key pair.
	ErrNoSecret = &Error{Kind: KindTransient, Message: "no secret entry"}

	// ErrEmptyTranscript indicates finalize_interactive was called before
	// any turn was submitted.
	ErrEmptyTranscript = &Error{Kind: KindMalformed, Message: "interactive transcript is empty"}

	// ErrExecutionClosed indicates an attempt to append to an execution
	// that already halted on an Incident.
	ErrExecutionClosed = &Error{Kind: KindPolicy, Message: "execution closed by a prior incident"}
)

// assertInvariant panics with a programmer-error Error if cond is false.
// Reserved for invariants that must never be false in a released binary —
// e.g. a canonicalization round-trip failing on a type this package
// controls.
func assertInvariant(cond bool, message string) {
	if !cond {
		panic(&Error{Kind: KindProgrammer, Message: message})
	}
}
