package receipt

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorStringIncludesCause(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(KindIntegrity, "chain broke", cause)
	msg := err.Error()
	if !strings.Contains(msg, "integrity_violation") || !strings.Contains(msg, "chain broke") || !strings.Contains(msg, "boom") {
		t.Fatalf("Error() = %q, missing expected components", msg)
	}
}

func TestErrorStringWithoutCause(t *testing.T) {
	err := NewError(KindMalformed, "bad input", nil)
	msg := err.Error()
	if !strings.Contains(msg, "malformed_input") || !strings.Contains(msg, "bad input") {
		t.Fatalf("Error() = %q, missing expected components", msg)
	}
}

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := NewError(KindPolicy, "budget blown", ErrBudgetExceeded)
	if !errors.Is(err, KindError(KindPolicy)) {
		t.Fatal("expected errors.Is to match by Kind via the sentinel")
	}
	if errors.Is(err, KindError(KindIntegrity)) {
		t.Fatal("expected errors.Is to not match a different Kind")
	}
}

func TestErrorsIsUnwrapsCause(t *testing.T) {
	err := NewError(KindIntegrity, "wrap", ErrChainMismatch)
	if !errors.Is(err, ErrChainMismatch) {
		t.Fatal("expected errors.Is to find the wrapped sentinel cause")
	}
}

func TestKindStringKnownValues(t *testing.T) {
	cases := map[Kind]string{
		KindMalformed:  "malformed_input",
		KindIntegrity:  "integrity_violation",
		KindPolicy:     "policy_violation",
		KindTransient:  "transient_resource",
		KindProgrammer: "programmer_error",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestAssertInvariantPanicsOnFalse(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected assertInvariant to panic when cond is false")
		}
		if _, ok := r.(*Error); !ok {
			t.Fatalf("expected panic value to be *Error, got %T", r)
		}
	}()
	assertInvariant(false, "should never happen")
}

func TestAssertInvariantDoesNotPanicOnTrue(t *testing.T) {
	assertInvariant(true, "fine")
}

