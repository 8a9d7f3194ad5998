package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Format(t *testing.T) {
	err := NewPreconditionError("operation already started", errors.New("started at 10:00")).
		WithResource(7).
		WithOperation(3).
		WithCode(ErrCodeOperationActive)

	got := err.Error()
	for _, want := range []string{"[precondition]", "resource=7", "operation=3", "started at 10:00"} {
		if !strings.Contains(got, want) {
			t.Errorf("Error() = %q, missing %q", got, want)
		}
	}
}

func TestError_ClassHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"rejected", NewRejectedError("already deployed", nil), IsRejected},
		{"precondition", NewPreconditionError("running", nil), IsPrecondition},
		{"not found", NewNotFoundError("missing", nil), IsNotFound},
		{"fatal", NewFatalError("wiring", nil), IsFatal},
		{"wrapped", fmt.Errorf("api: %w", NewNotFoundError("missing", nil)), IsNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("class helper returned false for %v", tt.err)
			}
		})
	}

	if IsRejected(errors.New("plain")) {
		t.Error("plain errors have no class")
	}
}

func TestError_IsMatchesClassAndCode(t *testing.T) {
	err := fmt.Errorf("cancel: %w", NewPreconditionError("x", nil).WithCode(ErrCodeOperationActive))

	if !errors.Is(err, &Error{Class: ErrorClassPrecondition, Code: ErrCodeOperationActive}) {
		t.Error("expected match on class and code")
	}
	if errors.Is(err, &Error{Class: ErrorClassPrecondition, Code: ErrCodeNotOrphaned}) {
		t.Error("different code must not match")
	}

	cause := errors.New("disk full")
	if !errors.Is(NewActionError("deploy failed", cause), cause) {
		t.Error("Unwrap should expose the cause")
	}
}
