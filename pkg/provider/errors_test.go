package provider

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrClassTransient(t *testing.T) {
	tests := []struct {
		class     ErrClass
		transient bool
	}{
		{ClassProviderError, true},
		{ClassInsufficientResources, true},
		{ClassDatabaseError, true},
		{ClassValidation, false},
		{ClassQuotaExceeded, false},
		{ClassProviderPermanent, false},
		{ClassCancelled, false},
	}
	for _, tt := range tests {
		if got := tt.class.Transient(); got != tt.transient {
			t.Errorf("%s.Transient() = %v, want %v", tt.class, got, tt.transient)
		}
	}
}

func TestErrorWrapAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Wrap(ClassProviderError, "runpod create_instance", cause)

	if !errors.Is(err, err) {
		t.Fatal("error should be equal to itself via errors.Is")
	}
	if errors.Unwrap(err) != cause {
		t.Errorf("Unwrap() = %v, want %v", errors.Unwrap(err), cause)
	}

	var target *Error
	if !errors.As(err, &target) {
		t.Fatal("errors.As should find the wrapped *Error")
	}
	if target.Class != ClassProviderError {
		t.Errorf("Class = %s, want %s", target.Class, ClassProviderError)
	}
}

func TestErrorIsComparesByClass(t *testing.T) {
	a := New(ClassQuotaExceeded, "daily cost cap exceeded")
	b := New(ClassQuotaExceeded, "max concurrent jobs exceeded")
	c := New(ClassValidation, "unsupported gpu type")

	if !errors.Is(a, b) {
		t.Error("two errors of the same class should satisfy errors.Is")
	}
	if errors.Is(a, c) {
		t.Error("errors of different classes should not satisfy errors.Is")
	}
}

func TestClassOf(t *testing.T) {
	if got := ClassOf(nil); got != "" {
		t.Errorf("ClassOf(nil) = %q, want empty", got)
	}
	if got := ClassOf(errors.New("plain error")); got != ClassInternal {
		t.Errorf("ClassOf(plain) = %s, want %s", got, ClassInternal)
	}

	wrapped := fmt.Errorf("dispatch failed: %w", New(ClassTimeout, "instance never became ready"))
	if got := ClassOf(wrapped); got != ClassTimeout {
		t.Errorf("ClassOf(wrapped) = %s, want %s", got, ClassTimeout)
	}
}
