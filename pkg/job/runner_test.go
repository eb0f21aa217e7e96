package job

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestCancelRegistryCancelsRegisteredFunc(t *testing.T) {
	reg := NewCancelRegistry()
	id := uuid.New()

	called := false
	_, cancel := context.WithCancel(context.Background())
	reg.register(id, func() { called = true; cancel() })

	if !reg.Cancel(id) {
		t.Fatal("Cancel: want true for a registered job")
	}
	if !called {
		t.Error("Cancel: cancel func was not invoked")
	}
}

func TestCancelRegistryUnknownJobReturnsFalse(t *testing.T) {
	reg := NewCancelRegistry()
	if reg.Cancel(uuid.New()) {
		t.Error("Cancel: want false for an unregistered job")
	}
}

func TestCancelRegistryUnregisterStopsFutureCancel(t *testing.T) {
	reg := NewCancelRegistry()
	id := uuid.New()

	calls := 0
	reg.register(id, func() { calls++ })
	reg.unregister(id)

	if reg.Cancel(id) {
		t.Error("Cancel: want false after unregister")
	}
	if calls != 0 {
		t.Errorf("cancel func invoked %d times, want 0", calls)
	}
}

func TestDecimalPtrRoundTrips(t *testing.T) {
	d := decimal.NewFromFloat(12.5)
	p := decimalPtr(d)
	if p == nil || !p.Equal(d) {
		t.Errorf("decimalPtr(%s) = %v, want pointer to same value", d, p)
	}
}
