package provider

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

type fakeAdapter struct {
	name    string
	enabled bool
}

func (f *fakeAdapter) Name() string                     { return f.name }
func (f *fakeAdapter) Enabled() bool                     { return f.enabled }
func (f *fakeAdapter) Priority() int                     { return 0 }
func (f *fakeAdapter) MaxHourlyCostUSD() decimal.Decimal { return decimal.NewFromInt(10) }
func (f *fakeAdapter) ListGPUOfferings(ctx context.Context) ([]GPUOffering, error) { return nil, nil }
func (f *fakeAdapter) EstimateCost(ctx context.Context, gpuType string, gpuCount, runtimeMinutes int) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeAdapter) ValidateRequirements(ctx context.Context, job JobRequirements, gpuType string, gpuCount int) error {
	return nil
}
func (f *fakeAdapter) CreateInstance(ctx context.Context, job JobRequirements, gpuType string, gpuCount int, opts InstanceOptions, idempotencyToken string) (*ProviderInstance, error) {
	return nil, nil
}
func (f *fakeAdapter) TerminateInstance(ctx context.Context, providerInstanceID string) (bool, error) {
	return true, nil
}
func (f *fakeAdapter) GetInstanceStatus(ctx context.Context, providerInstanceID string) (InstanceStatus, error) {
	return InstanceRunning, nil
}
func (f *fakeAdapter) HealthCheck(ctx context.Context) (HealthStatus, error) {
	return HealthStatus{Healthy: true}, nil
}

func TestRegistryGetAndAll(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeAdapter{name: "runpod", enabled: true})
	r.Register(&fakeAdapter{name: "vast", enabled: false})

	if _, ok := r.Get("runpod"); !ok {
		t.Fatal("expected runpod to be registered")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("expected missing provider to not be found")
	}
	if len(r.All()) != 2 {
		t.Fatalf("All() len = %d, want 2", len(r.All()))
	}
}

func TestRegistryEnabled(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeAdapter{name: "runpod", enabled: true})
	r.Register(&fakeAdapter{name: "vast", enabled: false})
	r.Register(&fakeAdapter{name: "hyperscaler", enabled: true})

	enabled := r.Enabled()
	if len(enabled) != 2 {
		t.Fatalf("Enabled() len = %d, want 2", len(enabled))
	}
	for _, a := range enabled {
		if a.Name() == "vast" {
			t.Error("vast should not appear in Enabled()")
		}
	}
}

func TestRegistryRegisterOverwrites(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeAdapter{name: "runpod", enabled: false})
	r.Register(&fakeAdapter{name: "runpod", enabled: true})

	a, ok := r.Get("runpod")
	if !ok {
		t.Fatal("expected runpod registered")
	}
	if !a.Enabled() {
		t.Error("second Register call should have replaced the first")
	}
	if len(r.All()) != 1 {
		t.Fatalf("All() len = %d, want 1 after overwrite", len(r.All()))
	}
}
