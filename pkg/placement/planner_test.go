package placement

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/wisbric/gpuorch/pkg/provider"
)

// testAdapter is a scripted provider.Adapter for exercising Plan's
// selection strategies without a network call.
type testAdapter struct {
	name          string
	enabled       bool
	priority      int
	hourlyPrice   float64
	available     int
	latencyMS     float64
	healthy       bool
	validationErr error
}

func (a *testAdapter) Name() string                     { return a.name }
func (a *testAdapter) Enabled() bool                     { return a.enabled }
func (a *testAdapter) Priority() int                     { return a.priority }
func (a *testAdapter) MaxHourlyCostUSD() decimal.Decimal { return decimal.NewFromInt(100) }

func (a *testAdapter) ListGPUOfferings(ctx context.Context) ([]provider.GPUOffering, error) {
	return []provider.GPUOffering{{
		GPUType:        "A100",
		HourlyPriceUSD: decimal.NewFromFloat(a.hourlyPrice),
		AvailableCount: a.available,
		Regions:        []string{"us-west"},
	}}, nil
}

func (a *testAdapter) EstimateCost(ctx context.Context, gpuType string, gpuCount, runtimeMinutes int) (decimal.Decimal, error) {
	hours := decimal.NewFromInt(int64(runtimeMinutes)).Div(decimal.NewFromInt(60))
	return decimal.NewFromFloat(a.hourlyPrice).Mul(decimal.NewFromInt(int64(gpuCount))).Mul(hours), nil
}

func (a *testAdapter) ValidateRequirements(ctx context.Context, job provider.JobRequirements, gpuType string, gpuCount int) error {
	return a.validationErr
}

func (a *testAdapter) CreateInstance(ctx context.Context, job provider.JobRequirements, gpuType string, gpuCount int, opts provider.InstanceOptions, idempotencyToken string) (*provider.ProviderInstance, error) {
	return nil, nil
}

func (a *testAdapter) TerminateInstance(ctx context.Context, providerInstanceID string) (bool, error) {
	return true, nil
}

func (a *testAdapter) GetInstanceStatus(ctx context.Context, providerInstanceID string) (provider.InstanceStatus, error) {
	return provider.InstanceRunning, nil
}

func (a *testAdapter) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	return provider.HealthStatus{Healthy: a.healthy, LatencyMS: a.latencyMS, OfferingsCount: 1}, nil
}

func baseRequest() Request {
	return Request{
		Job:             provider.JobRequirements{JobID: "job-1"},
		GPUType:         "A100",
		GPUCount:        2,
		MaxRuntimeMins:  60,
		EstimatedBudget: decimal.NewFromInt(100),
		Strategy:        CostOptimized,
	}
}

func TestPlanCheapestPlacement(t *testing.T) {
	adapters := []provider.Adapter{
		&testAdapter{name: "p1", enabled: true, hourlyPrice: 2.89, available: 4, healthy: true, latencyMS: 100},
		&testAdapter{name: "p2", enabled: true, hourlyPrice: 2.49, available: 4, healthy: true, latencyMS: 100},
	}
	req := baseRequest()

	placement, err := Plan(context.Background(), adapters, req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if placement.AdapterName != "p2" {
		t.Errorf("AdapterName = %q, want p2", placement.AdapterName)
	}
	want := decimal.NewFromFloat(4.98)
	if !placement.EstimatedCost.Equal(want) {
		t.Errorf("EstimatedCost = %s, want %s", placement.EstimatedCost, want)
	}
}

func TestPlanSkipsDisabledAdapters(t *testing.T) {
	adapters := []provider.Adapter{
		&testAdapter{name: "p1", enabled: false, hourlyPrice: 1.00, available: 4, healthy: true},
		&testAdapter{name: "p2", enabled: true, hourlyPrice: 5.00, available: 4, healthy: true},
	}
	req := baseRequest()

	placement, err := Plan(context.Background(), adapters, req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if placement.AdapterName != "p2" {
		t.Errorf("AdapterName = %q, want p2 (only enabled adapter)", placement.AdapterName)
	}
}

func TestPlanEnforcesBudgetGuard(t *testing.T) {
	adapters := []provider.Adapter{
		&testAdapter{name: "p1", enabled: true, hourlyPrice: 1000, available: 4, healthy: true},
	}
	req := baseRequest()
	req.EstimatedBudget = decimal.NewFromInt(1)

	_, err := Plan(context.Background(), adapters, req)
	if err != ErrNoPlacement {
		t.Fatalf("err = %v, want ErrNoPlacement", err)
	}
}

func TestPlanNoPlacementWhenAllValidationFails(t *testing.T) {
	adapters := []provider.Adapter{
		&testAdapter{name: "p1", enabled: true, validationErr: provider.New(provider.ClassValidation, "unsupported")},
	}
	req := baseRequest()

	_, err := Plan(context.Background(), adapters, req)
	if err != ErrNoPlacement {
		t.Fatalf("err = %v, want ErrNoPlacement", err)
	}
}

func TestPlanFastestAvailablePrefersAvailability(t *testing.T) {
	adapters := []provider.Adapter{
		&testAdapter{name: "p1", enabled: true, priority: 1, hourlyPrice: 1.0, available: 0, healthy: true},
		&testAdapter{name: "p2", enabled: true, priority: 2, hourlyPrice: 5.0, available: 4, healthy: true},
	}
	req := baseRequest()
	req.Strategy = FastestAvailable

	placement, err := Plan(context.Background(), adapters, req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if placement.AdapterName != "p2" {
		t.Errorf("AdapterName = %q, want p2 (only one with availability)", placement.AdapterName)
	}
}

func TestPlanPerformanceOptimizedPrefersLatency(t *testing.T) {
	adapters := []provider.Adapter{
		&testAdapter{name: "p1", enabled: true, hourlyPrice: 1.0, available: 4, healthy: true, latencyMS: 500},
		&testAdapter{name: "p2", enabled: true, hourlyPrice: 2.0, available: 4, healthy: true, latencyMS: 50},
	}
	req := baseRequest()
	req.Strategy = PerformanceOptimized

	placement, err := Plan(context.Background(), adapters, req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if placement.AdapterName != "p2" {
		t.Errorf("AdapterName = %q, want p2 (lowest latency)", placement.AdapterName)
	}
}
