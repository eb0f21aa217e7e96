package quota

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wisbric/gpuorch/pkg/provider"
)

type fakeUsage struct {
	concurrent int
	gpuHours   decimal.Decimal
	cost       decimal.Decimal
	err        error
}

func (f *fakeUsage) CountNonTerminalByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	return f.concurrent, f.err
}
func (f *fakeUsage) SumGPUHoursToday(ctx context.Context, userID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	return f.gpuHours, f.err
}
func (f *fakeUsage) SumCostToday(ctx context.Context, userID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	return f.cost, f.err
}

func TestCheckRejectsOverConcurrency(t *testing.T) {
	q := Default
	q.MaxConcurrentJobs = 1
	usage := &fakeUsage{concurrent: 1}

	_, err := Check(context.Background(), usage, q, AdmissionRequest{GPUType: "A100", GPUCountRequired: 1, MaxRuntimeMinutes: 60}, 5)
	if err == nil {
		t.Fatal("expected quota rejection")
	}
	if provider.ClassOf(err) != provider.ClassQuotaExceeded {
		t.Errorf("class = %s, want QUOTA_EXCEEDED", provider.ClassOf(err))
	}
}

func TestCheckRejectsOverGPUHours(t *testing.T) {
	q := Default
	q.MaxGPUHoursPerDay = decimal.NewFromInt(1)
	usage := &fakeUsage{gpuHours: decimal.NewFromFloat(0.9)}

	_, err := Check(context.Background(), usage, q, AdmissionRequest{GPUType: "A100", GPUCountRequired: 1, MaxRuntimeMinutes: 60}, 5)
	if err == nil {
		t.Fatal("expected gpu-hours rejection")
	}
}

func TestCheckRejectsOverCost(t *testing.T) {
	q := Default
	q.MaxCostPerDayUSD = decimal.NewFromInt(10)
	usage := &fakeUsage{cost: decimal.NewFromInt(9)}

	_, err := Check(context.Background(), usage, q, AdmissionRequest{
		GPUType: "A100", GPUCountRequired: 1, MaxRuntimeMinutes: 60,
		EstimatedCostUSD: decimal.NewFromInt(5),
	}, 5)
	if err == nil {
		t.Fatal("expected cost rejection")
	}
}

func TestCheckRejectsDisallowedGPUType(t *testing.T) {
	q := Default
	q.AllowedGPUTypes = []string{"H100"}
	usage := &fakeUsage{}

	_, err := Check(context.Background(), usage, q, AdmissionRequest{GPUType: "A100", GPUCountRequired: 1, MaxRuntimeMinutes: 60}, 5)
	if err == nil {
		t.Fatal("expected gpu type rejection")
	}
}

func TestCheckAppliesPriorityBoost(t *testing.T) {
	q := Default
	q.PriorityBoost = 2
	usage := &fakeUsage{}

	result, err := Check(context.Background(), usage, q, AdmissionRequest{GPUType: "A100", GPUCountRequired: 1, MaxRuntimeMinutes: 60}, 5)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if result.EffectivePriority != 3 {
		t.Errorf("EffectivePriority = %d, want 3", result.EffectivePriority)
	}
}

func TestEffectivePriorityClamps(t *testing.T) {
	q := Default
	q.PriorityBoost = 10
	if got := q.EffectivePriority(5); got != 1 {
		t.Errorf("EffectivePriority = %d, want clamped to 1", got)
	}

	q.PriorityBoost = -10
	if got := q.EffectivePriority(5); got != 10 {
		t.Errorf("EffectivePriority = %d, want clamped to 10", got)
	}
}
