// Package quota implements Quota & Admission (component C4): per-user
// concurrency, daily GPU-hour, daily cost, and allowed-GPU-type enforcement,
// plus the admission priority boost. Template expansion lives in pkg/template.
package quota

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wisbric/gpuorch/pkg/provider"
)

// ResourceQuota is a user's per-user limits. A missing row means "default
// quota" — Resolve always returns a usable value, falling back to Default.
type ResourceQuota struct {
	UserID                  uuid.UUID
	MaxConcurrentJobs       int
	MaxGPUHoursPerDay       decimal.Decimal
	MaxCostPerDayUSD        decimal.Decimal
	MaxInstancesPerProvider int
	AllowedGPUTypes         []string
	AllowedProviders        []string
	PriorityBoost           int
}

// Default is applied when a user has no explicit ResourceQuota row.
var Default = ResourceQuota{
	MaxConcurrentJobs:       5,
	MaxGPUHoursPerDay:       decimal.NewFromInt(24),
	MaxCostPerDayUSD:        decimal.NewFromInt(100),
	MaxInstancesPerProvider: 3,
	AllowedGPUTypes:         []string{"A100", "H100", "RTX4090", "RTX3090"},
	AllowedProviders:        []string{"runpod", "vast", "hyperscaler"},
	PriorityBoost:           0,
}

// allows reports whether value is present in allowed, or allowed is empty
// (empty means "no restriction").
func allows(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == value {
			return true
		}
	}
	return false
}

// EffectivePriority clamps priority - PriorityBoost into [1, 10].
func (q ResourceQuota) EffectivePriority(priority int) int {
	eff := priority - q.PriorityBoost
	if eff < 1 {
		return 1
	}
	if eff > 10 {
		return 10
	}
	return eff
}

// UsageProvider is the subset of pkg/job's Store that admission checks
// need. Declared here (rather than importing pkg/job) to avoid a package
// cycle: job.Store structurally satisfies this interface already.
type UsageProvider interface {
	CountNonTerminalByUser(ctx context.Context, userID uuid.UUID) (int, error)
	SumGPUHoursToday(ctx context.Context, userID uuid.UUID, since time.Time) (decimal.Decimal, error)
	SumCostToday(ctx context.Context, userID uuid.UUID, since time.Time) (decimal.Decimal, error)
}

// AdmissionRequest is what Check evaluates a candidate job against.
type AdmissionRequest struct {
	UserID            uuid.UUID
	GPUType           string
	GPUCountRequired  int
	MaxRuntimeMinutes int
	EstimatedCostUSD  decimal.Decimal
}

// AdmissionResult carries the effective priority computed by a successful
// admission, for the caller to persist on the Job row.
type AdmissionResult struct {
	EffectivePriority int
}

func startOfDay(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}

// projectedGPUHours is the projected GPU-hours this job would add:
// max_runtime_minutes/60 * gpu_count.
func projectedGPUHours(maxRuntimeMinutes, gpuCount int) decimal.Decimal {
	hours := decimal.NewFromInt(int64(maxRuntimeMinutes)).Div(decimal.NewFromInt(60))
	return hours.Mul(decimal.NewFromInt(int64(gpuCount)))
}

// Check runs every admission rule in spec §4.4 against req and quota,
// using usage to evaluate today's cumulative GPU-hours and cost. priority
// is the job's requested priority (1 highest..10 lowest) before boost.
func Check(ctx context.Context, usage UsageProvider, quota ResourceQuota, req AdmissionRequest, priority int) (AdmissionResult, error) {
	concurrent, err := usage.CountNonTerminalByUser(ctx, req.UserID)
	if err != nil {
		return AdmissionResult{}, provider.Wrap(provider.ClassDatabaseError, "counting non-terminal jobs", err)
	}
	if concurrent >= quota.MaxConcurrentJobs {
		return AdmissionResult{}, provider.New(provider.ClassQuotaExceeded, "max_concurrent_jobs exceeded")
	}

	since := startOfDay(time.Now())

	gpuHoursToday, err := usage.SumGPUHoursToday(ctx, req.UserID, since)
	if err != nil {
		return AdmissionResult{}, provider.Wrap(provider.ClassDatabaseError, "summing gpu hours", err)
	}
	projected := projectedGPUHours(req.MaxRuntimeMinutes, req.GPUCountRequired)
	if gpuHoursToday.Add(projected).GreaterThan(quota.MaxGPUHoursPerDay) {
		return AdmissionResult{}, provider.New(provider.ClassQuotaExceeded, "max_gpu_hours_per_day exceeded")
	}

	costToday, err := usage.SumCostToday(ctx, req.UserID, since)
	if err != nil {
		return AdmissionResult{}, provider.Wrap(provider.ClassDatabaseError, "summing daily cost", err)
	}
	if costToday.Add(req.EstimatedCostUSD).GreaterThan(quota.MaxCostPerDayUSD) {
		return AdmissionResult{}, provider.New(provider.ClassQuotaExceeded, "max_cost_per_day_usd exceeded")
	}

	if !allows(quota.AllowedGPUTypes, req.GPUType) {
		return AdmissionResult{}, provider.New(provider.ClassQuotaExceeded, "gpu_type not in allowed_gpu_types")
	}

	return AdmissionResult{EffectivePriority: quota.EffectivePriority(priority)}, nil
}

// AllowsProvider reports whether quota permits dispatch onto providerName.
// Check does not call it: callers use it to filter the adapter set for the
// admission-time cost estimate and for placement at dispatch, so a job whose
// allowed providers cannot serve it is still admitted and then fails at
// dispatch with NO_PLACEMENT.
func (q ResourceQuota) AllowsProvider(providerName string) bool {
	return allows(q.AllowedProviders, providerName)
}
