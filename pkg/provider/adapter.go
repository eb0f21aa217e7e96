package provider

import (
	"context"

	"github.com/shopspring/decimal"
)

// ProviderConfig is the closed configuration record each concrete adapter
// is constructed from, sourced from internal/config.Config provider fields.
type ProviderConfig struct {
	Enabled          bool
	Priority         int
	MaxHourlyCostUSD decimal.Decimal
}

// Adapter is the uniform interface to one GPU cloud (component C1). Each
// concrete adapter (runpod, vast, hyperscaler) maps its provider's wire
// protocol onto this contract.
type Adapter interface {
	// Name returns the adapter's provider identifier, e.g. "runpod".
	Name() string

	// Enabled reports whether this adapter's ProviderConfig permits use.
	Enabled() bool

	// Priority is the configured tiebreak value; lower sorts first.
	Priority() int

	// MaxHourlyCostUSD is the configured per-instance cost ceiling.
	MaxHourlyCostUSD() decimal.Decimal

	// ListGPUOfferings returns the adapter's current priced offerings.
	// Callers should go through a PriceCache rather than call this on
	// every request.
	ListGPUOfferings(ctx context.Context) ([]GPUOffering, error)

	// EstimateCost must be monotone in gpuCount and runtimeMinutes.
	EstimateCost(ctx context.Context, gpuType string, gpuCount int, runtimeMinutes int) (decimal.Decimal, error)

	// ValidateRequirements reports whether this adapter can fulfil the
	// request, returning a *Error with a ValidationFailureReason-derived
	// message when it cannot.
	ValidateRequirements(ctx context.Context, job JobRequirements, gpuType string, gpuCount int) error

	// CreateInstance rents a GPU instance. idempotencyToken is derived
	// from job.id by the caller so retries do not double-provision.
	CreateInstance(ctx context.Context, job JobRequirements, gpuType string, gpuCount int, opts InstanceOptions, idempotencyToken string) (*ProviderInstance, error)

	// TerminateInstance requests termination. Returning true means the
	// provider accepted the intent; final status flows through
	// GetInstanceStatus. Idempotent.
	TerminateInstance(ctx context.Context, providerInstanceID string) (bool, error)

	// GetInstanceStatus polls current status, mapped onto the canonical set.
	GetInstanceStatus(ctx context.Context, providerInstanceID string) (InstanceStatus, error)

	// HealthCheck reports adapter reachability and offering count.
	HealthCheck(ctx context.Context) (HealthStatus, error)
}
