// Package provider defines the uniform GPU cloud provider adapter contract
// (component C1) and ships three concrete adapters: runpod (GraphQL),
// vast (REST spot marketplace), and hyperscaler (AWS EC2/pricing).
package provider

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstanceStatus is the canonical instance lifecycle status every adapter
// must map its provider-specific states onto.
type InstanceStatus string

const (
	InstancePending    InstanceStatus = "PENDING"
	InstanceStarting   InstanceStatus = "STARTING"
	InstanceRunning    InstanceStatus = "RUNNING"
	InstanceStopping   InstanceStatus = "STOPPING"
	InstanceStopped    InstanceStatus = "STOPPED"
	InstanceTerminated InstanceStatus = "TERMINATED"
	InstanceFailed     InstanceStatus = "FAILED"
)

// Terminal reports whether the status admits no further transition.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceStopped, InstanceTerminated, InstanceFailed:
		return true
	default:
		return false
	}
}

// GPUOffering is one priced, available GPU configuration an adapter can
// fulfil, as returned by ListGPUOfferings. Snapshot freshness of 60s is
// acceptable per the adapter contract.
type GPUOffering struct {
	GPUType        string
	MemoryGB       int
	HourlyPriceUSD decimal.Decimal
	SpotPriceUSD   *decimal.Decimal
	AvailableCount int
	Regions        []string
}

// InstanceOptions is the closed options record for CreateInstance, replacing
// dynamic kwargs: only the named fields exist. The validator tags are declared
// here, but no code path in this module validates an InstanceOptions value;
// the Job Runner fills in only Region.
type InstanceOptions struct {
	Region          string `validate:"omitempty,max=64"`
	StorageGB       int    `validate:"omitempty,min=0,max=10000"`
	ContainerDiskGB int    `validate:"omitempty,min=0,max=10000"`
	UseSpot         bool
	APIEndpoint     string `validate:"omitempty,max=256"`
}

// ProviderInstance is what an adapter returns from a successful
// CreateInstance call — just enough to persist an Instance row.
type ProviderInstance struct {
	ProviderInstanceID string
	Status             InstanceStatus
	GPUType            string
	GPUCount           int
	MemoryGB           int
	VCPUs              int
	StorageGB          int
	HourlyCostUSD      decimal.Decimal
	PublicIP           string
	PrivateIP          string
	Region             string
	Preemptible        bool
	Metadata           map[string]string
	CreatedAt          time.Time
}

// HealthStatus is the result of an adapter health check, including the
// latency/offerings/error fields the original service surfaced.
type HealthStatus struct {
	Healthy        bool
	LatencyMS      float64
	OfferingsCount int
	Error          string
}

// ValidationFailureReason enumerates why ValidateRequirements rejected a
// candidate placement.
type ValidationFailureReason string

const (
	ReasonUnsupportedGPU          ValidationFailureReason = "UNSUPPORTED_GPU"
	ReasonInsufficientAvailability ValidationFailureReason = "INSUFFICIENT_AVAILABILITY"
	ReasonOverBudget              ValidationFailureReason = "OVER_BUDGET"
	ReasonProviderDisabled        ValidationFailureReason = "PROVIDER_DISABLED"
)

// JobRequirements is the subset of a Job's fields an adapter needs to
// validate and price a candidate placement, decoupled from pkg/job to avoid
// an import cycle.
type JobRequirements struct {
	JobID             string
	GPUTypeRequired   string
	GPUCountRequired  int
	MaxRuntimeMinutes int
	EstimatedBudget   decimal.Decimal
}
