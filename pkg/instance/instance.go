// Package instance persists rented GPU instances and exposes the
// read/terminate HTTP surface over them. Lifecycle transitions themselves
// are driven by pkg/monitor (component C2); this package owns storage.
package instance

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wisbric/gpuorch/pkg/provider"
)

// Instance is a rented GPU box, uniquely identified by (provider,
// provider_instance_id).
type Instance struct {
	ID                   uuid.UUID
	Provider             string
	ProviderInstanceID   string
	GPUType              string
	GPUCount             int
	MemoryGB             int
	VCPUs                int
	StorageGB            int
	Status               provider.InstanceStatus
	PublicIP             *string
	PrivateIP            *string
	HourlyCostUSD        decimal.Decimal
	TotalCostUSD         decimal.Decimal
	DockerImage          string
	Region               string
	Preemptible          bool
	AutoTerminateMinutes *int
	CreatedAt            time.Time
	StartedAt            *time.Time
	StoppedAt            *time.Time
	LastHeartbeat        *time.Time
}

// AccrueCost returns hourly_cost_usd * (now-or-stopped_at - started_at) in
// hours, the monotone non-decreasing total_cost_usd invariant from spec §3.
func (i *Instance) AccrueCost(now time.Time) decimal.Decimal {
	if i.StartedAt == nil {
		return decimal.Zero
	}
	end := now
	if i.StoppedAt != nil {
		end = *i.StoppedAt
	}
	if end.Before(*i.StartedAt) {
		return decimal.Zero
	}
	hours := decimal.NewFromFloat(end.Sub(*i.StartedAt).Hours())
	return i.HourlyCostUSD.Mul(hours)
}

// HeartbeatStale reports whether LastHeartbeat is older than 2x pollInterval,
// the downgrade-to-FAILED condition from spec §4.2.
func (i *Instance) HeartbeatStale(now time.Time, pollInterval time.Duration) bool {
	if i.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*i.LastHeartbeat) > 2*pollInterval
}
