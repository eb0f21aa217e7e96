package quota

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/wisbric/gpuorch/internal/db"
)

// Store provides database operations for resource_quotas.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a quota Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const quotaColumns = `user_id, max_concurrent_jobs, max_gpu_hours_per_day, max_cost_per_day_usd,
	max_instances_per_provider, allowed_gpu_types, allowed_providers, priority_boost`

func scanQuota(row pgx.Row) (ResourceQuota, error) {
	var q ResourceQuota
	var gpuHoursStr, costStr string
	err := row.Scan(
		&q.UserID, &q.MaxConcurrentJobs, &gpuHoursStr, &costStr,
		&q.MaxInstancesPerProvider, &q.AllowedGPUTypes, &q.AllowedProviders, &q.PriorityBoost,
	)
	if err != nil {
		return ResourceQuota{}, err
	}
	q.MaxGPUHoursPerDay, _ = decimal.NewFromString(gpuHoursStr)
	q.MaxCostPerDayUSD, _ = decimal.NewFromString(costStr)
	return q, nil
}

// Resolve returns userID's ResourceQuota row, or Default (with UserID set)
// when no row exists.
func (s *Store) Resolve(ctx context.Context, userID uuid.UUID) (ResourceQuota, error) {
	query := `SELECT ` + quotaColumns + ` FROM resource_quotas WHERE user_id = $1`
	q, err := scanQuota(s.dbtx.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			d := Default
			d.UserID = userID
			return d, nil
		}
		return ResourceQuota{}, err
	}
	return q, nil
}

// Upsert creates or replaces userID's quota row.
func (s *Store) Upsert(ctx context.Context, q ResourceQuota) (ResourceQuota, error) {
	query := `INSERT INTO resource_quotas (
			user_id, max_concurrent_jobs, max_gpu_hours_per_day, max_cost_per_day_usd,
			max_instances_per_provider, allowed_gpu_types, allowed_providers, priority_boost
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (user_id) DO UPDATE SET
			max_concurrent_jobs = excluded.max_concurrent_jobs,
			max_gpu_hours_per_day = excluded.max_gpu_hours_per_day,
			max_cost_per_day_usd = excluded.max_cost_per_day_usd,
			max_instances_per_provider = excluded.max_instances_per_provider,
			allowed_gpu_types = excluded.allowed_gpu_types,
			allowed_providers = excluded.allowed_providers,
			priority_boost = excluded.priority_boost
		RETURNING ` + quotaColumns

	row := s.dbtx.QueryRow(ctx, query,
		q.UserID, q.MaxConcurrentJobs, q.MaxGPUHoursPerDay.String(), q.MaxCostPerDayUSD.String(),
		q.MaxInstancesPerProvider, q.AllowedGPUTypes, q.AllowedProviders, q.PriorityBoost,
	)
	return scanQuota(row)
}
