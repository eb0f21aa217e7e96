package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/wisbric/gpuorch/internal/db"
	"github.com/wisbric/gpuorch/pkg/provider"
)

// Store provides database operations for instances.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates an instance Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const instanceColumns = `id, provider, provider_instance_id, gpu_type, gpu_count, memory_gb, vcpus,
	storage_gb, status, public_ip, private_ip, hourly_cost_usd, total_cost_usd, docker_image,
	region, preemptible, auto_terminate_minutes, created_at, started_at, stopped_at, last_heartbeat`

func scanInstance(row pgx.Row) (Instance, error) {
	var i Instance
	var hourlyStr, totalStr string
	err := row.Scan(
		&i.ID, &i.Provider, &i.ProviderInstanceID, &i.GPUType, &i.GPUCount, &i.MemoryGB, &i.VCPUs,
		&i.StorageGB, &i.Status, &i.PublicIP, &i.PrivateIP, &hourlyStr, &totalStr, &i.DockerImage,
		&i.Region, &i.Preemptible, &i.AutoTerminateMinutes, &i.CreatedAt, &i.StartedAt, &i.StoppedAt, &i.LastHeartbeat,
	)
	if err != nil {
		return Instance{}, err
	}
	i.HourlyCostUSD, _ = decimal.NewFromString(hourlyStr)
	i.TotalCostUSD, _ = decimal.NewFromString(totalStr)
	return i, nil
}

func scanInstances(rows pgx.Rows) ([]Instance, error) {
	defer rows.Close()
	var out []Instance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning instance row: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// CreateParams is the set of fields Create persists, sourced from a
// successful provider.Adapter.CreateInstance call.
type CreateParams struct {
	Provider           string
	ProviderInstanceID string
	GPUType            string
	GPUCount           int
	MemoryGB           int
	VCPUs              int
	StorageGB          int
	Status             provider.InstanceStatus
	HourlyCostUSD      decimal.Decimal
	DockerImage        string
	Region             string
	Preemptible        bool
}

// Create inserts a new instance. The unique (provider, provider_instance_id)
// constraint enforces the instance-uniqueness invariant from spec §8.
func (s *Store) Create(ctx context.Context, p CreateParams) (Instance, error) {
	query := `INSERT INTO instances (
			provider, provider_instance_id, gpu_type, gpu_count, memory_gb, vcpus,
			storage_gb, status, hourly_cost_usd, total_cost_usd, docker_image, region, preemptible
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'0',$10,$11,$12)
		RETURNING ` + instanceColumns

	row := s.dbtx.QueryRow(ctx, query,
		p.Provider, p.ProviderInstanceID, p.GPUType, p.GPUCount, p.MemoryGB, p.VCPUs,
		p.StorageGB, p.Status, p.HourlyCostUSD.String(), p.DockerImage, p.Region, p.Preemptible,
	)
	return scanInstance(row)
}

// Get returns an instance by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE id = $1`
	return scanInstance(s.dbtx.QueryRow(ctx, query, id))
}

// List returns instances, optionally filtered by provider/status.
func (s *Store) List(ctx context.Context, providerName string, status *provider.InstanceStatus) ([]Instance, error) {
	where := "WHERE 1=1"
	args := []any{}
	argN := 0
	addArg := func(v any) string {
		argN++
		args = append(args, v)
		return fmt.Sprintf("$%d", argN)
	}
	if providerName != "" {
		where += " AND provider = " + addArg(providerName)
	}
	if status != nil {
		where += " AND status = " + addArg(*status)
	}

	query := `SELECT ` + instanceColumns + ` FROM instances ` + where + ` ORDER BY created_at DESC`
	rows, err := s.dbtx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	return scanInstances(rows)
}

// ListNonTerminal returns every instance not yet in a terminal status, the
// set the Instance Monitor (C2) must keep a polling task running for.
func (s *Store) ListNonTerminal(ctx context.Context) ([]Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances
		WHERE status NOT IN ('STOPPED', 'TERMINATED', 'FAILED')`
	rows, err := s.dbtx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing non-terminal instances: %w", err)
	}
	return scanInstances(rows)
}

// ListOrphans returns non-terminal instances with no job referencing them,
// for the Cleanup task's orphan-termination sweep.
func (s *Store) ListOrphans(ctx context.Context) ([]Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances i
		WHERE i.status NOT IN ('STOPPED', 'TERMINATED', 'FAILED')
		  AND NOT EXISTS (SELECT 1 FROM jobs j WHERE j.instance_id = i.id)`
	rows, err := s.dbtx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing orphan instances: %w", err)
	}
	return scanInstances(rows)
}

// UpdateStatus persists a lifecycle transition and optional side-effect
// fields (public/private IP on RUNNING, stopped_at on terminalisation).
type UpdateStatus struct {
	ID            uuid.UUID
	Status        provider.InstanceStatus
	PublicIP      *string
	PrivateIP     *string
	StartedAt     *time.Time
	StoppedAt     *time.Time
	LastHeartbeat *time.Time
	TotalCostUSD  *decimal.Decimal
}

// Transition applies a status update. Callers (C2) are solely responsible
// for calling this only with legal InstanceStatus transitions.
func (s *Store) Transition(ctx context.Context, u UpdateStatus) (Instance, error) {
	var totalCostArg any
	if u.TotalCostUSD != nil {
		totalCostArg = u.TotalCostUSD.String()
	}

	query := `UPDATE instances SET
			status = $1,
			public_ip = coalesce($2, public_ip),
			private_ip = coalesce($3, private_ip),
			started_at = coalesce($4, started_at),
			stopped_at = coalesce($5, stopped_at),
			last_heartbeat = coalesce($6, last_heartbeat),
			total_cost_usd = coalesce($7, total_cost_usd)
		WHERE id = $8
		RETURNING ` + instanceColumns

	row := s.dbtx.QueryRow(ctx, query,
		u.Status, u.PublicIP, u.PrivateIP, u.StartedAt, u.StoppedAt, u.LastHeartbeat, totalCostArg, u.ID,
	)
	return scanInstance(row)
}
