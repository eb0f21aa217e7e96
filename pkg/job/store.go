package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/wisbric/gpuorch/internal/db"
)

// Store provides database operations for jobs.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a job Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const jobColumns = `id, user_id, job_type, model_name, priority, effective_priority, priority_boost,
	gpu_type_required, gpu_count_required, memory_gb_required, max_runtime_minutes,
	input, output, error_message, status, progress_percent, template_name,
	created_at, assigned_at, started_at, completed_at, estimated_completion_at,
	estimated_cost_usd, actual_cost_usd, retry_count, max_retries, instance_id, updated_at`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	var instanceID pgtype.UUID
	var output []byte
	var estCostStr, actCostStr string

	err := row.Scan(
		&j.ID, &j.UserID, &j.JobType, &j.ModelName, &j.Priority, &j.EffectivePriority, &j.PriorityBoost,
		&j.GPUTypeRequired, &j.GPUCountRequired, &j.MemoryGBRequired, &j.MaxRuntimeMinutes,
		&j.Input, &output, &j.ErrorMessage, &j.Status, &j.ProgressPercent, &j.TemplateName,
		&j.CreatedAt, &j.AssignedAt, &j.StartedAt, &j.CompletedAt, &j.EstimatedCompletionAt,
		&estCostStr, &actCostStr, &j.RetryCount, &j.MaxRetries, &instanceID, &j.UpdatedAt,
	)
	if err != nil {
		return Job{}, err
	}

	if instanceID.Valid {
		id := uuid.UUID(instanceID.Bytes)
		j.InstanceID = &id
	}
	if len(output) > 0 {
		j.Output = json.RawMessage(output)
	}
	j.EstimatedCostUSD, _ = decimal.NewFromString(estCostStr)
	j.ActualCostUSD, _ = decimal.NewFromString(actCostStr)
	return j, nil
}

func scanJobs(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CreateParams is the full set of fields Create persists; callers (the
// admission Service) populate every field rather than relying on partial
// defaults at the store layer.
type CreateParams struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	JobType           Type
	ModelName         string
	Priority          int
	EffectivePriority int
	PriorityBoost     int
	GPUTypeRequired   string
	GPUCountRequired  int
	MemoryGBRequired  int
	MaxRuntimeMinutes int
	Input             json.RawMessage
	TemplateName      *string
	EstimatedCostUSD  decimal.Decimal
	MaxRetries        int
}

// Create inserts a new job with status QUEUED.
func (s *Store) Create(ctx context.Context, p CreateParams) (Job, error) {
	query := `INSERT INTO jobs (
		id, user_id, job_type, model_name, priority, effective_priority, priority_boost,
		gpu_type_required, gpu_count_required, memory_gb_required, max_runtime_minutes,
		input, status, progress_percent, template_name,
		estimated_cost_usd, actual_cost_usd, retry_count, max_retries
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,'QUEUED',0,$13,$14,'0',0,$15)
	RETURNING ` + jobColumns

	row := s.dbtx.QueryRow(ctx, query,
		p.ID, p.UserID, p.JobType, p.ModelName, p.Priority, p.EffectivePriority, p.PriorityBoost,
		p.GPUTypeRequired, p.GPUCountRequired, p.MemoryGBRequired, p.MaxRuntimeMinutes,
		p.Input, p.TemplateName, p.EstimatedCostUSD.String(), p.MaxRetries,
	)
	return scanJob(row)
}

// Get returns a job by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	return scanJob(s.dbtx.QueryRow(ctx, query, id))
}

// GetByInstanceID returns the job currently holding instanceID, for
// reattaching a Job Runner goroutine to an in-flight instance after a
// process restart.
func (s *Store) GetByInstanceID(ctx context.Context, instanceID uuid.UUID) (Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE instance_id = $1`
	return scanJob(s.dbtx.QueryRow(ctx, query, instanceID))
}

// ListFilters restricts List to jobs matching the given (optional) fields.
type ListFilters struct {
	UserID *uuid.UUID
	Status *Status
}

// List returns jobs matching filters, most recent first.
func (s *Store) List(ctx context.Context, f ListFilters, limit, offset int) ([]Job, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	argN := 0
	addArg := func(v any) string {
		argN++
		args = append(args, v)
		return fmt.Sprintf("$%d", argN)
	}

	if f.UserID != nil {
		where += " AND user_id = " + addArg(*f.UserID)
	}
	if f.Status != nil {
		where += " AND status = " + addArg(*f.Status)
	}

	var total int
	countQuery := `SELECT count(*) FROM jobs ` + where
	if err := s.dbtx.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs ` + where +
		` ORDER BY created_at DESC LIMIT ` + addArg(limit) + ` OFFSET ` + addArg(offset)
	rows, err := s.dbtx.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing jobs: %w", err)
	}
	items, err := scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListQueued returns QUEUED jobs ordered by (effective_priority ASC,
// created_at ASC), the scheduler loop's dispatch order per spec §4.6.
func (s *Store) ListQueued(ctx context.Context, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'QUEUED'
		ORDER BY effective_priority ASC, created_at ASC
		LIMIT $1`
	rows, err := s.dbtx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing queued jobs: %w", err)
	}
	return scanJobs(rows)
}

// CountNonTerminalByUser returns how many of user's jobs are QUEUED,
// ASSIGNED, or RUNNING — the per-user concurrency quota's live count.
func (s *Store) CountNonTerminalByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	query := `SELECT count(*) FROM jobs WHERE user_id = $1 AND status IN ('QUEUED','ASSIGNED','RUNNING')`
	var n int
	err := s.dbtx.QueryRow(ctx, query, userID).Scan(&n)
	return n, err
}

// CountQueued returns count(jobs where status = QUEUED), the live count
// against the backpressure soft cap in spec §5.
func (s *Store) CountQueued(ctx context.Context) (int, error) {
	query := `SELECT count(*) FROM jobs WHERE status = 'QUEUED'`
	var n int
	err := s.dbtx.QueryRow(ctx, query).Scan(&n)
	return n, err
}

// CountGlobalActive returns count(jobs where status IN (ASSIGNED, RUNNING)),
// the global concurrency cap's live count per spec §8.
func (s *Store) CountGlobalActive(ctx context.Context) (int, error) {
	query := `SELECT count(*) FROM jobs WHERE status IN ('ASSIGNED','RUNNING')`
	var n int
	err := s.dbtx.QueryRow(ctx, query).Scan(&n)
	return n, err
}

// SumGPUHoursToday returns the sum over user's COMPLETED jobs today of
// runtime_hours * gpu_count, for the daily GPU-hours admission check.
func (s *Store) SumGPUHoursToday(ctx context.Context, userID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	query := `SELECT coalesce(sum(
			extract(epoch from (completed_at - started_at)) / 3600.0 * gpu_count_required
		), 0)
		FROM jobs
		WHERE user_id = $1 AND status = 'COMPLETED' AND started_at IS NOT NULL
		  AND completed_at IS NOT NULL AND completed_at >= $2`
	var hours float64
	if err := s.dbtx.QueryRow(ctx, query, userID, since).Scan(&hours); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(hours), nil
}

// SumCostToday returns the sum of actual_cost_usd over the user's jobs
// completed since `since`, for the daily cost admission check.
func (s *Store) SumCostToday(ctx context.Context, userID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	query := `SELECT coalesce(sum(actual_cost_usd::numeric), 0)
		FROM jobs
		WHERE user_id = $1 AND status = 'COMPLETED' AND completed_at >= $2`
	var total string
	if err := s.dbtx.QueryRow(ctx, query, userID, since).Scan(&total); err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(total)
	if err != nil {
		return decimal.Zero, nil
	}
	return d, nil
}

// UpdateStatus performs a state transition, writing the new status plus
// whichever side-effect fields are non-nil, guarded by optimistic
// concurrency on updated_at so two loops cannot transition the same job.
type UpdateStatus struct {
	ID                    uuid.UUID
	ExpectedUpdatedAt     time.Time
	Status                Status
	ErrorMessage          *string
	ProgressPercent       *int
	Output                json.RawMessage
	AssignedAt            *time.Time
	StartedAt             *time.Time
	CompletedAt           *time.Time
	EstimatedCompletionAt *time.Time
	ActualCostUSD         *decimal.Decimal
	InstanceID            *uuid.UUID
	RetryCount            *int
	EffectivePriority     *int
}

// ErrOptimisticLock is returned by Transition when the row's updated_at no
// longer matches ExpectedUpdatedAt — another task already transitioned it.
var ErrOptimisticLock = fmt.Errorf("job row changed concurrently")

// Transition applies an UpdateStatus under an optimistic-concurrency guard.
func (s *Store) Transition(ctx context.Context, u UpdateStatus) (Job, error) {
	var instanceIDArg any
	if u.InstanceID != nil {
		instanceIDArg = *u.InstanceID
	}
	var actualCostArg any
	if u.ActualCostUSD != nil {
		actualCostArg = u.ActualCostUSD.String()
	}

	query := `UPDATE jobs SET
			status = $1,
			error_message = coalesce($2, error_message),
			progress_percent = coalesce($3, progress_percent),
			output = coalesce($4, output),
			assigned_at = coalesce($5, assigned_at),
			started_at = coalesce($6, started_at),
			completed_at = coalesce($7, completed_at),
			estimated_completion_at = coalesce($8, estimated_completion_at),
			actual_cost_usd = coalesce($9, actual_cost_usd),
			instance_id = coalesce($10, instance_id),
			retry_count = coalesce($11, retry_count),
			effective_priority = coalesce($12, effective_priority),
			updated_at = now()
		WHERE id = $13 AND updated_at = $14
		RETURNING ` + jobColumns

	row := s.dbtx.QueryRow(ctx, query,
		u.Status, u.ErrorMessage, u.ProgressPercent, nullableJSON(u.Output),
		u.AssignedAt, u.StartedAt, u.CompletedAt, u.EstimatedCompletionAt,
		actualCostArg, instanceIDArg, u.RetryCount, u.EffectivePriority,
		u.ID, u.ExpectedUpdatedAt,
	)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Job{}, ErrOptimisticLock
		}
		return Job{}, err
	}
	return j, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// RequeueForRetry resets a job to QUEUED for a transient retry, whatever its
// current status (the Runner calls it while the job is QUEUED or ASSIGNED),
// bumping retry_count and clearing assignment fields.
func (s *Store) RequeueForRetry(ctx context.Context, id uuid.UUID, retryCount int) (Job, error) {
	query := `UPDATE jobs SET
			status = 'QUEUED',
			retry_count = $2,
			error_message = NULL,
			instance_id = NULL,
			assigned_at = NULL,
			started_at = NULL,
			updated_at = now()
		WHERE id = $1
		RETURNING ` + jobColumns
	row := s.dbtx.QueryRow(ctx, query, id, retryCount)
	return scanJob(row)
}

// UpdatePriority sets a QUEUED job's priority (and recomputed effective
// priority), per PUT /jobs/{id}/priority.
func (s *Store) UpdatePriority(ctx context.Context, id uuid.UUID, priority, effectivePriority int) (Job, error) {
	query := `UPDATE jobs SET priority = $2, effective_priority = $3, updated_at = now()
		WHERE id = $1 AND status = 'QUEUED'
		RETURNING ` + jobColumns
	row := s.dbtx.QueryRow(ctx, query, id, priority, effectivePriority)
	return scanJob(row)
}

// ApplyAging decrements effective_priority by 1 (floor 1) for every QUEUED
// job whose age has crossed another priority_boost_window, per spec §4.6.
// The decrement is anchored on (priority - priority_boost), the admission-
// time boosted priority, so re-running this every tick never erases the
// boost a job was admitted with.
func (s *Store) ApplyAging(ctx context.Context, window time.Duration) (int64, error) {
	query := `UPDATE jobs SET effective_priority = greatest(1, (priority - priority_boost) - floor(extract(epoch from (now() - created_at)) / $1)::int), updated_at = now()
		WHERE status = 'QUEUED'`
	tag, err := s.dbtx.Exec(ctx, query, window.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
