package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/wisbric/gpuorch/pkg/instance"
	"github.com/wisbric/gpuorch/pkg/placement"
	"github.com/wisbric/gpuorch/pkg/provider"
	"github.com/wisbric/gpuorch/pkg/quota"
	"github.com/wisbric/gpuorch/pkg/template"
)

// WakeChannel is the Redis pub/sub channel a successful Submit publishes
// to, letting the Scheduler Loop drain newly queued jobs before its next
// tick. Declared here (not in pkg/scheduler) so Submit can publish to it
// without pkg/scheduler importing pkg/job in the other direction.
const WakeChannel = "gpuorch:job:submitted"

// Service encapsulates job submission and query logic: template resolution,
// admission (C4), cost estimation, and the read/cancel/re-priority surface.
// Dispatch onto C3/C1/C2 itself belongs to Runner, handed off by the
// Scheduler Loop (C6) once a job leaves QUEUED.
type Service struct {
	store        *Store
	instances    *instance.Store
	templates    *template.Store
	quotas       *quota.Store
	registry     *provider.Registry
	cancels      *CancelRegistry
	rdb          *redis.Client
	strategy     placement.Strategy
	maxRetries   int
	queueSoftCap int
	logger       *slog.Logger
}

// NewService creates a job Service. rdb may be nil, in which case Submit
// skips the wake signal and relies on the Scheduler Loop's own tick.
func NewService(store *Store, instances *instance.Store, templates *template.Store, quotas *quota.Store, registry *provider.Registry, cancels *CancelRegistry, rdb *redis.Client, strategy placement.Strategy, maxRetries, queueSoftCap int, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		instances:    instances,
		templates:    templates,
		quotas:       quotas,
		registry:     registry,
		cancels:      cancels,
		rdb:          rdb,
		strategy:     strategy,
		maxRetries:   maxRetries,
		queueSoftCap: queueSoftCap,
		logger:       logger,
	}
}

// SubmitRequest is the set of fields POST /jobs/submit accepts.
type SubmitRequest struct {
	JobType           Type
	ModelName         string
	Input             json.RawMessage
	Priority          int
	MaxRuntimeMinutes int
	GPUTypeRequired   string
	GPUCountRequired  int
	MemoryGBRequired  int
	TemplateName      *string
	ConfigOverrides   map[string]any
}

// Submit resolves an optional template, runs admission, estimates cost via
// the cheapest healthy adapter, and persists a QUEUED job.
func (s *Service) Submit(ctx context.Context, userID uuid.UUID, req SubmitRequest) (Job, error) {
	queued, err := s.store.CountQueued(ctx)
	if err != nil {
		return Job{}, provider.Wrap(provider.ClassDatabaseError, "counting queued jobs", err)
	}
	if queued >= s.queueSoftCap {
		return Job{}, provider.New(provider.ClassQueueFull, "queue is full, try again shortly")
	}

	jobType := req.JobType
	modelName := req.ModelName
	gpuType := req.GPUTypeRequired
	gpuCount := req.GPUCountRequired
	memGB := req.MemoryGBRequired
	maxRuntime := req.MaxRuntimeMinutes
	config := req.ConfigOverrides

	if req.TemplateName != nil {
		tmpl, err := s.templates.GetByName(ctx, *req.TemplateName)
		if err != nil {
			if errors.Is(err, template.ErrNotFound) {
				return Job{}, provider.New(provider.ClassTemplateNotFound, "template not found: "+*req.TemplateName)
			}
			return Job{}, provider.Wrap(provider.ClassDatabaseError, "resolving template", err)
		}

		overrides := template.Overrides{ConfigOverrides: req.ConfigOverrides}
		if gpuType != "" {
			overrides.GPUTypeRequired = &gpuType
		}
		if gpuCount != 0 {
			overrides.GPUCountRequired = &gpuCount
		}
		if memGB != 0 {
			overrides.MemoryGBRequired = &memGB
		}
		if maxRuntime != 0 {
			overrides.MaxRuntimeMinutes = &maxRuntime
		}

		exp, err := template.Expand(tmpl, overrides)
		if err != nil {
			return Job{}, provider.Wrap(provider.ClassInternal, "expanding template", err)
		}

		if jobType == "" {
			jobType = Type(exp.JobType)
		}
		if modelName == "" {
			modelName = exp.ModelName
		}
		gpuType = exp.GPUTypeRequired
		gpuCount = exp.GPUCountRequired
		memGB = exp.MemoryGBRequired
		maxRuntime = exp.MaxRuntimeMinutes
		config = exp.Config
	}
	_ = config // reserved for the workload invocation, out of this core's scope

	if !jobType.Valid() {
		return Job{}, provider.New(provider.ClassValidation, "invalid job_type")
	}
	if gpuCount < 1 {
		gpuCount = 1
	}
	if maxRuntime < 1 {
		return Job{}, provider.New(provider.ClassValidation, "max_runtime_minutes must be >= 1")
	}

	priority := req.Priority
	if priority < 1 || priority > 10 {
		priority = 5
	}

	rq, err := s.quotas.Resolve(ctx, userID)
	if err != nil {
		return Job{}, provider.Wrap(provider.ClassDatabaseError, "resolving quota", err)
	}

	estimatedCost := s.estimateCost(ctx, rq, gpuType, gpuCount, maxRuntime)

	admissionReq := quota.AdmissionRequest{
		UserID:            userID,
		GPUType:           gpuType,
		GPUCountRequired:  gpuCount,
		MaxRuntimeMinutes: maxRuntime,
		EstimatedCostUSD:  estimatedCost,
	}
	result, err := quota.Check(ctx, s.store, rq, admissionReq, priority)
	if err != nil {
		return Job{}, err
	}

	row, err := s.store.Create(ctx, CreateParams{
		ID:                uuid.New(),
		UserID:            userID,
		JobType:           jobType,
		ModelName:         modelName,
		Priority:          priority,
		EffectivePriority: result.EffectivePriority,
		PriorityBoost:     rq.PriorityBoost,
		GPUTypeRequired:   gpuType,
		GPUCountRequired:  gpuCount,
		MemoryGBRequired:  memGB,
		MaxRuntimeMinutes: maxRuntime,
		Input:             req.Input,
		TemplateName:      req.TemplateName,
		EstimatedCostUSD:  estimatedCost,
		MaxRetries:        s.maxRetries,
	})
	if err != nil {
		return Job{}, provider.Wrap(provider.ClassDatabaseError, "creating job", err)
	}

	if s.rdb != nil {
		s.rdb.Publish(ctx, WakeChannel, "1")
	}

	return row, nil
}

// estimateCost asks the Placement Planner for the cheapest viable adapter,
// restricted to quota's allowed_providers, with no budget guard (there is no
// estimate yet to guard against). A miss is not fatal here: dispatch later
// re-plans and fails the job with NO_PLACEMENT if still unreachable.
func (s *Service) estimateCost(ctx context.Context, rq quota.ResourceQuota, gpuType string, gpuCount, maxRuntime int) decimal.Decimal {
	adapters := make([]provider.Adapter, 0)
	for _, a := range s.registry.Enabled() {
		if rq.AllowsProvider(a.Name()) {
			adapters = append(adapters, a)
		}
	}

	plan, err := placement.Plan(ctx, adapters, placement.Request{
		Job:            provider.JobRequirements{GPUTypeRequired: gpuType, GPUCountRequired: gpuCount, MaxRuntimeMinutes: maxRuntime},
		GPUType:        gpuType,
		GPUCount:       gpuCount,
		MaxRuntimeMins: maxRuntime,
		Strategy:       placement.CostOptimized,
	})
	if err != nil {
		s.logger.Warn("no placement available for cost estimate", "gpu_type", gpuType, "error", err)
		return decimal.Zero
	}
	return plan.EstimatedCost
}

// Get returns a job by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Job, error) {
	return s.store.Get(ctx, id)
}

// List returns jobs matching filters.
func (s *Service) List(ctx context.Context, f ListFilters, limit, offset int) ([]Job, int, error) {
	return s.store.List(ctx, f, limit, offset)
}

// UpdatePriority sets a QUEUED job's priority and recomputed effective
// priority, respecting the caller's quota priority_boost.
func (s *Service) UpdatePriority(ctx context.Context, userID uuid.UUID, id uuid.UUID, priority int) (Job, error) {
	if priority < 1 || priority > 10 {
		return Job{}, provider.New(provider.ClassValidation, "priority must be in [1, 10]")
	}
	rq, err := s.quotas.Resolve(ctx, userID)
	if err != nil {
		return Job{}, provider.Wrap(provider.ClassDatabaseError, "resolving quota", err)
	}
	row, err := s.store.UpdatePriority(ctx, id, priority, rq.EffectivePriority(priority))
	if err != nil {
		return Job{}, fmt.Errorf("updating priority: %w", err)
	}
	return row, nil
}

// Cancel transitions a job to CANCELLED, terminating any owned instance.
// Already-terminal jobs return their current state unchanged, making repeat
// calls idempotent per spec §8.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (Job, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if j.Status.Terminal() {
		return j, nil
	}

	now := time.Now()
	actualCost := decimal.Zero
	if j.InstanceID != nil {
		if inst, instErr := s.instances.Get(ctx, *j.InstanceID); instErr == nil {
			actualCost = inst.AccrueCost(now)
			if adapter, ok := s.registry.Get(inst.Provider); ok {
				if _, termErr := adapter.TerminateInstance(ctx, inst.ProviderInstanceID); termErr != nil {
					s.logger.Error("terminating instance on cancel", "job_id", id, "instance_id", inst.ID, "error", termErr)
				}
			}
			if _, err := s.instances.Transition(ctx, instance.UpdateStatus{
				ID: inst.ID, Status: provider.InstanceTerminated, StoppedAt: &now, TotalCostUSD: &actualCost,
			}); err != nil {
				s.logger.Error("persisting instance termination on cancel", "job_id", id, "instance_id", inst.ID, "error", err)
			}
		}
	}

	msg := "cancelled by user"
	cancelled, err := s.store.Transition(ctx, UpdateStatus{
		ID:                j.ID,
		ExpectedUpdatedAt: j.UpdatedAt,
		Status:            StatusCancelled,
		ErrorMessage:      &msg,
		CompletedAt:       &now,
		ActualCostUSD:     &actualCost,
	})
	if err != nil {
		if errors.Is(err, ErrOptimisticLock) {
			// Lost the race to the Runner goroutine (it reached a terminal
			// state first); report that state, satisfying idempotent-cancel.
			return s.store.Get(ctx, id)
		}
		return Job{}, err
	}

	// Signal any live Runner goroutine to stop promptly; it performs no
	// further writes once cancelled and defers to the termination above.
	s.cancels.Cancel(id)

	return cancelled, nil
}
