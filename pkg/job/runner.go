package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wisbric/gpuorch/pkg/instance"
	"github.com/wisbric/gpuorch/pkg/monitor"
	"github.com/wisbric/gpuorch/pkg/placement"
	"github.com/wisbric/gpuorch/pkg/provider"
	"github.com/wisbric/gpuorch/pkg/quota"
)

// CancelRegistry tracks the cancel func for every Job Runner goroutine
// currently in flight, so Service.Cancel can signal one without the two
// ever sharing more than a context.CancelFunc.
type CancelRegistry struct {
	mu  sync.Mutex
	fns map[uuid.UUID]context.CancelFunc
}

// NewCancelRegistry creates an empty CancelRegistry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{fns: make(map[uuid.UUID]context.CancelFunc)}
}

func (c *CancelRegistry) register(id uuid.UUID, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns[id] = cancel
}

func (c *CancelRegistry) unregister(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.fns, id)
}

// Cancel signals jobID's runner goroutine to stop, if one is currently
// running it. Reports whether a live goroutine was found.
func (c *CancelRegistry) Cancel(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.fns[id]
	if ok {
		cancel()
	}
	return ok
}

// Runner drives one dispatched job through placement (C3), provisioning
// (C1), and instance supervision (C2) to a terminal status (component C5).
// Every job gets its own goroutine, owning that job's transitions alone —
// the per-job ordering guarantee of spec §5.
type Runner struct {
	store     *Store
	instances *instance.Store
	registry  *provider.Registry
	monitor   *monitor.Monitor
	quotas    *quota.Store
	cancels   *CancelRegistry
	strategy  placement.Strategy
	logger    *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(store *Store, instances *instance.Store, registry *provider.Registry, mon *monitor.Monitor, quotas *quota.Store, cancels *CancelRegistry, strategy placement.Strategy, logger *slog.Logger) *Runner {
	return &Runner{
		store:     store,
		instances: instances,
		registry:  registry,
		monitor:   mon,
		quotas:    quotas,
		cancels:   cancels,
		strategy:  strategy,
		logger:    logger,
	}
}

// Dispatch hands jobID off to its own goroutine and returns immediately —
// the Scheduler Loop's hand-off is non-blocking per spec §4.6.
func (r *Runner) Dispatch(ctx context.Context, jobID uuid.UUID) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancels.register(jobID, cancel)
	go func() {
		defer cancel()
		defer r.cancels.unregister(jobID)
		r.run(runCtx, jobID)
	}()
}

// ResumeNonTerminal respawns a supervising goroutine for every instance
// still non-terminal at process startup, so a restart doesn't orphan
// in-flight jobs without a monitor task (spec §5: one Instance Monitor per
// non-terminal instance).
func (r *Runner) ResumeNonTerminal(ctx context.Context) {
	instances, err := r.instances.ListNonTerminal(ctx)
	if err != nil {
		r.logger.Error("listing non-terminal instances to resume", "error", err)
		return
	}
	for _, inst := range instances {
		j, err := r.store.GetByInstanceID(ctx, inst.ID)
		if err != nil {
			r.logger.Error("loading job for non-terminal instance", "instance_id", inst.ID, "error", err)
			continue
		}
		if j.Status.Terminal() {
			continue
		}
		adapter, ok := r.registry.Get(inst.Provider)
		if !ok {
			r.logger.Error("resuming instance: adapter no longer registered", "instance_id", inst.ID, "provider", inst.Provider)
			continue
		}

		runCtx, cancel := context.WithCancel(ctx)
		r.cancels.register(j.ID, cancel)
		r.logger.Info("resuming supervision of non-terminal instance", "job_id", j.ID, "instance_id", inst.ID)
		go func(j Job, adapter provider.Adapter, inst instance.Instance, cancel context.CancelFunc) {
			defer cancel()
			defer r.cancels.unregister(j.ID)
			r.watch(runCtx, j, adapter, inst)
		}(j, adapter, inst, cancel)
	}
}

func (r *Runner) run(ctx context.Context, jobID uuid.UUID) {
	j, err := r.store.Get(ctx, jobID)
	if err != nil {
		r.logger.Error("loading dispatched job", "job_id", jobID, "error", err)
		return
	}
	if j.Status != StatusQueued {
		// Already cancelled, or picked up twice; nothing to do.
		return
	}

	placed, placeErr := r.place(ctx, j)
	if placeErr != nil {
		r.fail(ctx, j, placeErr.Error())
		return
	}

	adapter, ok := r.registry.Get(placed.AdapterName)
	if !ok {
		r.fail(ctx, j, "selected adapter is no longer registered")
		return
	}

	inst, createErr := r.createInstance(ctx, j, adapter, placed)
	if createErr != nil {
		class := provider.ClassOf(createErr)
		if class.Transient() && j.RetryCount < j.MaxRetries {
			r.retry(ctx, j, createErr)
			return
		}
		r.fail(ctx, j, createErr.Error())
		return
	}

	now := time.Now()
	assigned, err := r.store.Transition(ctx, UpdateStatus{
		ID:                j.ID,
		ExpectedUpdatedAt: j.UpdatedAt,
		Status:            StatusAssigned,
		AssignedAt:        &now,
		InstanceID:        &inst.ID,
	})
	if err != nil {
		r.logger.Error("persisting job assignment", "job_id", j.ID, "error", err)
		return
	}

	r.watch(ctx, assigned, adapter, inst)
}

// place asks the Placement Planner for the best candidate, restricted to
// the user's allowed_providers (the same adapter filter the admission-time
// cost estimate uses, applied again here since dispatch may lag admission).
func (r *Runner) place(ctx context.Context, j Job) (*placement.Placement, error) {
	rq, err := r.quotas.Resolve(ctx, j.UserID)
	if err != nil {
		return nil, err
	}

	adapters := make([]provider.Adapter, 0)
	for _, a := range r.registry.Enabled() {
		if rq.AllowsProvider(a.Name()) {
			adapters = append(adapters, a)
		}
	}

	return placement.Plan(ctx, adapters, placement.Request{
		Job: provider.JobRequirements{
			JobID:             j.ID.String(),
			GPUTypeRequired:   j.GPUTypeRequired,
			GPUCountRequired:  j.GPUCountRequired,
			MaxRuntimeMinutes: j.MaxRuntimeMinutes,
			EstimatedBudget:   j.EstimatedCostUSD,
		},
		GPUType:         j.GPUTypeRequired,
		GPUCount:        j.GPUCountRequired,
		MaxRuntimeMins:  j.MaxRuntimeMinutes,
		EstimatedBudget: j.EstimatedCostUSD,
		Strategy:        r.strategy,
	})
}

func (r *Runner) createInstance(ctx context.Context, j Job, adapter provider.Adapter, placed *placement.Placement) (instance.Instance, error) {
	token := j.ID.String()
	pi, err := adapter.CreateInstance(ctx, provider.JobRequirements{
		JobID:             j.ID.String(),
		GPUTypeRequired:   j.GPUTypeRequired,
		GPUCountRequired:  j.GPUCountRequired,
		MaxRuntimeMinutes: j.MaxRuntimeMinutes,
		EstimatedBudget:   j.EstimatedCostUSD,
	}, placed.GPUType, placed.GPUCount, provider.InstanceOptions{Region: placed.Region}, token)
	if err != nil {
		return instance.Instance{}, err
	}

	return r.instances.Create(ctx, instance.CreateParams{
		Provider:           adapter.Name(),
		ProviderInstanceID: pi.ProviderInstanceID,
		GPUType:            pi.GPUType,
		GPUCount:           pi.GPUCount,
		MemoryGB:           pi.MemoryGB,
		VCPUs:              pi.VCPUs,
		StorageGB:          pi.StorageGB,
		Status:             pi.Status,
		HourlyCostUSD:      pi.HourlyCostUSD,
		Region:             pi.Region,
		Preemptible:        pi.Preemptible,
	})
}

// retry sleeps the spec §4.5 back-off, then requeues the job. retryCount is
// bumped on the way back to QUEUED; priority is left untouched.
func (r *Runner) retry(ctx context.Context, j Job, cause error) {
	backoff := RetryBackoff(j.RetryCount)
	r.logger.Warn("transient placement/provisioning failure, retrying",
		"job_id", j.ID, "retry_count", j.RetryCount, "backoff_seconds", backoff, "error", cause)

	select {
	case <-time.After(time.Duration(backoff) * time.Second):
	case <-ctx.Done():
		return
	}

	if _, err := r.store.RequeueForRetry(ctx, j.ID, j.RetryCount+1); err != nil {
		r.logger.Error("requeuing job for retry", "job_id", j.ID, "error", err)
	}
}

func (r *Runner) fail(ctx context.Context, j Job, message string) {
	now := time.Now()
	msg := message
	if _, err := r.store.Transition(ctx, UpdateStatus{
		ID:                j.ID,
		ExpectedUpdatedAt: j.UpdatedAt,
		Status:            StatusFailed,
		ErrorMessage:      &msg,
		CompletedAt:       &now,
		ActualCostUSD:     decimalPtr(decimal.Zero),
	}); err != nil {
		r.logger.Error("persisting job failure", "job_id", j.ID, "error", err)
	}
}

// watch supervises an assigned job's instance until a terminal status,
// enforcing the independent wall-clock timeout of spec §4.5 (RUNNING →
// TIMEOUT at max_runtime_minutes × 1.1) alongside C2's own readiness
// timeout and status-change events.
func (r *Runner) watch(ctx context.Context, assigned Job, adapter provider.Adapter, inst instance.Instance) {
	events := make(chan monitor.Event, 4)
	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	defer cancelMonitor()
	go r.monitor.Watch(monitorCtx, inst.ID, adapter.Name(), inst.ProviderInstanceID, inst.Status, events)

	current := assigned
	var runtimeC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			r.handleCancelled(adapter, inst)
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Err != nil {
				r.handleInstanceFailure(ctx, current, ev.Err)
				return
			}

			if ev.Status == provider.InstanceRunning && current.Status == StatusAssigned {
				now := time.Now()
				completion := now.Add(time.Duration(current.MaxRuntimeMinutes) * time.Minute)
				updated, err := r.store.Transition(ctx, UpdateStatus{
					ID:                    current.ID,
					ExpectedUpdatedAt:     current.UpdatedAt,
					Status:                StatusRunning,
					StartedAt:             &now,
					EstimatedCompletionAt: &completion,
				})
				if err != nil {
					r.logger.Error("persisting running transition", "job_id", current.ID, "error", err)
					return
				}
				current = updated
				runtimeC = time.After(time.Duration(float64(current.MaxRuntimeMinutes) * 1.1 * float64(time.Minute)))
				continue
			}

			if ev.Status.Terminal() {
				r.handleTerminalInstance(ctx, current, ev.Status, inst)
				return
			}

		case <-runtimeC:
			r.handleTimeout(ctx, current, adapter, inst)
			return
		}
	}
}

// handleInstanceFailure reacts to a monitor-reported failure (readiness
// timeout or a provider FAILED status), retrying only transient classes.
func (r *Runner) handleInstanceFailure(ctx context.Context, j Job, cause error) {
	class := provider.ClassOf(cause)
	if class.Transient() && j.RetryCount < j.MaxRetries {
		r.retry(ctx, j, cause)
		return
	}

	now := time.Now()
	msg := cause.Error()
	if _, err := r.store.Transition(ctx, UpdateStatus{
		ID:                j.ID,
		ExpectedUpdatedAt: j.UpdatedAt,
		Status:            StatusFailed,
		ErrorMessage:      &msg,
		CompletedAt:       &now,
		ActualCostUSD:     decimalPtr(decimal.Zero),
	}); err != nil {
		r.logger.Error("persisting job failure", "job_id", j.ID, "error", err)
	}
}

// handleTerminalInstance reacts to the instance reaching a terminal status
// without an associated error. The in-container workload is out of this
// core's scope, so a clean STOPPED/TERMINATED after RUNNING is taken as
// workload completion; a provider-reported FAILED is taken as job failure.
func (r *Runner) handleTerminalInstance(ctx context.Context, j Job, status provider.InstanceStatus, inst instance.Instance) {
	now := time.Now()
	cost := inst.AccrueCost(now)
	if current, err := r.instances.Get(ctx, inst.ID); err == nil {
		cost = current.AccrueCost(now)
	}

	if _, err := r.instances.Transition(ctx, instance.UpdateStatus{
		ID: inst.ID, Status: status, StoppedAt: &now, TotalCostUSD: &cost,
	}); err != nil {
		r.logger.Error("persisting instance termination", "job_id", j.ID, "instance_id", inst.ID, "error", err)
	}

	if status == provider.InstanceFailed {
		msg := "instance failed"
		if _, err := r.store.Transition(ctx, UpdateStatus{
			ID:                j.ID,
			ExpectedUpdatedAt: j.UpdatedAt,
			Status:            StatusFailed,
			ErrorMessage:      &msg,
			CompletedAt:       &now,
			ActualCostUSD:     &cost,
		}); err != nil {
			r.logger.Error("persisting job failure", "job_id", j.ID, "error", err)
		}
		return
	}

	progress := 100
	if _, err := r.store.Transition(ctx, UpdateStatus{
		ID:                j.ID,
		ExpectedUpdatedAt: j.UpdatedAt,
		Status:            StatusCompleted,
		ProgressPercent:   &progress,
		CompletedAt:       &now,
		ActualCostUSD:     &cost,
	}); err != nil {
		r.logger.Error("persisting job completion", "job_id", j.ID, "error", err)
	}
}

func (r *Runner) handleTimeout(ctx context.Context, j Job, adapter provider.Adapter, inst instance.Instance) {
	if _, err := adapter.TerminateInstance(ctx, inst.ProviderInstanceID); err != nil {
		r.logger.Error("terminating instance after timeout", "job_id", j.ID, "instance_id", inst.ID, "error", err)
	}

	now := time.Now()
	cost := inst.AccrueCost(now)
	if current, err := r.instances.Get(ctx, inst.ID); err == nil {
		cost = current.AccrueCost(now)
	}

	if _, err := r.instances.Transition(ctx, instance.UpdateStatus{
		ID: inst.ID, Status: provider.InstanceTerminated, StoppedAt: &now, TotalCostUSD: &cost,
	}); err != nil {
		r.logger.Error("persisting instance timeout", "job_id", j.ID, "instance_id", inst.ID, "error", err)
	}

	msg := "job exceeded max_runtime_minutes"
	if _, err := r.store.Transition(ctx, UpdateStatus{
		ID:                j.ID,
		ExpectedUpdatedAt: j.UpdatedAt,
		Status:            StatusTimeout,
		ErrorMessage:      &msg,
		CompletedAt:       &now,
		ActualCostUSD:     &cost,
	}); err != nil {
		r.logger.Error("persisting job timeout", "job_id", j.ID, "error", err)
	}
}

// handleCancelled performs a defensive, best-effort terminate when this
// goroutine's context is cancelled. Service.Cancel already holds the
// authoritative job/instance write; this only covers the case where that
// write raced ahead of the instance actually stopping.
func (r *Runner) handleCancelled(adapter provider.Adapter, inst instance.Instance) {
	termCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := adapter.TerminateInstance(termCtx, inst.ProviderInstanceID); err != nil {
		r.logger.Error("defensive terminate on cancel", "instance_id", inst.ID, "error", err)
	}
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }
