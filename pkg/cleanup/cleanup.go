// Package cleanup implements the Cleanup task from spec §5: a periodic
// sweep that terminates orphan instances, times out jobs that have
// outrun their runner's wall-clock guard, and compacts old config
// history rows.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wisbric/gpuorch/internal/db"
	"github.com/wisbric/gpuorch/pkg/instance"
	"github.com/wisbric/gpuorch/pkg/job"
	"github.com/wisbric/gpuorch/pkg/provider"
)

// historyRetention bounds how long config_history rows are kept.
const historyRetention = 90 * 24 * time.Hour

// Task runs the periodic cleanup sweep.
type Task struct {
	dbtx      db.DBTX
	jobs      *job.Store
	instances *instance.Store
	registry  *provider.Registry
	interval  time.Duration
	logger    *slog.Logger
}

// New creates a cleanup Task.
func New(dbtx db.DBTX, jobs *job.Store, instances *instance.Store, registry *provider.Registry, interval time.Duration, logger *slog.Logger) *Task {
	return &Task{dbtx: dbtx, jobs: jobs, instances: instances, registry: registry, interval: interval, logger: logger}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (t *Task) Run(ctx context.Context) {
	t.logger.Info("cleanup task started", "interval", t.interval)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("cleanup task stopped")
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

func (t *Task) sweep(ctx context.Context) {
	t.terminateOrphans(ctx)
	t.timeoutStaleJobs(ctx)
	t.compactHistory(ctx)
}

// terminateOrphans terminates non-terminal instances no job references —
// the case where a Job Runner crashed after CreateInstance but before the
// ASSIGNED write landed.
func (t *Task) terminateOrphans(ctx context.Context) {
	orphans, err := t.instances.ListOrphans(ctx)
	if err != nil {
		t.logger.Error("listing orphan instances", "error", err)
		return
	}

	for _, inst := range orphans {
		adapter, ok := t.registry.Get(inst.Provider)
		if !ok {
			t.logger.Warn("orphan instance references unknown provider", "instance_id", inst.ID, "provider", inst.Provider)
			continue
		}
		if _, err := adapter.TerminateInstance(ctx, inst.ProviderInstanceID); err != nil {
			t.logger.Error("terminating orphan instance", "instance_id", inst.ID, "error", err)
			continue
		}

		now := time.Now()
		cost := inst.AccrueCost(now)
		if _, err := t.instances.Transition(ctx, instance.UpdateStatus{
			ID: inst.ID, Status: provider.InstanceTerminated, StoppedAt: &now, TotalCostUSD: &cost,
		}); err != nil {
			t.logger.Error("persisting orphan termination", "instance_id", inst.ID, "error", err)
			continue
		}
		t.logger.Info("terminated orphan instance", "instance_id", inst.ID, "provider", inst.Provider)
	}
}

// timeoutStaleJobs catches RUNNING jobs whose Runner goroutine
// died without observing the wall-clock timeout itself (process restart,
// panic recovery elsewhere) — a defensive backstop, not the primary path.
func (t *Task) timeoutStaleJobs(ctx context.Context) {
	running, _, err := t.jobs.List(ctx, job.ListFilters{Status: statusPtr(job.StatusRunning)}, 500, 0)
	if err != nil {
		t.logger.Error("listing running jobs", "error", err)
		return
	}

	now := time.Now()
	for _, j := range running {
		if j.StartedAt == nil {
			continue
		}
		deadline := j.StartedAt.Add(time.Duration(float64(j.MaxRuntimeMinutes) * 1.1 * float64(time.Minute)))
		if now.Before(deadline) {
			continue
		}

		cost := decimal.Zero
		if j.InstanceID != nil {
			if inst, err := t.instances.Get(ctx, *j.InstanceID); err == nil {
				cost = inst.AccrueCost(now)
				if adapter, ok := t.registry.Get(inst.Provider); ok {
					if _, err := adapter.TerminateInstance(ctx, inst.ProviderInstanceID); err != nil {
						t.logger.Error("terminating stale instance", "job_id", j.ID, "error", err)
					}
				}
				if _, err := t.instances.Transition(ctx, instance.UpdateStatus{
					ID: inst.ID, Status: provider.InstanceTerminated, StoppedAt: &now, TotalCostUSD: &cost,
				}); err != nil {
					t.logger.Error("persisting stale instance termination", "job_id", j.ID, "error", err)
				}
			}
		}

		msg := "job exceeded max_runtime_minutes (cleanup sweep)"
		if _, err := t.jobs.Transition(ctx, job.UpdateStatus{
			ID:                j.ID,
			ExpectedUpdatedAt: j.UpdatedAt,
			Status:            job.StatusTimeout,
			ErrorMessage:      &msg,
			CompletedAt:       &now,
			ActualCostUSD:     &cost,
		}); err != nil && err != job.ErrOptimisticLock {
			t.logger.Error("persisting stale job timeout", "job_id", j.ID, "error", err)
		}
	}
}

// compactHistory deletes config_history rows older than historyRetention.
// Tolerant of the table not yet existing in a partially-migrated database.
func (t *Task) compactHistory(ctx context.Context) {
	cutoff := time.Now().Add(-historyRetention)
	tag, err := t.dbtx.Exec(ctx, `DELETE FROM config_history WHERE changed_at < $1`, cutoff)
	if err != nil {
		t.logger.Warn("compacting config history", "error", err)
		return
	}
	if n := tag.RowsAffected(); n > 0 {
		t.logger.Info("compacted config history", "rows_deleted", n)
	}
}

func statusPtr(s job.Status) *job.Status { return &s }
