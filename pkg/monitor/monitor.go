// Package monitor implements the Instance Monitor (component C2): for each
// created instance, a cooperative goroutine polls the owning provider
// adapter until the instance reaches a terminal status, updating
// persistence and signalling the Job Runner on each change.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/gpuorch/pkg/instance"
	"github.com/wisbric/gpuorch/pkg/provider"
)

const (
	// pollInterval matches the 30s polling cadence in spec §4.2.
	pollInterval = 30 * time.Second
	// readinessTimeout is the default wait before a still-STARTING
	// instance is failed and terminated.
	readinessTimeout = 10 * time.Minute
)

// Event is delivered to a job's listener on every instance status change.
type Event struct {
	InstanceID uuid.UUID
	Status     provider.InstanceStatus
	PublicIP   string
	Err        error // set when the instance failed or timed out
}

// Monitor runs one polling goroutine per non-terminal instance.
type Monitor struct {
	store            *instance.Store
	registry         *provider.Registry
	logger           *slog.Logger
	pollInterval     time.Duration
	readinessTimeout time.Duration
}

// New creates a Monitor. pollInterval/readinessTimeout of zero fall back
// to the spec defaults (30s / 10min).
func New(store *instance.Store, registry *provider.Registry, logger *slog.Logger, pollIntervalOverride, readinessTimeoutOverride time.Duration) *Monitor {
	m := &Monitor{
		store:            store,
		registry:         registry,
		logger:           logger,
		pollInterval:     pollInterval,
		readinessTimeout: readinessTimeout,
	}
	if pollIntervalOverride > 0 {
		m.pollInterval = pollIntervalOverride
	}
	if readinessTimeoutOverride > 0 {
		m.readinessTimeout = readinessTimeoutOverride
	}
	return m
}

// Watch polls providerName/providerInstanceID until terminal or ctx is
// cancelled, sending one Event per observed change (and a final one on
// terminalisation) on events. The caller owns ctx's lifetime; Watch
// returns when the instance reaches a terminal status or ctx is done.
//
// initialStatus is the instance's last-known status, so a Watch respawned
// against an already-RUNNING instance (a process restart mid-job) doesn't
// mistake the first poll for its original pending-to-running transition
// and re-stamp started_at.
//
// This is the per-instance "cooperative task" of spec §5: its only
// suspension points are the poll ticker and the provider call deadline.
func (m *Monitor) Watch(ctx context.Context, instanceID uuid.UUID, providerName, providerInstanceID string, initialStatus provider.InstanceStatus, events chan<- Event) {
	adapter, ok := m.registry.Get(providerName)
	if !ok {
		events <- Event{InstanceID: instanceID, Err: provider.New(provider.ClassInternal, "unknown provider adapter: "+providerName)}
		return
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	deadline := time.Now().Add(m.readinessTimeout)
	lastStatus := initialStatus
	becameRunning := initialStatus == provider.InstanceRunning
	lastHeartbeat := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		status, err := adapter.GetInstanceStatus(callCtx, providerInstanceID)
		cancel()
		if err != nil {
			m.logger.Warn("instance status poll failed", "instance_id", instanceID, "error", err)
			stale := instance.Instance{LastHeartbeat: &lastHeartbeat}
			if stale.HeartbeatStale(time.Now(), m.pollInterval) {
				m.failStaleHeartbeat(ctx, instanceID, adapter, providerInstanceID, events)
				return
			}
			continue
		}
		lastHeartbeat = time.Now()

		firstRunning := status == provider.InstanceRunning && !becameRunning
		if status == provider.InstanceRunning {
			becameRunning = true
		}

		if status != lastStatus {
			lastStatus = status
			update := instance.UpdateStatus{
				ID:            instanceID,
				Status:        status,
				LastHeartbeat: timePtr(time.Now()),
			}
			if firstRunning {
				update.StartedAt = timePtr(time.Now())
			}
			if _, err := m.store.Transition(ctx, update); err != nil {
				m.logger.Error("persisting instance status", "instance_id", instanceID, "error", err)
			}
			events <- Event{InstanceID: instanceID, Status: status}
		} else {
			if _, err := m.store.Transition(ctx, instance.UpdateStatus{
				ID:            instanceID,
				Status:        status,
				LastHeartbeat: timePtr(time.Now()),
			}); err != nil {
				m.logger.Error("persisting instance heartbeat", "instance_id", instanceID, "error", err)
			}
		}

		if status.Terminal() {
			return
		}

		if !becameRunning && time.Now().After(deadline) {
			m.failReadinessTimeout(ctx, instanceID, adapter, providerInstanceID, events)
			return
		}
	}
}

func (m *Monitor) failReadinessTimeout(ctx context.Context, instanceID uuid.UUID, adapter provider.Adapter, providerInstanceID string, events chan<- Event) {
	m.logger.Warn("instance readiness timeout", "instance_id", instanceID)
	if _, err := adapter.TerminateInstance(ctx, providerInstanceID); err != nil {
		m.logger.Error("terminating instance after readiness timeout", "instance_id", instanceID, "error", err)
	}
	if _, err := m.store.Transition(ctx, instance.UpdateStatus{
		ID:        instanceID,
		Status:    provider.InstanceFailed,
		StoppedAt: timePtr(time.Now()),
	}); err != nil {
		m.logger.Error("persisting readiness timeout", "instance_id", instanceID, "error", err)
	}
	events <- Event{
		InstanceID: instanceID,
		Status:     provider.InstanceFailed,
		Err:        provider.New(provider.ClassTimeout, "instance startup timeout"),
	}
}

// failStaleHeartbeat downgrades an instance to FAILED when its last
// successful status poll is older than 2x pollInterval, per spec §4.2.
func (m *Monitor) failStaleHeartbeat(ctx context.Context, instanceID uuid.UUID, adapter provider.Adapter, providerInstanceID string, events chan<- Event) {
	m.logger.Warn("instance heartbeat stale", "instance_id", instanceID)
	if _, err := adapter.TerminateInstance(ctx, providerInstanceID); err != nil {
		m.logger.Error("terminating instance after stale heartbeat", "instance_id", instanceID, "error", err)
	}
	if _, err := m.store.Transition(ctx, instance.UpdateStatus{
		ID:        instanceID,
		Status:    provider.InstanceFailed,
		StoppedAt: timePtr(time.Now()),
	}); err != nil {
		m.logger.Error("persisting stale heartbeat failure", "instance_id", instanceID, "error", err)
	}
	events <- Event{
		InstanceID: instanceID,
		Status:     provider.InstanceFailed,
		Err:        provider.New(provider.ClassTimeout, "instance heartbeat stale"),
	}
}

func timePtr(t time.Time) *time.Time { return &t }
