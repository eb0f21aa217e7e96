// Package scheduler implements the Scheduler Loop (component C6): a
// single cooperative task that wakes on a fixed tick or a submit signal,
// drains QUEUED jobs in priority order, and hands each to the Job Runner
// without blocking.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/gpuorch/internal/telemetry"
	"github.com/wisbric/gpuorch/pkg/job"
)

// Scheduler periodically drains QUEUED jobs and dispatches them to Runner,
// bounded by the global concurrency cap and a per-user fairness cap.
type Scheduler struct {
	store                *job.Store
	runner               *job.Runner
	rdb                  *redis.Client
	logger               *slog.Logger
	tickInterval         time.Duration
	priorityBoostWindow  time.Duration
	maxConcurrentJobs    int
	maxDispatchesPerUser int
	dispatched           *prometheus.CounterVec
}

// New creates a Scheduler.
func New(store *job.Store, runner *job.Runner, rdb *redis.Client, logger *slog.Logger, tickInterval, priorityBoostWindow time.Duration, maxConcurrentJobs, maxDispatchesPerUser int, dispatched *prometheus.CounterVec) *Scheduler {
	return &Scheduler{
		store:                store,
		runner:               runner,
		rdb:                  rdb,
		logger:               logger,
		tickInterval:         tickInterval,
		priorityBoostWindow:  priorityBoostWindow,
		maxConcurrentJobs:    maxConcurrentJobs,
		maxDispatchesPerUser: maxDispatchesPerUser,
		dispatched:           dispatched,
	}
}

// Run blocks draining the queue on every tick or wake signal until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler loop started", "tick_interval", s.tickInterval)

	var wakeCh <-chan *redis.Message
	var pubsub *redis.PubSub
	if s.rdb != nil {
		pubsub = s.rdb.Subscribe(ctx, job.WakeChannel)
		defer pubsub.Close()
		wakeCh = pubsub.Channel()
	}

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler loop stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-wakeCh:
			s.tick(ctx)
		}
	}
}

// tick performs one drain pass: aging, then dispatch under the global and
// per-user fairness caps.
func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.store.ApplyAging(ctx, s.priorityBoostWindow); err != nil {
		s.logger.Error("applying priority aging", "error", err)
	}

	if queued, err := s.store.CountQueued(ctx); err != nil {
		s.logger.Error("counting queued jobs", "error", err)
	} else {
		telemetry.JobQueueDepth.Set(float64(queued))
	}

	active, err := s.store.CountGlobalActive(ctx)
	if err != nil {
		s.logger.Error("counting active jobs", "error", err)
		return
	}
	capacity := s.maxConcurrentJobs - active
	if capacity <= 0 {
		return
	}

	// Over-fetch relative to capacity: the per-user fairness cap may skip
	// candidates at the front of the queue, and skipped jobs must still
	// leave room for other users' jobs further back to dispatch this tick.
	candidates, err := s.store.ListQueued(ctx, capacity*4)
	if err != nil {
		s.logger.Error("listing queued jobs", "error", err)
		return
	}

	consecutiveByUser := make(map[string]int)
	var lastUser string
	dispatchedCount := 0

	for _, j := range candidates {
		if dispatchedCount >= capacity {
			break
		}

		userKey := j.UserID.String()
		if userKey == lastUser {
			consecutiveByUser[userKey]++
		} else {
			consecutiveByUser[userKey] = 1
			lastUser = userKey
		}
		if consecutiveByUser[userKey] > s.maxDispatchesPerUser {
			continue
		}

		s.runner.Dispatch(ctx, j.ID)
		dispatchedCount++
		if s.dispatched != nil {
			s.dispatched.WithLabelValues(string(j.JobType)).Inc()
		}
	}
}
