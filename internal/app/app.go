package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/wisbric/gpuorch/internal/config"
	"github.com/wisbric/gpuorch/internal/httpserver"
	"github.com/wisbric/gpuorch/internal/platform"
	"github.com/wisbric/gpuorch/internal/telemetry"
	"github.com/wisbric/gpuorch/pkg/cleanup"
	"github.com/wisbric/gpuorch/pkg/instance"
	"github.com/wisbric/gpuorch/pkg/job"
	"github.com/wisbric/gpuorch/pkg/monitor"
	"github.com/wisbric/gpuorch/pkg/placement"
	"github.com/wisbric/gpuorch/pkg/provider"
	"github.com/wisbric/gpuorch/pkg/quota"
	"github.com/wisbric/gpuorch/pkg/scheduler"
	"github.com/wisbric/gpuorch/pkg/template"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting gpuorch",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// buildRegistry builds and populates the provider Registry from cfg, shared by
// both api and worker mode so a HealthCheck and a CreateInstance never see
// different adapter sets.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*provider.Registry, error) {
	maxHourly, err := decimal.NewFromString(cfg.MaxHourlyCostUSD)
	if err != nil {
		return nil, fmt.Errorf("parsing MAX_HOURLY_COST_USD %q: %w", cfg.MaxHourlyCostUSD, err)
	}

	registry := provider.NewRegistry()
	limiters := provider.NewLimiterSet()

	runpodCfg := provider.ProviderConfig{Enabled: cfg.RunPodAPIKey != "", Priority: 1, MaxHourlyCostUSD: maxHourly}
	registry.Register(provider.NewRunPod(cfg.RunPodEndpoint, cfg.RunPodAPIKey, runpodCfg, limiters))
	if runpodCfg.Enabled {
		logger.Info("runpod adapter enabled", "endpoint", cfg.RunPodEndpoint)
	} else {
		logger.Info("runpod adapter disabled (RUNPOD_API_KEY not set)")
	}

	vastCfg := provider.ProviderConfig{Enabled: cfg.VastAPIKey != "", Priority: 2, MaxHourlyCostUSD: maxHourly}
	registry.Register(provider.NewVast(cfg.VastEndpoint, cfg.VastAPIKey, vastCfg, limiters))
	if vastCfg.Enabled {
		logger.Info("vast adapter enabled", "endpoint", cfg.VastEndpoint)
	} else {
		logger.Info("vast adapter disabled (VAST_API_KEY not set)")
	}

	if cfg.HyperscalerEnabled {
		hyperscalerCfg := provider.ProviderConfig{Enabled: true, Priority: 3, MaxHourlyCostUSD: maxHourly}
		hyperscaler, err := provider.NewHyperscaler(ctx, cfg.HyperscalerRegion, hyperscalerCfg, limiters)
		if err != nil {
			return nil, fmt.Errorf("initializing hyperscaler adapter: %w", err)
		}
		registry.Register(hyperscaler)
		logger.Info("hyperscaler adapter enabled", "region", cfg.HyperscalerRegion)
	} else {
		logger.Info("hyperscaler adapter disabled (HYPERSCALER_ENABLED not set)")
	}

	return registry, nil
}

// durations holds the handful of human-readable duration settings shared by
// the scheduler, monitor, and cleanup tasks, as resolved by parseDurations.
type durations struct {
	priorityBoostWindow time.Duration
	schedulerTick       time.Duration
	monitorPoll         time.Duration
	cleanupInterval     time.Duration
	readinessTimeout    time.Duration
}

func parseDurations(cfg *config.Config) (durations, error) {
	var d durations
	var err error
	if d.priorityBoostWindow, err = time.ParseDuration(cfg.PriorityBoostWindow); err != nil {
		return d, fmt.Errorf("parsing PRIORITY_BOOST_WINDOW: %w", err)
	}
	if d.schedulerTick, err = time.ParseDuration(cfg.SchedulerTickInterval); err != nil {
		return d, fmt.Errorf("parsing SCHEDULER_TICK_INTERVAL: %w", err)
	}
	if d.monitorPoll, err = time.ParseDuration(cfg.MonitorPollInterval); err != nil {
		return d, fmt.Errorf("parsing MONITOR_POLL_INTERVAL: %w", err)
	}
	if d.cleanupInterval, err = time.ParseDuration(cfg.CleanupInterval); err != nil {
		return d, fmt.Errorf("parsing CLEANUP_INTERVAL: %w", err)
	}
	if d.readinessTimeout, err = time.ParseDuration(cfg.ReadinessTimeout); err != nil {
		return d, fmt.Errorf("parsing READINESS_TIMEOUT: %w", err)
	}
	return d, nil
}

// domain bundles every component shared between api and worker mode, built
// once per process.
type domain struct {
	jobStore      *job.Store
	instanceStore *instance.Store
	templateStore *template.Store
	quotaStore    *quota.Store
	registry      *provider.Registry
	prices        *provider.PriceCache
	cancels       *job.CancelRegistry
	strategy      placement.Strategy
	runner        *job.Runner
	service       *job.Service
	durations     durations
}

func buildDomain(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) (*domain, error) {
	registry, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	d, err := parseDurations(cfg)
	if err != nil {
		return nil, err
	}

	strategy := placement.CostOptimized
	if !cfg.CostOptimizationOn {
		strategy = placement.FastestAvailable
	}

	jobStore := job.NewStore(db)
	instanceStore := instance.NewStore(db)
	templateStore := template.NewStore(db)
	quotaStore := quota.NewStore(db)
	cancels := job.NewCancelRegistry()
	mon := monitor.New(instanceStore, registry, logger, d.monitorPoll, d.readinessTimeout)
	runner := job.NewRunner(jobStore, instanceStore, registry, mon, quotaStore, cancels, strategy, logger)
	svc := job.NewService(jobStore, instanceStore, templateStore, quotaStore, registry, cancels, rdb, strategy, 3, cfg.QueueSoftCap, logger)

	return &domain{
		jobStore:      jobStore,
		instanceStore: instanceStore,
		templateStore: templateStore,
		quotaStore:    quotaStore,
		registry:      registry,
		prices:        provider.NewPriceCache(),
		cancels:       cancels,
		strategy:      strategy,
		runner:        runner,
		service:       svc,
		durations:     d,
	}, nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	dom, err := buildDomain(ctx, cfg, logger, db, rdb)
	if err != nil {
		return err
	}

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	jobHandler := job.NewHandler(dom.service, dom.jobStore, cfg.QueueSoftCap, logger)
	srv.APIRouter.Mount("/jobs", jobHandler.Routes())
	srv.APIRouter.Mount("/queue", jobHandler.QueueRoutes())

	instanceHandler := instance.NewHandler(db, dom.registry, logger)
	srv.APIRouter.Mount("/instances", instanceHandler.Routes())

	templateHandler := template.NewHandler(db, logger)
	srv.APIRouter.Mount("/templates", templateHandler.Routes())

	quotaHandler := quota.NewHandler(db, dom.jobStore, logger)
	srv.APIRouter.Mount("/quota", quotaHandler.Routes())

	providerHandler := provider.NewHandler(dom.registry, dom.prices, logger)
	srv.APIRouter.Mount("/providers", providerHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	logger.Info("worker started")

	dom, err := buildDomain(ctx, cfg, logger, db, rdb)
	if err != nil {
		return err
	}

	dom.runner.ResumeNonTerminal(ctx)

	dispatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gpuorch",
		Subsystem: "scheduler",
		Name:      "dispatched_total",
		Help:      "Total number of jobs dispatched from QUEUED to the Job Runner, by job type.",
	}, []string{"job_type"})
	metricsReg.MustRegister(dispatched)

	sched := scheduler.New(dom.jobStore, dom.runner, rdb, logger, dom.durations.schedulerTick, dom.durations.priorityBoostWindow, cfg.MaxConcurrentJobs, cfg.MaxDispatchesPerUser, dispatched)
	cleanupTask := cleanup.New(db, dom.jobStore, dom.instanceStore, dom.registry, dom.durations.cleanupInterval, logger)

	errCh := make(chan error, 1)
	go func() {
		sched.Run(ctx)
		errCh <- nil
	}()
	go cleanupTask.Run(ctx)

	select {
	case <-ctx.Done():
		logger.Info("worker shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}
