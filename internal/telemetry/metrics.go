package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across every handler.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gpuorch",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// JobsSubmittedTotal counts jobs admitted into the queue, by GPU type.
var JobsSubmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gpuorch",
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Total number of jobs submitted and admitted.",
	},
	[]string{"gpu_type"},
)

// JobsRejectedTotal counts jobs rejected at admission, by reason.
var JobsRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gpuorch",
		Subsystem: "jobs",
		Name:      "rejected_total",
		Help:      "Total number of jobs rejected at admission, by reason.",
	},
	[]string{"reason"},
)

// JobsTerminalTotal counts jobs reaching a terminal status.
var JobsTerminalTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gpuorch",
		Subsystem: "jobs",
		Name:      "terminal_total",
		Help:      "Total number of jobs reaching a terminal status.",
	},
	[]string{"status"},
)

// JobQueueDepth is the current number of queued jobs, sampled by the
// scheduler loop on every tick.
var JobQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "gpuorch",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Current number of jobs in QUEUED status.",
	},
)

// SchedulerTickDuration tracks how long each scheduler loop iteration takes.
var SchedulerTickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "gpuorch",
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Scheduler loop iteration duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
)

// ProviderCallDuration tracks provider adapter call latency by provider and
// operation (list_offerings, create_instance, terminate_instance, etc).
var ProviderCallDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gpuorch",
		Subsystem: "provider",
		Name:      "call_duration_seconds",
		Help:      "Provider adapter call duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"provider", "operation"},
)

// ProviderCallErrorsTotal counts provider adapter call failures by error class.
var ProviderCallErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gpuorch",
		Subsystem: "provider",
		Name:      "call_errors_total",
		Help:      "Total provider adapter call failures, by provider and error class.",
	},
	[]string{"provider", "class"},
)

// InstancesActive is the current count of non-terminal instances by provider
// and GPU type. It is registered, but no code in this module sets it.
var InstancesActive = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gpuorch",
		Subsystem: "instances",
		Name:      "active",
		Help:      "Current number of non-terminal instances.",
	},
	[]string{"provider", "gpu_type"},
)

// InstanceCostAccruedUSD is a histogram of cumulative accrued cost per
// terminated instance. It is registered, but no code in this module
// observes into it.
var InstanceCostAccruedUSD = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gpuorch",
		Subsystem: "instances",
		Name:      "cost_accrued_usd",
		Help:      "Accrued cost in USD observed when an instance terminates.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 500},
	},
	[]string{"provider"},
)

// domainCollectors lists every gpuorch-specific collector for registration.
func domainCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		JobsSubmittedTotal,
		JobsRejectedTotal,
		JobsTerminalTotal,
		JobQueueDepth,
		SchedulerTickDuration,
		ProviderCallDuration,
		ProviderCallErrorsTotal,
		InstancesActive,
		InstanceCostAccruedUSD,
	}
}

// NewMetricsRegistry creates a private Prometheus registry (not the global
// default) with Go/process collectors and every gpuorch metric.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range domainCollectors() {
		reg.MustRegister(c)
	}
	return reg
}
