// Package metrics provides Prometheus instrumentation for stageflow components.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all metric instances for stageflow components.
type Registry struct {
	// Pipeline Metrics
	PipelineInvocations *prometheus.CounterVec
	PipelineFailures    *prometheus.CounterVec
	PipelineDuration    *prometheus.HistogramVec
	StageDuration       *prometheus.HistogramVec
	BranchesSubmitted   *prometheus.CounterVec

	// Worker Pool Metrics
	TasksExecuted         *prometheus.CounterVec
	TasksCompleted        *prometheus.CounterVec
	TasksFailed           *prometheus.CounterVec
	TaskExecutionDuration *prometheus.HistogramVec
	TaskQueueWait         *prometheus.HistogramVec
	WorkerPoolSize        *prometheus.GaugeVec
	WorkerPoolActive      *prometheus.GaugeVec
	WorkerPoolQueued      *prometheus.GaugeVec

	// Collaborator Metrics
	RetryAttempts  *prometheus.CounterVec
	RetryExhausted *prometheus.CounterVec
	TimerDuration  *prometheus.HistogramVec
	ThrottleWait   *prometheus.HistogramVec
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry bound to prometheus.DefaultRegisterer. It is
// created on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with the given Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	return NewRegistryWithOptions(reg, DefaultNamespace, nil)
}

// NewRegistryWithOptions creates a registry under namespace with constant labels.
func NewRegistryWithOptions(reg prometheus.Registerer, namespace string, labels prometheus.Labels) *Registry {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(reg)

	return &Registry{
		// Pipeline Metrics
		PipelineInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "pipeline",
				Name:        "invocations_total",
				Help:        "Total number of pipeline invocations",
				ConstLabels: labels,
			},
			[]string{"pipeline_name"},
		),

		PipelineFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "pipeline",
				Name:        "failures_total",
				Help:        "Total number of pipeline invocations that failed",
				ConstLabels: labels,
			},
			[]string{"pipeline_name"},
		),

		PipelineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "pipeline",
				Name:        "duration_seconds",
				Help:        "Time spent in a full pipeline invocation",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"pipeline_name"},
		),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "pipeline",
				Name:        "stage_duration_seconds",
				Help:        "Time spent in a single stage",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"pipeline_name", "stage"},
		),

		BranchesSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "pipeline",
				Name:        "branches_submitted_total",
				Help:        "Total number of parallel branches submitted to a worker pool",
				ConstLabels: labels,
			},
			[]string{"pipeline_name", "stage"},
		),

		// Worker Pool Metrics
		TasksExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "workerpool",
				Name:        "tasks_executed_total",
				Help:        "Total number of tasks executed",
				ConstLabels: labels,
			},
			[]string{"pool_name"},
		),

		TasksCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "workerpool",
				Name:        "tasks_completed_total",
				Help:        "Total number of tasks completed successfully",
				ConstLabels: labels,
			},
			[]string{"pool_name"},
		),

		TasksFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "workerpool",
				Name:        "tasks_failed_total",
				Help:        "Total number of tasks that failed",
				ConstLabels: labels,
			},
			[]string{"pool_name"},
		),

		TaskExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "workerpool",
				Name:        "task_duration_seconds",
				Help:        "Time spent executing tasks",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"pool_name"},
		),

		TaskQueueWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "workerpool",
				Name:        "task_queue_wait_seconds",
				Help:        "Time tasks spend queued before a worker picks them up",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"pool_name"},
		),

		WorkerPoolSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "workerpool",
				Name:        "size",
				Help:        "Current worker pool size",
				ConstLabels: labels,
			},
			[]string{"pool_name"},
		),

		WorkerPoolActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "workerpool",
				Name:        "active_workers",
				Help:        "Number of active workers",
				ConstLabels: labels,
			},
			[]string{"pool_name"},
		),

		WorkerPoolQueued: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "workerpool",
				Name:        "queued_tasks",
				Help:        "Number of queued tasks",
				ConstLabels: labels,
			},
			[]string{"pool_name"},
		),

		// Collaborator Metrics
		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "retry",
				Name:        "attempts_total",
				Help:        "Total number of attempts made by retry wrappers",
				ConstLabels: labels,
			},
			[]string{"name"},
		),

		RetryExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "retry",
				Name:        "exhausted_total",
				Help:        "Total number of calls that failed after every attempt",
				ConstLabels: labels,
			},
			[]string{"name"},
		),

		TimerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "timing",
				Name:        "duration_seconds",
				Help:        "Durations reported by timing observers",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"tag"},
		),

		ThrottleWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "throttle",
				Name:        "wait_seconds",
				Help:        "Time spent waiting for a throttle token",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"name"},
		),
	}
}

// ObserveInvocation records one finished pipeline invocation.
func (r *Registry) ObserveInvocation(pipeline string, d time.Duration, err error) {
	if r == nil {
		return
	}
	r.PipelineInvocations.WithLabelValues(pipeline).Inc()
	r.PipelineDuration.WithLabelValues(pipeline).Observe(d.Seconds())
	if err != nil {
		r.PipelineFailures.WithLabelValues(pipeline).Inc()
	}
}

// ObserveStage records the duration of one stage.
func (r *Registry) ObserveStage(pipeline, stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.StageDuration.WithLabelValues(pipeline, stage).Observe(d.Seconds())
}

// AddBranches counts branches submitted by a parallel stage.
func (r *Registry) AddBranches(pipeline, stage string, n int) {
	if r == nil {
		return
	}
	r.BranchesSubmitted.WithLabelValues(pipeline, stage).Add(float64(n))
}

// ObserveRetry records the outcome of one retried call.
func (r *Registry) ObserveRetry(name string, attempts int, exhausted bool) {
	if r == nil {
		return
	}
	r.RetryAttempts.WithLabelValues(name).Add(float64(attempts))
	if exhausted {
		r.RetryExhausted.WithLabelValues(name).Inc()
	}
}

// ObserveTimer records a duration measured by a timing observer.
func (r *Registry) ObserveTimer(tag string, d time.Duration) {
	if r == nil {
		return
	}
	r.TimerDuration.WithLabelValues(tag).Observe(d.Seconds())
}

// ObserveThrottle records how long a call waited for a throttle token.
func (r *Registry) ObserveThrottle(name string, d time.Duration) {
	if r == nil {
		return
	}
	r.ThrottleWait.WithLabelValues(name).Observe(d.Seconds())
}
