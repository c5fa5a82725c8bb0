package workerpool

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vnykmshr/stageflow/pkg/metrics"
)

// MetricsPool wraps a worker Pool with Prometheus metrics collection.
// The registry is fixed by Instrument.
type MetricsPool struct {
	pool     Pool
	registry *metrics.Registry
	enabled  bool
}

// NewWithMetrics creates a stopped worker pool with metrics recorded in a
// private Prometheus registry.
func NewWithMetrics(config Config) Pool {
	return NewWithConfigAndMetrics(config, metrics.Config{
		Enabled:  true,
		Registry: prometheus.NewRegistry(),
	})
}

// NewWithConfigAndMetrics creates a stopped worker pool with custom config and
// metrics. A disabled metrics config returns the plain pool.
func NewWithConfigAndMetrics(config Config, metricsConfig metrics.Config) Pool {
	basePool := NewWithConfig(config)

	registry := metricsConfig.Build()
	if registry == nil {
		return basePool
	}

	return Instrument(basePool, registry)
}

// Instrument wraps an existing pool so that every task it runs is recorded in
// registry.
func Instrument(pool Pool, registry *metrics.Registry) *MetricsPool {
	mp := &MetricsPool{
		pool:     pool,
		registry: registry,
		enabled:  registry != nil,
	}
	mp.updateMetrics()
	return mp
}

// updateMetrics updates the current state metrics.
func (mp *MetricsPool) updateMetrics() {
	if !mp.enabled {
		return
	}

	name := mp.pool.Name()
	mp.registry.WorkerPoolSize.WithLabelValues(name).Set(float64(mp.pool.Size()))
	mp.registry.WorkerPoolActive.WithLabelValues(name).Set(float64(mp.pool.ActiveWorkers()))
	mp.registry.WorkerPoolQueued.WithLabelValues(name).Set(float64(mp.pool.QueueSize()))
}

// Start launches the underlying pool.
func (mp *MetricsPool) Start() error {
	err := mp.pool.Start()
	mp.updateMetrics()
	return err
}

// Submit wraps the task to collect metrics and submits it.
func (mp *MetricsPool) Submit(ctx context.Context, task Task) (*Future, error) {
	wrappedTask := &metricsTask{
		original:   task,
		pool:       mp,
		submitTime: time.Now(),
	}

	future, err := mp.pool.Submit(ctx, wrappedTask)
	mp.updateMetrics()
	return future, err
}

// metricsTask wraps a Task to collect execution metrics.
type metricsTask struct {
	original   Task
	pool       *MetricsPool
	submitTime time.Time
}

// Execute runs the original task and records metrics.
func (mt *metricsTask) Execute(ctx context.Context) (interface{}, error) {
	start := time.Now()
	mp := mt.pool

	if mp.enabled {
		mp.registry.TaskQueueWait.WithLabelValues(mp.pool.Name()).Observe(start.Sub(mt.submitTime).Seconds())
		mp.updateMetrics()
	}

	value, err := mt.original.Execute(ctx)

	if mp.enabled {
		name := mp.pool.Name()
		mp.registry.TaskExecutionDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		mp.registry.TasksExecuted.WithLabelValues(name).Inc()

		if err != nil {
			mp.registry.TasksFailed.WithLabelValues(name).Inc()
		} else {
			mp.registry.TasksCompleted.WithLabelValues(name).Inc()
		}
	}

	return value, err
}

// Shutdown initiates graceful shutdown of the pool.
func (mp *MetricsPool) Shutdown() <-chan struct{} {
	return mp.pool.Shutdown()
}

// Close shuts the pool down, waits for it to drain and refreshes the gauges.
func (mp *MetricsPool) Close() error {
	err := mp.pool.Close()
	mp.updateMetrics()
	return err
}

// Name returns the pool name.
func (mp *MetricsPool) Name() string {
	return mp.pool.Name()
}

// Running reports whether the pool accepts submissions.
func (mp *MetricsPool) Running() bool {
	return mp.pool.Running()
}

// Size returns the current number of workers.
func (mp *MetricsPool) Size() int {
	return mp.pool.Size()
}

// QueueSize returns the current number of queued tasks.
func (mp *MetricsPool) QueueSize() int {
	return mp.pool.QueueSize()
}

// ActiveWorkers returns the number of workers currently executing tasks.
func (mp *MetricsPool) ActiveWorkers() int {
	return mp.pool.ActiveWorkers()
}

// TotalSubmitted returns the total number of tasks submitted.
func (mp *MetricsPool) TotalSubmitted() int64 {
	return mp.pool.TotalSubmitted()
}

// TotalCompleted returns the total number of tasks completed.
func (mp *MetricsPool) TotalCompleted() int64 {
	return mp.pool.TotalCompleted()
}
