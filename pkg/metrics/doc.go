// Package metrics provides Prometheus instrumentation for stageflow components.
//
// # Overview
//
// The metrics package instruments:
//   - Pipelines (invocations, failures, invocation and stage durations, branches submitted)
//   - Worker pools (pool size, active workers, queued tasks, task outcomes and durations)
//   - Collaborators (retry attempts and exhaustion, timing observer durations, throttle waits)
//
// # Quick Start
//
// Enable metrics through the component configuration:
//
//	p, err := pipeline.New(pipeline.Config{
//		Name:    "orders",
//		Metrics: metrics.DefaultConfig(),
//	})
//
// Then expose metrics via HTTP:
//
//	http.Handle("/metrics", promhttp.Handler())
//	log.Fatal(http.ListenAndServe(":8080", nil))
//
// # Custom Registry
//
// Use a custom Prometheus registry for isolation:
//
//	reg := prometheus.NewRegistry()
//	cfg := metrics.Config{Enabled: true, Registry: reg}
//	registry := cfg.Build()
//
// Building an equal Config again returns the same *Registry, so several
// pipelines can be created from one Config. A disabled Config builds a nil
// *Registry. Every Observe method accepts a
// nil receiver, so components never need to check whether metrics are on.
//
// # Available Metrics
//
//   - stageflow_pipeline_invocations_total{pipeline_name}
//   - stageflow_pipeline_failures_total{pipeline_name}
//   - stageflow_pipeline_duration_seconds{pipeline_name}
//   - stageflow_pipeline_stage_duration_seconds{pipeline_name,stage}
//   - stageflow_pipeline_branches_submitted_total{pipeline_name,stage}
//   - stageflow_workerpool_tasks_executed_total{pool_name}
//   - stageflow_workerpool_tasks_completed_total{pool_name}
//   - stageflow_workerpool_tasks_failed_total{pool_name}
//   - stageflow_workerpool_task_duration_seconds{pool_name}
//   - stageflow_workerpool_task_queue_wait_seconds{pool_name}
//   - stageflow_workerpool_size{pool_name}
//   - stageflow_workerpool_active_workers{pool_name}
//   - stageflow_workerpool_queued_tasks{pool_name}
//   - stageflow_retry_attempts_total{name}
//   - stageflow_retry_exhausted_total{name}
//   - stageflow_timing_duration_seconds{tag}
//   - stageflow_throttle_wait_seconds{name}
package metrics
