/*
Package stageflow runs in-process pipelines whose stages can fan out to a
worker pool.

Stages (pkg/stage):
  - stage: simple and parallel stages, the None/Single/Multiple output shape
    and adapters from typed Go functions

Scheduling (pkg/scheduling):
  - workerpool: fixed-size pool with an explicit start/stop lifecycle
  - pipeline: ordered stages, argument flattening and pool ownership
  - scheduler: cron-driven pipeline invocation

Resilience (pkg/resilience):
  - retry: bounded re-invocation of a failing stage
  - throttle: token bucket gating of a stage

Support:
  - timing: elapsed-time observer for stages and arbitrary calls
  - metrics: Prometheus collectors shared by every component
  - config: YAML pipeline description built against a stage registry

Example usage:

	import (
		"github.com/vnykmshr/stageflow/pkg/scheduling/pipeline"
		"github.com/vnykmshr/stageflow/pkg/stage"
	)

	inc := stage.Unary(func(_ context.Context, x int) (int, error) { return x + 1, nil })
	add2 := stage.Unary(func(_ context.Context, x int) (int, error) { return x + 2, nil })
	sum := stage.Binary(func(_ context.Context, a, b int) (int, error) { return a + b, nil })

	err := pipeline.Run(ctx, pipeline.Config{WorkerCount: 4}, func(ctx context.Context, p *pipeline.Pipeline) error {
		p.AppendStage(inc).AppendParallelStage(inc, add2).AppendStage(sum)
		out, err := p.Invoke(ctx, 1) // Single(7)
		...
	})
*/
package stageflow
