/*
Package pipeline chains stages into a sequential pipeline whose stages may fan
out to a worker pool.

Each invocation feeds its arguments to the first stage, flattens every stage's
Output into the positional arguments of the next one and returns the last
stage's Output unchanged.

# Quick Start

	err := pipeline.Run(ctx, pipeline.Config{WorkerCount: 4}, func(ctx context.Context, p *pipeline.Pipeline) error {
		p.AppendStage(stage.Unary(func(ctx context.Context, x int) (int, error) { return x + 1, nil }))
		p.AppendParallelStage(
			stage.Unary(func(ctx context.Context, x int) (int, error) { return x + 1, nil }),
			stage.Unary(func(ctx context.Context, x int) (int, error) { return x + 2, nil }),
		)
		p.AppendStage(stage.Of(func(a, b int) int { return a + b }))

		out, err := p.Invoke(ctx, 1)
		if err != nil {
			return err
		}
		fmt.Println(out.Value()) // 7
		return nil
	})

Run opens the pipeline's pool and closes it however the callback exits. The
same can be done by hand with New, Open and Close.

# Pool Ownership

With the default shared ownership, New builds one worker pool and every
parallel stage appended through AppendParallelStage borrows it. Config.Pool
replaces it with an external pool that the pipeline never starts or stops.
Setting Ownership to stage.OwnershipPerCall gives each parallel invocation a
private pool sized by WorkerCount instead.

Nested parallel stages on a shared pool occupy one worker per waiting parent.
A pool with fewer workers than the deepest chain of waiting parents stalls.

# Results

	res := p.InvokeDetailed(ctx, 1)
	for _, sr := range res.StageResults {
		fmt.Printf("%s: %v (took %v)\n", sr.StageName, sr.Output, sr.Duration)
	}

Every invocation gets a run ID that appears in its logs and in Result.RunID.
A pipeline without stages returns stage.None.

# Error Handling

The first failing stage aborts the invocation and its error is returned as is.
Failures inside a parallel stage arrive as *errors.BranchError, which unwraps
to the branch's own error.

# Monitoring

	config := pipeline.Config{
		OnStageStart: func(index int, name string, args []stage.Value) {
			log.Printf("starting %d %s", index, name)
		},
		OnStageComplete: func(result pipeline.StageResult) {
			log.Printf("%s completed in %v", result.StageName, result.Duration)
		},
		Metrics: metrics.Config{Enabled: true},
	}

Stats aggregates invocation and per-stage counters.

# Thread Safety

A pipeline may be invoked from several goroutines at once. Stages should not
be appended while invocations are in flight.
*/
package pipeline
