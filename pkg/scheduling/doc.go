/*
Package scheduling groups the execution primitives of stageflow:

  - workerpool: fixed-size pool executing submitted tasks and returning futures
  - pipeline: ordered stages fed by argument flattening, with parallel stages
    fanning out to a worker pool
  - scheduler: cron and interval driven invocation of pipelines

Worker Pool:

	pool, err := workerpool.NewStarted(workerpool.Config{WorkerCount: 4})
	if err != nil {
		return err
	}
	defer pool.Close()

	f, err := pool.Submit(ctx, workerpool.TaskFunc(func(ctx context.Context) (interface{}, error) {
		return 42, nil
	}))
	v, err := f.Await()

Pipeline:

	err := pipeline.Run(ctx, pipeline.Config{WorkerCount: 4}, func(ctx context.Context, p *pipeline.Pipeline) error {
		p.AppendStage(parse).
			AppendParallelStage(enrich, score).
			AppendStage(store)
		_, err := p.Invoke(ctx, raw)
		return err
	})

Scheduler:

	s := scheduler.New(scheduler.Config{})
	s.Schedule("nightly", "0 2 * * *", p, scheduler.Static(raw))
	s.Start()
	defer func() { <-s.Stop().Done() }()

Pools, pipelines and schedulers are safe for concurrent use.
*/
package scheduling
