/*
Package workerpool provides the bounded worker pool that runs the branches of
parallel pipeline stages.

A worker pool manages a fixed number of worker goroutines that execute
submitted tasks concurrently. The backlog is unbounded: submitting more tasks
than there are workers never fails, excess tasks wait in FIFO order.

Basic usage:

	pool := workerpool.New(4) // 4 workers; 0 means runtime.NumCPU()
	if err := pool.Start(); err != nil {
		return err
	}
	defer pool.Close()

	future, err := pool.Submit(ctx, workerpool.TaskFunc(func(ctx context.Context) (interface{}, error) {
		return compute(), nil
	}))
	if err != nil {
		return err // ErrPoolUnavailable if the pool is not running
	}

	value, err := future.Await()

Lifecycle:

A pool is created stopped. Start launches the workers; Shutdown stops intake
and returns a channel that closes once every queued and running task has
finished; Close does both and waits. Submitting before Start or after
Shutdown fails immediately with an error matching errors.ErrPoolUnavailable.
A pool cannot be restarted.

Futures:

Every submission returns a Future. Await blocks until the task finishes and
returns its value and error. A panicking task is recovered by its worker and
its Future resolves with an error carrying the panic value and stack. Nobody
is required to await a Future: abandoned results are simply dropped.

Configuration:

	config := workerpool.Config{
		Name:        "fanout",
		WorkerCount: 8,
		Logger:      logger,
		OnTaskComplete: func(workerID int, result workerpool.Result) {
			log.Printf("worker %d finished in %v", workerID, result.Duration)
		},
	}
	pool := workerpool.NewWithConfig(config)

Backend options given as string pairs (for example from a configuration
file) are merged with Config.ApplyOptions. The keys "name" and "workers" are
interpreted; every other key is kept in Config.Options for hooks to read.

Metrics:

NewWithConfigAndMetrics and Instrument wrap a pool so that queue wait, task
duration, outcomes and pool gauges are recorded in a metrics.Registry.

Thread Safety:

All pool operations are safe for concurrent use from multiple goroutines.
*/
package workerpool
