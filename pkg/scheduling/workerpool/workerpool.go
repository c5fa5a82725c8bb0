package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	sferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
)

// Start launches the pool's workers.
func (p *workerPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case stateRunning:
		return nil
	case stateStopped:
		return sferrors.NewOperationError("workerpool", "Start", sferrors.ErrPoolUnavailable).
			WithContext("pool " + p.config.Name + " has been shut down")
	}

	p.workers = make([]worker, p.config.WorkerCount)
	for i := range p.workers {
		p.workers[i] = worker{id: i, pool: p}
		p.workerWg.Add(1)
		go p.workers[i].run()
	}
	p.state = stateRunning

	p.config.Logger.Debug("worker pool started",
		"pool", p.config.Name,
		"workers", p.config.WorkerCount)
	return nil
}

// Submit adds a task to the backlog and returns its future.
func (p *workerPool) Submit(ctx context.Context, task Task) (*Future, error) {
	if task == nil {
		return nil, fmt.Errorf("task cannot be nil")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case stateNew:
		return nil, sferrors.NewOperationError("workerpool", "Submit", sferrors.ErrPoolUnavailable).
			WithContext("pool " + p.config.Name + " not started")
	case stateStopped:
		return nil, sferrors.NewOperationError("workerpool", "Submit", sferrors.ErrPoolUnavailable).
			WithContext("pool " + p.config.Name + " has been shut down")
	}

	j := &job{
		task:     task,
		ctx:      ctx,
		future:   newFuture(),
		enqueued: time.Now(),
	}
	p.queue = append(p.queue, j)
	p.totalSubmitted.Add(1)
	p.cond.Signal()

	return j.future, nil
}

// Shutdown initiates a graceful shutdown of the pool.
func (p *workerPool) Shutdown() <-chan struct{} {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		wasRunning := p.state == stateRunning
		p.state = stateStopped
		p.cond.Broadcast()
		p.mu.Unlock()

		if !wasRunning {
			close(p.done)
			return
		}

		// Workers drain the backlog before exiting
		go func() {
			p.workerWg.Wait()
			p.config.Logger.Debug("worker pool stopped",
				"pool", p.config.Name,
				"completed", p.totalCompleted.Load())
			close(p.done)
		}()
	})

	return p.done
}

// Close shuts the pool down and blocks until it has drained.
func (p *workerPool) Close() error {
	<-p.Shutdown()
	return nil
}

// Name returns the pool name.
func (p *workerPool) Name() string {
	return p.config.Name
}

// Running reports whether the pool accepts submissions.
func (p *workerPool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateRunning
}

// Size returns the number of workers in the pool.
func (p *workerPool) Size() int {
	return p.config.WorkerCount
}

// QueueSize returns the current number of queued tasks waiting for execution.
func (p *workerPool) QueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// ActiveWorkers returns the number of workers currently executing tasks.
func (p *workerPool) ActiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// TotalSubmitted returns the total number of tasks submitted to the pool.
func (p *workerPool) TotalSubmitted() int64 {
	return p.totalSubmitted.Load()
}

// TotalCompleted returns the total number of tasks completed by the pool.
func (p *workerPool) TotalCompleted() int64 {
	return p.totalCompleted.Load()
}

// next blocks until a job is available. It returns false once the pool is
// stopped and the backlog is empty.
func (p *workerPool) next() (*job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && p.state == stateRunning {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil, false
	}

	j := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.active++
	return j, true
}

func (p *workerPool) finish() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	p.totalCompleted.Add(1)
}

// run is the main loop for a worker.
func (w *worker) run() {
	defer w.pool.workerWg.Done()

	if w.pool.config.OnWorkerStart != nil {
		w.pool.config.OnWorkerStart(w.id)
	}
	if w.pool.config.OnWorkerStop != nil {
		defer w.pool.config.OnWorkerStop(w.id)
	}

	for {
		j, ok := w.pool.next()
		if !ok {
			return
		}
		w.executeTask(j)
	}
}

// executeTask executes a single task and resolves its future.
func (w *worker) executeTask(j *job) {
	start := time.Now()
	var (
		value interface{}
		err   error
	)

	if w.pool.config.OnTaskStart != nil {
		w.pool.config.OnTaskStart(w.id, j.task)
	}

	// Handle panics during task execution
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v\nStack trace:\n%s", r, debug.Stack())
			w.pool.config.Logger.Error("task panicked",
				"pool", w.pool.config.Name,
				"worker", w.id,
				"panic", r)
			if handler := w.pool.config.PanicHandler; handler != nil {
				w.guard("PanicHandler", func() { handler(j.task, r) })
			}
		}

		result := Result{
			Value:    value,
			Error:    err,
			Duration: time.Since(start),
			WorkerID: w.id,
		}

		w.pool.finish()
		j.future.resolve(result)

		if hook := w.pool.config.OnTaskComplete; hook != nil {
			w.guard("OnTaskComplete", func() { hook(w.id, result) })
		}
	}()

	value, err = j.task.Execute(j.ctx)
}

// guard runs a hook called after the task's own recover, logging a panic
// instead of letting it kill the worker.
func (w *worker) guard(hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.config.Logger.Error("hook panicked",
				"pool", w.pool.config.Name,
				"worker", w.id,
				"hook", hook,
				"panic", r)
		}
	}()
	fn()
}
