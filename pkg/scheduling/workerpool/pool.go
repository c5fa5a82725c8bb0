package workerpool

import (
	"context"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	sferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/common/validation"
)

// Task represents a unit of work that can be executed by a worker.
type Task interface {
	// Execute runs the task with the context it was submitted with and
	// returns its value or failure.
	Execute(ctx context.Context) (interface{}, error)
}

// TaskFunc is a function type that implements the Task interface.
type TaskFunc func(ctx context.Context) (interface{}, error)

// Execute implements the Task interface for TaskFunc.
func (f TaskFunc) Execute(ctx context.Context) (interface{}, error) {
	return f(ctx)
}

// Result represents the result of a task execution.
type Result struct {
	// Value is what the task returned
	Value interface{}

	// Error is any error that occurred during task execution, including a
	// recovered panic
	Error error

	// Duration is how long the task took to execute
	Duration time.Duration

	// WorkerID identifies which worker executed the task
	WorkerID int
}

// Future resolves to the Result of one submitted task.
type Future struct {
	done   chan struct{}
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(r Result) {
	f.result = r
	close(f.done)
}

// Done returns a channel that is closed once the task has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the task has finished and returns its Result.
func (f *Future) Result() Result {
	<-f.done
	return f.result
}

// Await blocks until the task has finished and returns its value and error.
func (f *Future) Await() (interface{}, error) {
	r := f.Result()
	return r.Value, r.Error
}

// Pool represents a worker pool that can execute tasks concurrently.
type Pool interface {
	// Start launches the workers. Calling Start on a running pool is a no-op;
	// a pool that has been shut down cannot be restarted.
	Start() error

	// Submit queues a task and returns a Future for its result. The backlog is
	// unbounded so Submit never blocks. ctx is handed to the task unchanged.
	// Returns ErrPoolUnavailable if the pool is not running.
	Submit(ctx context.Context, task Task) (*Future, error)

	// Shutdown stops accepting tasks. Queued and running tasks still complete.
	// Returns a channel that closes when every worker has exited.
	Shutdown() <-chan struct{}

	// Close shuts the pool down and waits for it to drain.
	Close() error

	// Name returns the pool's name used in logs and metrics.
	Name() string

	// Running reports whether the pool accepts submissions.
	Running() bool

	// Size returns the number of workers in the pool.
	Size() int

	// QueueSize returns the current number of queued tasks waiting for execution.
	QueueSize() int

	// ActiveWorkers returns the number of workers currently executing tasks.
	ActiveWorkers() int

	// TotalSubmitted returns the total number of tasks submitted to the pool.
	TotalSubmitted() int64

	// TotalCompleted returns the total number of tasks completed by the pool.
	TotalCompleted() int64
}

// Config holds configuration options for creating a worker pool.
type Config struct {
	// Name labels the pool in logs and metrics. Defaults to "default".
	Name string

	// WorkerCount is the number of workers in the pool.
	// Zero means runtime.NumCPU().
	WorkerCount int

	// Logger receives recovered panics and lifecycle events.
	// If nil, slog.Default() is used.
	Logger *slog.Logger

	// Options holds backend parameters that New does not interpret itself.
	// Hooks can read them.
	Options map[string]string

	// PanicHandler is called when a task panics. The panic is always turned
	// into the task's error as well.
	PanicHandler func(task Task, recovered interface{})

	// OnWorkerStart is called when a worker starts.
	OnWorkerStart func(workerID int)

	// OnWorkerStop is called when a worker stops.
	OnWorkerStop func(workerID int)

	// OnTaskStart is called before a task begins execution.
	OnTaskStart func(workerID int, task Task)

	// OnTaskComplete is called after a task completes (success or failure).
	OnTaskComplete func(workerID int, result Result)
}

// ApplyOptions copies recognized backend options into c and keeps the rest
// in c.Options. Recognized keys: "name" and "workers".
func (c Config) ApplyOptions(opts map[string]string) (Config, error) {
	for k, v := range opts {
		switch k {
		case "name":
			if err := validation.ValidateNotEmpty("workerpool", "name", v); err != nil {
				return c, err
			}
			c.Name = v
		case "workers":
			n, err := strconv.Atoi(v)
			if err != nil {
				return c, sferrors.NewValidationError("workerpool", "workers", v, "not an integer")
			}
			if err := validation.ValidateNonNegative("workerpool", "workers", n); err != nil {
				return c, err
			}
			c.WorkerCount = n
		default:
			if c.Options == nil {
				c.Options = make(map[string]string)
			}
			c.Options[k] = v
		}
	}
	return c, nil
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.WorkerCount == 0 {
		c.WorkerCount = runtime.NumCPU()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type poolState int

const (
	stateNew poolState = iota
	stateRunning
	stateStopped
)

// job is a queued task together with its submission context and future.
type job struct {
	task     Task
	ctx      context.Context
	future   *Future
	enqueued time.Time
}

// workerPool implements the Pool interface.
type workerPool struct {
	config Config

	// Core pool state, guarded by mu
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*job
	state  poolState
	active int

	totalSubmitted atomic.Int64
	totalCompleted atomic.Int64

	// Worker management
	workers      []worker
	workerWg     sync.WaitGroup
	done         chan struct{}
	shutdownOnce sync.Once
}

// worker represents a single worker in the pool.
type worker struct {
	id   int
	pool *workerPool
}

// New creates a stopped worker pool with the given number of workers.
// Zero workers means runtime.NumCPU().
func New(workerCount int) Pool {
	return NewWithConfig(Config{WorkerCount: workerCount})
}

// NewWithConfig creates a stopped worker pool with the specified configuration.
// It panics if WorkerCount is negative.
func NewWithConfig(config Config) Pool {
	if config.WorkerCount < 0 {
		panic("worker count cannot be negative")
	}
	config = config.withDefaults()

	pool := &workerPool{
		config: config,
		done:   make(chan struct{}),
	}
	pool.cond = sync.NewCond(&pool.mu)
	return pool
}

// NewStarted creates a worker pool and starts it. A negative WorkerCount is
// reported as a ValidationError.
func NewStarted(config Config) (Pool, error) {
	if err := validation.ValidateNonNegative("workerpool", "workers", config.WorkerCount); err != nil {
		return nil, err
	}
	p := NewWithConfig(config)
	if err := p.Start(); err != nil {
		return nil, err
	}
	return p, nil
}
