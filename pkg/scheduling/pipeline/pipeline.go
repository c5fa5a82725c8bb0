package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vnykmshr/stageflow/internal/ctxlog"
	"github.com/vnykmshr/stageflow/pkg/common/validation"
	"github.com/vnykmshr/stageflow/pkg/metrics"
	"github.com/vnykmshr/stageflow/pkg/scheduling/workerpool"
	"github.com/vnykmshr/stageflow/pkg/stage"
)

// Result represents the outcome of a pipeline invocation.
type Result struct {
	// RunID identifies the invocation in logs
	RunID string

	// Input is the argument tuple the pipeline was invoked with
	Input []stage.Value

	// Output is the last stage's raw output; None on failure or when the
	// pipeline has no stages
	Output stage.Output

	// Error is the failure that aborted the invocation
	Error error

	// Duration is the total execution time
	Duration time.Duration

	// StageResults contains results from each stage that ran
	StageResults []StageResult

	// StartTime is when the invocation started
	StartTime time.Time

	// EndTime is when the invocation finished
	EndTime time.Time
}

// StageResult represents the result of a single stage execution.
type StageResult struct {
	// Index is the stage position in the pipeline
	Index int

	// StageName is the name of the stage
	StageName string

	// Kind is the stage variant
	Kind stage.Kind

	// Args are the positional arguments the stage received
	Args []stage.Value

	// Output is what the stage returned
	Output stage.Output

	// Error is any error from this stage
	Error error

	// Duration is how long this stage took
	Duration time.Duration

	// StartTime is when the stage started
	StartTime time.Time

	// EndTime is when the stage finished
	EndTime time.Time
}

// Stats holds pipeline execution statistics.
type Stats struct {
	TotalExecutions int64
	SuccessfulRuns  int64
	FailedRuns      int64
	TotalDuration   time.Duration
	AverageDuration time.Duration
	// StageStats is keyed by stage name. A stage reusing the name of an
	// earlier stage is keyed "name#index".
	StageStats      map[string]StageStats
	LastExecutionAt time.Time
}

// StageStats holds statistics for individual stages.
type StageStats struct {
	Name            string
	Index           int
	ExecutionCount  int64
	SuccessCount    int64
	ErrorCount      int64
	TotalDuration   time.Duration
	AverageDuration time.Duration
}

// Config holds pipeline configuration options.
type Config struct {
	// Name labels the pipeline in logs and metrics. Defaults to "pipeline".
	Name string

	// WorkerCount is the worker pool size. Zero means runtime.NumCPU().
	WorkerCount int

	// Ownership selects how parallel stages get their pool: one pool shared by
	// the whole pipeline (default), or a private pool per parallel invocation.
	Ownership stage.Ownership

	// Pool is an externally managed pool used instead of an owned one when
	// Ownership is shared. Open and Close leave it alone.
	Pool workerpool.Pool

	// Backend is the base worker pool configuration. Its WorkerCount, when
	// set, wins over WorkerCount.
	Backend workerpool.Config

	// Options are backend parameters passed through to the worker pool,
	// see workerpool.Config.ApplyOptions.
	Options map[string]string

	// Logger receives pipeline logs. If nil, the context logger is used.
	Logger *slog.Logger

	// Metrics configures Prometheus instrumentation.
	Metrics metrics.Config

	// Registry, when set, is used instead of building one from Metrics.
	Registry *metrics.Registry

	// OnStageStart is called before a stage runs.
	OnStageStart func(index int, stageName string, args []stage.Value)

	// OnStageComplete is called after a stage returns.
	OnStageComplete func(result StageResult)

	// OnError is called when a stage fails, before the invocation aborts.
	OnError func(index int, stageName string, err error)
}

// Pipeline runs an ordered list of stages, feeding each stage's flattened
// output into the next one.
type Pipeline struct {
	config   Config
	registry *metrics.Registry
	pool     workerpool.Pool
	ownsPool bool
	ref      stage.PoolRef

	mu     sync.RWMutex
	stages []*stage.Stage

	statsMu sync.Mutex
	stats   Stats
}

// New creates a pipeline. Its worker pool, if owned, is created here but
// only starts accepting work after Open.
func New(config Config) (*Pipeline, error) {
	if err := validation.ValidateNonNegative("pipeline", "workers", config.WorkerCount); err != nil {
		return nil, err
	}
	if config.Name == "" {
		config.Name = "pipeline"
	}

	backend := config.Backend
	if backend.WorkerCount == 0 {
		backend.WorkerCount = config.WorkerCount
	}
	if backend.Name == "" {
		backend.Name = config.Name
	}
	if backend.Logger == nil {
		backend.Logger = config.Logger
	}
	backend, err := backend.ApplyOptions(config.Options)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateNonNegative("pipeline", "backend.workers", backend.WorkerCount); err != nil {
		return nil, err
	}

	registry := config.Registry
	if registry == nil {
		registry = config.Metrics.Build()
	}

	p := &Pipeline{
		config:   config,
		registry: registry,
		stats: Stats{
			StageStats: make(map[string]StageStats),
		},
	}

	switch {
	case config.Ownership == stage.OwnershipPerCall:
		p.ref = stage.PerCallInstrumented(backend, p.registry)
	case config.Pool != nil:
		p.pool = config.Pool
		p.ref = stage.Shared(p.pool)
	default:
		p.pool = workerpool.NewWithConfig(backend)
		if p.registry != nil {
			p.pool = workerpool.Instrument(p.pool, p.registry)
		}
		p.ownsPool = true
		p.ref = stage.Shared(p.pool)
	}

	return p, nil
}

// MustNew is New that panics on invalid configuration.
func MustNew(config Config) *Pipeline {
	p, err := New(config)
	if err != nil {
		panic(err)
	}
	return p
}

// Run creates a pipeline, opens it, calls fn and closes it on every exit
// path, including a panic in fn.
func Run(ctx context.Context, config Config, fn func(ctx context.Context, p *Pipeline) error) error {
	p, err := New(config)
	if err != nil {
		return err
	}
	return p.With(ctx, fn)
}

// With opens p, calls fn and closes p when fn returns or panics.
func (p *Pipeline) With(ctx context.Context, fn func(ctx context.Context, p *Pipeline) error) error {
	if err := p.Open(ctx); err != nil {
		return err
	}
	defer p.Close()
	return fn(ctx, p)
}

// Open starts the owned worker pool. It is a no-op for per-call ownership
// and for an external pool.
func (p *Pipeline) Open(ctx context.Context) error {
	if !p.ownsPool {
		return nil
	}
	if err := p.pool.Start(); err != nil {
		return err
	}
	p.logger(ctx).Debug("pipeline opened",
		"pipeline", p.config.Name,
		"workers", p.pool.Size())
	return nil
}

// Close shuts the owned worker pool down and waits for queued and running
// branches. Parallel stages fail with ErrPoolUnavailable afterwards.
func (p *Pipeline) Close() error {
	if !p.ownsPool {
		return nil
	}
	return p.pool.Close()
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string {
	return p.config.Name
}

// Pool returns the shared worker pool, or nil under per-call ownership.
func (p *Pipeline) Pool() workerpool.Pool {
	return p.pool
}

// PoolRef returns the pool reference handed to parallel stages.
func (p *Pipeline) PoolRef() stage.PoolRef {
	return p.ref
}

// AppendStage appends a stage, wrapping a bare Func if needed.
func (p *Pipeline) AppendStage(step stage.Step) *Pipeline {
	s := stage.From(step)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stages = append(p.stages, s)
	return p
}

// AppendParallelStage appends one parallel stage bound to the pipeline's
// pool, with steps as its branches in the given order. The stage is named
// "parallel-<index>".
func (p *Pipeline) AppendParallelStage(steps ...stage.Step) *Pipeline {
	return p.AppendNamedParallelStage(fmt.Sprintf("parallel-%d", p.Len()), steps...)
}

// AppendNamedParallelStage is AppendParallelStage with an explicit name.
func (p *Pipeline) AppendNamedParallelStage(name string, steps ...stage.Step) *Pipeline {
	return p.AppendStage(stage.NamedParallel(name, p.ref, steps...))
}

// Stages returns all stages in the pipeline.
func (p *Pipeline) Stages() []*stage.Stage {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stages := make([]*stage.Stage, len(p.stages))
	copy(stages, p.stages)
	return stages
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stages)
}

// Invoke runs the pipeline. The first stage receives args exactly as given;
// every later stage receives the previous output flattened with
// Output.Args. The last stage's output is returned as is. A pipeline without
// stages returns stage.None and no error. On failure the output is None and
// the error is the failing stage's error.
func (p *Pipeline) Invoke(ctx context.Context, args ...stage.Value) (stage.Output, error) {
	result := p.InvokeDetailed(ctx, args...)
	return result.Output, result.Error
}

// InvokeAsync runs the pipeline in a new goroutine and delivers the result
// on the returned channel.
func (p *Pipeline) InvokeAsync(ctx context.Context, args ...stage.Value) <-chan *Result {
	resultCh := make(chan *Result, 1)

	go func() {
		defer close(resultCh)
		resultCh <- p.InvokeDetailed(ctx, args...)
	}()

	return resultCh
}

// InvokeDetailed runs the pipeline and returns per-stage results alongside
// the output.
func (p *Pipeline) InvokeDetailed(ctx context.Context, args ...stage.Value) *Result {
	if ctx == nil {
		ctx = context.Background()
	}

	runID := uuid.NewString()
	logger := p.logger(ctx).With("pipeline", p.config.Name, "run_id", runID)
	ctx = ctxlog.WithRunID(ctxlog.WithLogger(ctx, logger), runID)

	stages := p.Stages()
	result := &Result{
		RunID:        runID,
		Input:        args,
		StartTime:    time.Now(),
		StageResults: make([]StageResult, 0, len(stages)),
	}

	logger.Debug("pipeline invocation started", "stages", len(stages))

	result.Output, result.Error = p.executeStages(ctx, stages, args, result)
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	p.updateStats(result)
	p.registry.ObserveInvocation(p.config.Name, result.Duration, result.Error)

	if result.Error != nil {
		logger.Warn("pipeline invocation failed",
			"duration", result.Duration,
			"error", result.Error)
	} else {
		logger.Debug("pipeline invocation finished",
			"duration", result.Duration,
			"output", result.Output.String())
	}

	return result
}

// executeStages runs all stages in order, aborting on the first failure.
func (p *Pipeline) executeStages(ctx context.Context, stages []*stage.Stage, args []stage.Value, result *Result) (stage.Output, error) {
	if len(stages) == 0 {
		return stage.None, nil
	}

	current := args
	var output stage.Output

	for i, s := range stages {
		if i > 0 {
			current = output.Args()
		}

		stageResult := p.executeStage(ctx, i, s, current, statsKey(stages, i))
		result.StageResults = append(result.StageResults, stageResult)

		if stageResult.Error != nil {
			if p.config.OnError != nil {
				p.config.OnError(i, s.Name(), stageResult.Error)
			}
			return stage.None, stageResult.Error
		}
		output = stageResult.Output
	}

	return output, nil
}

// executeStage executes a single stage.
func (p *Pipeline) executeStage(ctx context.Context, index int, s *stage.Stage, args []stage.Value, key string) StageResult {
	if p.config.OnStageStart != nil {
		p.config.OnStageStart(index, s.Name(), args)
	}
	if s.Kind() == stage.KindParallel {
		p.registry.AddBranches(p.config.Name, s.Name(), s.BranchCount())
	}

	startTime := time.Now()
	output, err := s.Invoke(ctx, args)
	endTime := time.Now()

	stageResult := StageResult{
		Index:     index,
		StageName: s.Name(),
		Kind:      s.Kind(),
		Args:      args,
		Output:    output,
		Error:     err,
		Duration:  endTime.Sub(startTime),
		StartTime: startTime,
		EndTime:   endTime,
	}

	p.updateStageStats(key, stageResult)
	p.registry.ObserveStage(p.config.Name, s.Name(), stageResult.Duration)

	if err != nil {
		ctxlog.FromContext(ctx).Debug("stage failed",
			"index", index,
			"stage", s.Name(),
			"kind", s.Kind().String(),
			"error", err)
	}

	if p.config.OnStageComplete != nil {
		p.config.OnStageComplete(stageResult)
	}

	return stageResult
}

func (p *Pipeline) logger(ctx context.Context) *slog.Logger {
	if p.config.Logger != nil {
		return p.config.Logger
	}
	return ctxlog.FromContext(ctx)
}

// Stats returns pipeline execution statistics.
func (p *Pipeline) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	// Create a copy to avoid race conditions
	statsCopy := p.stats
	statsCopy.StageStats = make(map[string]StageStats, len(p.stats.StageStats))
	for k, v := range p.stats.StageStats {
		statsCopy.StageStats[k] = v
	}

	if statsCopy.TotalExecutions > 0 {
		statsCopy.AverageDuration = time.Duration(int64(statsCopy.TotalDuration) / statsCopy.TotalExecutions)
	}

	return statsCopy
}

// updateStats updates pipeline statistics.
func (p *Pipeline) updateStats(result *Result) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	p.stats.TotalExecutions++
	p.stats.TotalDuration += result.Duration
	p.stats.LastExecutionAt = result.EndTime

	if result.Error == nil {
		p.stats.SuccessfulRuns++
	} else {
		p.stats.FailedRuns++
	}
}

// statsKey is the StageStats key of stages[index]: its name, or
// "name#index" when an earlier stage already uses that name.
func statsKey(stages []*stage.Stage, index int) string {
	name := stages[index].Name()
	for _, s := range stages[:index] {
		if s.Name() == name {
			return fmt.Sprintf("%s#%d", name, index)
		}
	}
	return name
}

// updateStageStats updates statistics for a specific stage.
func (p *Pipeline) updateStageStats(key string, result StageResult) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	stats, exists := p.stats.StageStats[key]
	if !exists {
		stats = StageStats{Name: result.StageName, Index: result.Index}
	}

	stats.ExecutionCount++
	stats.TotalDuration += result.Duration

	if result.Error == nil {
		stats.SuccessCount++
	} else {
		stats.ErrorCount++
	}

	if stats.ExecutionCount > 0 {
		stats.AverageDuration = time.Duration(int64(stats.TotalDuration) / stats.ExecutionCount)
	}

	p.stats.StageStats[key] = stats
}
