package config

import (
	"fmt"
	"log/slog"

	"github.com/vnykmshr/stageflow/pkg/metrics"
	"github.com/vnykmshr/stageflow/pkg/resilience/retry"
	"github.com/vnykmshr/stageflow/pkg/resilience/throttle"
	"github.com/vnykmshr/stageflow/pkg/scheduling/pipeline"
	"github.com/vnykmshr/stageflow/pkg/stage"
	"github.com/vnykmshr/stageflow/pkg/timing"
)

// BuildOptions configures how a pipeline is built from a File.
type BuildOptions struct {
	// Logger is set as the pipeline logger and used by retry and timing
	// wrappers. If nil, the context logger is used at invocation time.
	Logger *slog.Logger

	// Metrics is shared by the pipeline and its retry and timing wrappers.
	// Nil leaves the pipeline on File.Metrics and disables wrapper recording.
	Metrics *metrics.Registry

	// Configure adjusts the pipeline configuration before the pipeline is
	// created, e.g. to add hooks.
	Configure func(*pipeline.Config)
}

// Build creates an unopened pipeline from f, appending f.Stages resolved
// against reg. Parallel groups are bound to the pipeline's pool.
func (f *File) Build(reg *Registry, opts BuildOptions) (*pipeline.Pipeline, error) {
	config := f.PipelineConfig()
	config.Logger = opts.Logger
	if opts.Metrics != nil {
		config.Registry = opts.Metrics
	}
	if opts.Configure != nil {
		opts.Configure(&config)
	}

	p, err := pipeline.New(config)
	if err != nil {
		return nil, err
	}

	b := builder{file: f, reg: reg, opts: opts, ref: p.PoolRef()}
	for i, ref := range f.Stages {
		s, err := b.stage(ref, fmt.Sprintf("parallel-%d", i))
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		p.AppendStage(s)
	}
	return p, nil
}

type builder struct {
	file *File
	reg  *Registry
	opts BuildOptions
	ref  stage.PoolRef
}

// stage resolves ref. defaultName names unnamed parallel groups.
func (b builder) stage(ref StageRef, defaultName string) (*stage.Stage, error) {
	var s *stage.Stage

	if ref.IsParallel() {
		name := ref.Name
		if name == "" {
			name = defaultName
		}
		branches := make([]stage.Step, 0, len(ref.Parallel))
		for i, branchRef := range ref.Parallel {
			branch, err := b.stage(branchRef, fmt.Sprintf("%s.%d", name, i))
			if err != nil {
				return nil, fmt.Errorf("%s branch %d: %w", name, i, err)
			}
			branches = append(branches, branch)
		}
		s = stage.NamedParallel(name, b.ref, branches...)
	} else {
		if b.reg == nil {
			return nil, fmt.Errorf("%q: no stage registry", ref.Name)
		}
		registered, ok := b.reg.Get(ref.Name)
		if !ok {
			return nil, fmt.Errorf("%q not in registry", ref.Name)
		}
		s = registered
	}

	if ref.Throttle != nil && ref.Throttle.Every > 0 {
		config := ref.Throttle.Limiter(s.Name())
		config.Logger = b.opts.Logger
		config.Metrics = b.opts.Metrics
		lim, err := throttle.NewWithConfig(config)
		if err != nil {
			return nil, err
		}
		s = throttle.Stage(s, lim)
	}
	if ref.Retry != nil {
		policy := ref.Retry.merge(b.file.Retry).Policy(s.Name())
		policy.Logger = b.opts.Logger
		policy.Metrics = b.opts.Metrics
		s = retry.Stage(s, policy)
	}
	if ref.Timed {
		s = timing.Observer{Logger: b.opts.Logger, Metrics: b.opts.Metrics}.Stage(s)
	}
	return s, nil
}
