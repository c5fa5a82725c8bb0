package stage

import (
	"context"
	"fmt"

	"github.com/vnykmshr/stageflow/internal/ctxlog"
	sferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/common/validation"
	"github.com/vnykmshr/stageflow/pkg/metrics"
	"github.com/vnykmshr/stageflow/pkg/scheduling/workerpool"
)

// Ownership tells how a parallel stage obtains its worker pool.
type Ownership uint8

const (
	// OwnershipShared borrows an externally managed pool.
	OwnershipShared Ownership = iota
	// OwnershipPerCall builds, starts and releases a private pool on every
	// invocation.
	OwnershipPerCall
)

func (o Ownership) String() string {
	switch o {
	case OwnershipShared:
		return "shared"
	case OwnershipPerCall:
		return "per_call"
	}
	return fmt.Sprintf("Ownership(%d)", uint8(o))
}

// PoolRef is a parallel stage's handle on a worker pool. Build one with
// Shared or PerCall.
type PoolRef interface {
	// Ownership reports which variant this reference is.
	Ownership() Ownership

	// acquire returns a running pool and the function that gives it back.
	// release is told whether the join failed.
	acquire() (pool workerpool.Pool, release func(failed bool), err error)
}

type sharedRef struct {
	pool workerpool.Pool
}

// Shared returns a PoolRef that borrows pool. The stage never starts or
// stops it; whoever owns the pool manages its lifecycle.
func Shared(pool workerpool.Pool) PoolRef {
	return sharedRef{pool: pool}
}

func (r sharedRef) Ownership() Ownership { return OwnershipShared }

func (r sharedRef) acquire() (workerpool.Pool, func(bool), error) {
	if r.pool == nil {
		return nil, nil, sferrors.NewOperationError("stage", "acquire", sferrors.ErrPoolUnavailable).
			WithContext("no shared pool")
	}
	return r.pool, func(bool) {}, nil
}

type perCallRef struct {
	config   workerpool.Config
	registry *metrics.Registry
}

// PerCall returns a PoolRef that creates a private pool from config for every
// invocation and shuts it down after the join.
func PerCall(config workerpool.Config) PoolRef {
	return perCallRef{config: config}
}

// PerCallInstrumented is PerCall with each private pool recorded in registry.
func PerCallInstrumented(config workerpool.Config, registry *metrics.Registry) PoolRef {
	return perCallRef{config: config, registry: registry}
}

func (r perCallRef) Ownership() Ownership { return OwnershipPerCall }

func (r perCallRef) acquire() (workerpool.Pool, func(bool), error) {
	if err := validation.ValidateNonNegative("stage", "workers", r.config.WorkerCount); err != nil {
		return nil, nil, err
	}
	pool := workerpool.NewWithConfig(r.config)
	if r.registry != nil {
		pool = workerpool.Instrument(pool, r.registry)
	}
	if err := pool.Start(); err != nil {
		return nil, nil, err
	}
	release := func(failed bool) {
		if failed {
			// Abandoned branches finish in the background
			pool.Shutdown()
			return
		}
		_ = pool.Close()
	}
	return pool, release, nil
}

// NewParallel returns a parallel stage running branches on the pool given by
// ref.
func NewParallel(ref PoolRef, branches ...Step) *Stage {
	return NamedParallel("parallel", ref, branches...)
}

// NamedParallel is NewParallel with an explicit stage name.
func NamedParallel(name string, ref PoolRef, branches ...Step) *Stage {
	if ref == nil {
		ref = PerCall(workerpool.Config{})
	}
	s := &Stage{name: name, kind: KindParallel, pool: ref}
	for _, b := range branches {
		s.AddBranch(b)
	}
	return s
}

// AddBranch appends a branch. Registration order defines result order.
// It panics on a simple stage.
func (s *Stage) AddBranch(step Step) *Stage {
	if s.kind != KindParallel {
		panic("stage: AddBranch on " + s.kind.String() + " stage " + s.name)
	}
	b := From(step)

	s.mu.Lock()
	s.branches = append(s.branches, b)
	s.mu.Unlock()
	return s
}

// Branches returns a copy of the branch list. Simple stages have none.
func (s *Stage) Branches() []*Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	branches := make([]*Stage, len(s.branches))
	copy(branches, s.branches)
	return branches
}

// BranchCount returns the number of registered branches.
func (s *Stage) BranchCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.branches)
}

// PoolRef returns the pool reference of a parallel stage, or nil.
func (s *Stage) PoolRef() PoolRef {
	return s.pool
}

// invokeParallel submits every branch against the same args, then joins the
// futures in registration order. The first failure in that order is
// returned; branches still running are abandoned, not cancelled.
func (s *Stage) invokeParallel(ctx context.Context, args []Value) (Output, error) {
	branches := s.Branches()
	if len(branches) == 0 {
		return Multiple(), nil
	}

	pool, release, err := s.pool.acquire()
	if err != nil {
		return None, err
	}
	failed := true
	defer func() { release(failed) }()

	logger := ctxlog.FromContext(ctx)

	futures := make([]*workerpool.Future, 0, len(branches))
	for _, b := range branches {
		b := b
		future, err := pool.Submit(ctx, workerpool.TaskFunc(func(ctx context.Context) (interface{}, error) {
			return b.Invoke(ctx, args)
		}))
		if err != nil {
			logger.Warn("branch submission failed",
				"run_id", ctxlog.RunID(ctx),
				"stage", s.name,
				"branch", b.Name(),
				"error", err)
			return None, err
		}
		futures = append(futures, future)
	}

	values := make([]Value, len(futures))
	for i, future := range futures {
		v, err := future.Await()
		if err != nil {
			logger.Debug("branch failed",
				"run_id", ctxlog.RunID(ctx),
				"stage", s.name,
				"index", i,
				"branch", branches[i].Name(),
				"error", err)
			return None, &sferrors.BranchError{Index: i, Stage: branches[i].Name(), Err: err}
		}
		out, _ := v.(Output)
		values[i] = out.Value()
	}

	failed = false
	return Multiple(values...), nil
}
