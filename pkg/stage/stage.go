package stage

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
)

// Func is the callable wrapped by a simple stage. It receives the positional
// arguments of the invocation and declares the shape of its result.
type Func func(ctx context.Context, args ...Value) (Output, error)

// Kind tags the variant held by a Stage.
type Kind uint8

const (
	// KindSimple stages call one Func.
	KindSimple Kind = iota
	// KindParallel stages fan the same arguments out to their branches.
	KindParallel
)

func (k Kind) String() string {
	switch k {
	case KindSimple:
		return "simple"
	case KindParallel:
		return "parallel"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Step is anything that can be appended to a pipeline or a parallel stage:
// a *Stage or a bare Func.
type Step interface {
	toStage() *Stage
}

func (f Func) toStage() *Stage { return New(f) }

func (s *Stage) toStage() *Stage { return s }

// From returns the Stage for step, wrapping a bare Func if needed.
func From(step Step) *Stage {
	if step == nil {
		panic("stage: nil step")
	}
	return step.toStage()
}

// Stage is a single pipeline step. It is either simple (wraps a Func) or
// parallel (holds branches and a PoolRef). Both variants are invoked the same
// way, so a parallel stage fits anywhere a stage does.
type Stage struct {
	name string
	kind Kind

	// KindSimple
	fn Func

	// KindParallel; branches may only grow during assembly
	mu       sync.RWMutex
	branches []*Stage
	pool     PoolRef
}

// New wraps fn into a simple stage named after the function.
func New(fn Func) *Stage {
	return Named(funcName(fn), fn)
}

// Named wraps fn into a simple stage with an explicit name.
func Named(name string, fn Func) *Stage {
	if fn == nil {
		panic("stage: nil func")
	}
	return &Stage{name: name, kind: KindSimple, fn: fn}
}

// Name returns the stage name used in logs, errors and metrics.
func (s *Stage) Name() string { return s.name }

// Kind returns the stage variant.
func (s *Stage) Kind() Kind { return s.kind }

// Invoke runs the stage with args. A simple stage returns whatever its Func
// returns, unmodified. A parallel stage returns Multiple with one entry per
// branch in registration order.
func (s *Stage) Invoke(ctx context.Context, args []Value) (Output, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch s.kind {
	case KindSimple:
		return s.fn(ctx, args...)
	case KindParallel:
		return s.invokeParallel(ctx, args)
	}
	return None, fmt.Errorf("stage %s: unknown kind %v", s.name, s.kind)
}

// funcName derives a short readable name from a function value.
func funcName(fn interface{}) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return "stage"
	}
	rf := runtime.FuncForPC(v.Pointer())
	if rf == nil {
		return "stage"
	}
	name := rf.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
