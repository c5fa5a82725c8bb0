package benchmark

import (
	"context"
	"fmt"
	"testing"

	"github.com/vnykmshr/stageflow/pkg/resilience/throttle"
	"github.com/vnykmshr/stageflow/pkg/scheduling/workerpool"
	"github.com/vnykmshr/stageflow/pkg/stage"
)

func identity(_ context.Context, args ...stage.Value) (stage.Output, error) {
	return stage.Multiple(args...), nil
}

func branches(n int) []stage.Step {
	steps := make([]stage.Step, n)
	for i := range steps {
		steps[i] = stage.Func(identity)
	}
	return steps
}

// BenchmarkParallelStageOwnership compares a shared pool with a private
// pool per invocation.
func BenchmarkParallelStageOwnership(b *testing.B) {
	config := workerpool.Config{WorkerCount: 4}
	args := []stage.Value{1, 2}

	for _, n := range []int{2, 8} {
		b.Run(fmt.Sprintf("shared/branches%d", n), func(b *testing.B) {
			pool := startPool(b, config.WorkerCount)
			s := stage.NewParallel(stage.Shared(pool), branches(n)...)
			ctx := context.Background()

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := s.Invoke(ctx, args); err != nil {
					b.Fatal(err)
				}
			}
		})

		b.Run(fmt.Sprintf("per-call/branches%d", n), func(b *testing.B) {
			s := stage.NewParallel(stage.PerCall(config), branches(n)...)
			ctx := context.Background()

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := s.Invoke(ctx, args); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkThrottleUnlimited measures the overhead of an unlimited throttle.
func BenchmarkThrottleUnlimited(b *testing.B) {
	lim, err := throttle.New(throttle.Inf, 1)
	if err != nil {
		b.Fatal(err)
	}
	s := throttle.Stage(stage.New(identity), lim)
	ctx := context.Background()
	args := []stage.Value{1}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Invoke(ctx, args); err != nil {
			b.Fatal(err)
		}
	}
}
