package stage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vnykmshr/stageflow/internal/testutil"
	sferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/scheduling/workerpool"
)

func startedPool(t *testing.T, workers int) workerpool.Pool {
	t.Helper()
	pool, err := workerpool.NewStarted(workerpool.Config{WorkerCount: workers})
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

// delayed returns a branch that sleeps and then returns x+offset.
func delayed(offset int, d time.Duration) Func {
	return func(ctx context.Context, args ...Value) (Output, error) {
		time.Sleep(d)
		return Single(args[0].(int) + offset), nil
	}
}

func TestParallelPreservesRegistrationOrder(t *testing.T) {
	pool := startedPool(t, 4)

	t.Run("slowest registered first", func(t *testing.T) {
		s := NewParallel(Shared(pool),
			delayed(1, 40*time.Millisecond),
			delayed(2, 20*time.Millisecond),
			delayed(3, 0),
		)
		out, err := s.Invoke(context.Background(), []Value{10})
		testutil.AssertNoError(t, err)
		if diff := cmp.Diff([]Value{11, 12, 13}, out.Args()); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("fastest registered first", func(t *testing.T) {
		s := NewParallel(Shared(pool),
			delayed(1, 0),
			delayed(2, 20*time.Millisecond),
			delayed(3, 40*time.Millisecond),
		)
		out, err := s.Invoke(context.Background(), []Value{10})
		testutil.AssertNoError(t, err)
		if diff := cmp.Diff([]Value{11, 12, 13}, out.Args()); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestParallelZeroBranches(t *testing.T) {
	pool := workerpool.New(1) // never started: no submission may happen
	defer pool.Close()

	s := NewParallel(Shared(pool))
	out, err := s.Invoke(context.Background(), []Value{1})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, out.IsMultiple(), true)
	testutil.AssertEqual(t, out.Len(), 0)
	testutil.AssertEqual(t, pool.TotalSubmitted(), int64(0))
}

func TestParallelBranchFailure(t *testing.T) {
	pool := startedPool(t, 3)

	errTwo := errors.New("branch two failed")
	var thirdDone int32

	s := NewParallel(Shared(pool),
		delayed(1, 0),
		Named("second", func(ctx context.Context, args ...Value) (Output, error) {
			return None, errTwo
		}),
		Func(func(ctx context.Context, args ...Value) (Output, error) {
			time.Sleep(50 * time.Millisecond)
			atomic.StoreInt32(&thirdDone, 1)
			return Single(3), nil
		}),
	)

	done := make(chan error, 1)
	go func() {
		_, err := s.Invoke(context.Background(), []Value{1})
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(testutil.TestTimeout):
		t.Fatal("join deadlocked")
	}

	testutil.AssertEqual(t, errors.Is(err, errTwo), true)
	berr, ok := sferrors.AsBranchError(err)
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, berr.Index, 1)
	testutil.AssertEqual(t, berr.Stage, "second")

	// The abandoned third branch still runs to completion
	testutil.WaitForInt32(t, &thirdDone, 1, time.Second)
}

func TestParallelFirstFailureInRegistrationOrder(t *testing.T) {
	pool := startedPool(t, 2)

	errFirst := errors.New("first")
	errSecond := errors.New("second")

	s := NewParallel(Shared(pool),
		Func(func(ctx context.Context, args ...Value) (Output, error) {
			time.Sleep(30 * time.Millisecond)
			return None, errFirst
		}),
		Func(func(ctx context.Context, args ...Value) (Output, error) {
			return None, errSecond
		}),
	)

	_, err := s.Invoke(context.Background(), nil)
	testutil.AssertEqual(t, errors.Is(err, errFirst), true)
	testutil.AssertEqual(t, errors.Is(err, errSecond), false)
}

func TestParallelBranchPanic(t *testing.T) {
	pool := startedPool(t, 1)

	s := NewParallel(Shared(pool), Func(func(ctx context.Context, args ...Value) (Output, error) {
		panic("kaboom")
	}))

	_, err := s.Invoke(context.Background(), nil)
	_, ok := sferrors.AsBranchError(err)
	testutil.AssertEqual(t, ok, true)
}

func TestParallelArgumentMismatchInBranch(t *testing.T) {
	pool := startedPool(t, 2)

	s := NewParallel(Shared(pool), Of(func(x, y int) int { return x + y }))
	_, err := s.Invoke(context.Background(), []Value{1})
	testutil.AssertEqual(t, errors.Is(err, sferrors.ErrArgumentMismatch), true)
}

func TestParallelMoreBranchesThanWorkers(t *testing.T) {
	pool := startedPool(t, 2)

	s := NewParallel(Shared(pool))
	for i := 0; i < 5; i++ {
		s.AddBranch(delayed(i, 10*time.Millisecond))
	}
	testutil.AssertEqual(t, s.BranchCount(), 5)

	out, err := s.Invoke(context.Background(), []Value{0})
	testutil.AssertNoError(t, err)
	if diff := cmp.Diff([]Value{0, 1, 2, 3, 4}, out.Args()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestParallelBranchOutputsCollapse(t *testing.T) {
	pool := startedPool(t, 2)

	s := NewParallel(Shared(pool),
		Func(func(ctx context.Context, args ...Value) (Output, error) {
			return Multiple(1, 2), nil
		}),
		Func(func(ctx context.Context, args ...Value) (Output, error) {
			return Single("x"), nil
		}),
	)

	out, err := s.Invoke(context.Background(), nil)
	testutil.AssertNoError(t, err)
	if diff := cmp.Diff([]Value{[]Value{1, 2}, "x"}, out.Args()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestNestedParallel(t *testing.T) {
	pool := startedPool(t, 4)

	inner := NewParallel(Shared(pool), delayed(1, 0), delayed(2, 0))
	outer := NewParallel(Shared(pool), inner, delayed(10, 0))

	out, err := outer.Invoke(context.Background(), []Value{0})
	testutil.AssertNoError(t, err)
	if diff := cmp.Diff([]Value{[]Value{1, 2}, 10}, out.Args()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestParallelPoolUnavailable(t *testing.T) {
	t.Run("not started", func(t *testing.T) {
		pool := workerpool.New(1)
		defer pool.Close()

		s := NewParallel(Shared(pool), delayed(1, 0))
		_, err := s.Invoke(context.Background(), []Value{1})
		testutil.AssertEqual(t, sferrors.IsPoolUnavailable(err), true)
	})

	t.Run("released", func(t *testing.T) {
		pool, err := workerpool.NewStarted(workerpool.Config{WorkerCount: 1})
		testutil.AssertNoError(t, err)
		testutil.AssertNoError(t, pool.Close())

		s := NewParallel(Shared(pool), delayed(1, 0))
		_, err = s.Invoke(context.Background(), []Value{1})
		testutil.AssertEqual(t, sferrors.IsPoolUnavailable(err), true)
	})

	t.Run("nil shared pool", func(t *testing.T) {
		s := NewParallel(Shared(nil), delayed(1, 0))
		_, err := s.Invoke(context.Background(), []Value{1})
		testutil.AssertEqual(t, sferrors.IsPoolUnavailable(err), true)
	})
}

func TestParallelPerCall(t *testing.T) {
	var started int32
	ref := PerCall(workerpool.Config{
		WorkerCount:   2,
		OnWorkerStart: func(int) { atomic.AddInt32(&started, 1) },
	})
	testutil.AssertEqual(t, ref.Ownership(), OwnershipPerCall)

	s := NewParallel(ref, delayed(1, 0), delayed(2, 0))

	for i := 0; i < 3; i++ {
		out, err := s.Invoke(context.Background(), []Value{1})
		testutil.AssertNoError(t, err)
		if diff := cmp.Diff([]Value{2, 3}, out.Args()); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}
	}

	// A fresh two-worker pool per invocation
	testutil.AssertEqual(t, atomic.LoadInt32(&started), int32(6))
}

func TestParallelPerCallNegativeWorkers(t *testing.T) {
	var calls int32
	branch := Func(func(_ context.Context, args ...Value) (Output, error) {
		atomic.AddInt32(&calls, 1)
		return Single(args[0]), nil
	})
	s := NewParallel(PerCall(workerpool.Config{WorkerCount: -1}), branch)

	out, err := s.Invoke(context.Background(), []Value{1})
	testutil.AssertError(t, err)
	testutil.AssertEqual(t, sferrors.IsValidationError(err), true)
	testutil.AssertEqual(t, out.IsNone(), true)
	testutil.AssertEqual(t, atomic.LoadInt32(&calls), int32(0))
}

func TestParallelDefaultsToPerCall(t *testing.T) {
	s := NewParallel(nil, delayed(1, 0))
	testutil.AssertEqual(t, s.PoolRef().Ownership(), OwnershipPerCall)

	out, err := s.Invoke(context.Background(), []Value{1})
	testutil.AssertNoError(t, err)
	if diff := cmp.Diff([]Value{2}, out.Args()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestOwnershipString(t *testing.T) {
	testutil.AssertEqual(t, OwnershipShared.String(), "shared")
	testutil.AssertEqual(t, OwnershipPerCall.String(), "per_call")
	testutil.AssertEqual(t, KindParallel.String(), "parallel")
	testutil.AssertEqual(t, Shared(nil).Ownership(), OwnershipShared)
}
