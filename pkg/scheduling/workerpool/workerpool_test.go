package workerpool

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vnykmshr/stageflow/internal/testutil"
	sferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/metrics"
)

// TestTask is a simple task for testing.
type TestTask struct {
	ID          int
	Duration    time.Duration
	ShouldErr   bool
	ShouldPanic bool
	Executed    *int32 // Atomic counter
}

func (t *TestTask) Execute(ctx context.Context) (interface{}, error) {
	atomic.AddInt32(t.Executed, 1)

	if t.ShouldPanic {
		panic("test panic")
	}

	if t.Duration > 0 {
		time.Sleep(t.Duration)
	}

	if t.ShouldErr {
		return nil, errors.New("test error")
	}

	return t.ID, nil
}

func startPool(t *testing.T, config Config) Pool {
	t.Helper()
	pool, err := NewStarted(config)
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		workerCount int
		wantSize    int
		expectPanic bool
	}{
		{"valid params", 2, 2, false},
		{"single worker", 1, 1, false},
		{"cpu count default", 0, runtime.NumCPU(), false},
		{"negative workers", -1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.expectPanic {
				defer func() {
					if r := recover(); r == nil {
						t.Error("expected panic")
					}
				}()
			}

			pool := New(tt.workerCount)
			if !tt.expectPanic {
				testutil.AssertEqual(t, pool.Size(), tt.wantSize)
				testutil.AssertEqual(t, pool.Name(), "default")
				testutil.AssertEqual(t, pool.Running(), false)
				testutil.AssertNoError(t, pool.Close())
			}
		})
	}
}

func TestNewStartedNegativeWorkers(t *testing.T) {
	pool, err := NewStarted(Config{WorkerCount: -1})
	testutil.AssertError(t, err)
	testutil.AssertEqual(t, sferrors.IsValidationError(err), true)
	if pool != nil {
		t.Errorf("expected nil pool, got %v", pool)
	}
}

func TestBasicTaskExecution(t *testing.T) {
	pool := startPool(t, Config{WorkerCount: 2})

	var executed int32
	task := &TestTask{
		ID:       7,
		Duration: 10 * time.Millisecond,
		Executed: &executed,
	}

	future, err := pool.Submit(context.Background(), task)
	testutil.AssertNoError(t, err)

	select {
	case <-future.Done():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for result")
	}

	result := future.Result()
	testutil.AssertNoError(t, result.Error)
	testutil.AssertEqual(t, result.Value, interface{}(7))
	testutil.AssertEqual(t, result.WorkerID >= 0, true)
	testutil.AssertEqual(t, result.Duration >= 10*time.Millisecond, true)
	testutil.AssertEqual(t, atomic.LoadInt32(&executed), int32(1))
}

func TestSubmitPassesContext(t *testing.T) {
	pool := startPool(t, Config{WorkerCount: 1})

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "carried")

	future, err := pool.Submit(ctx, TaskFunc(func(ctx context.Context) (interface{}, error) {
		return ctx.Value(key{}), nil
	}))
	testutil.AssertNoError(t, err)

	value, err := future.Await()
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, value, interface{}("carried"))
}

func TestMoreTasksThanWorkers(t *testing.T) {
	pool := startPool(t, Config{WorkerCount: 2})

	const numTasks = 10
	var executed int32
	futures := make([]*Future, numTasks)

	for i := 0; i < numTasks; i++ {
		f, err := pool.Submit(context.Background(), &TestTask{
			ID:       i,
			Duration: 5 * time.Millisecond,
			Executed: &executed,
		})
		testutil.AssertNoError(t, err)
		futures[i] = f
	}

	for i, f := range futures {
		value, err := f.Await()
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, value, interface{}(i))
	}

	testutil.AssertEqual(t, atomic.LoadInt32(&executed), int32(numTasks))
	testutil.AssertEqual(t, pool.TotalSubmitted(), int64(numTasks))
	testutil.AssertEqual(t, pool.TotalCompleted(), int64(numTasks))
}

func TestConcurrencyBound(t *testing.T) {
	pool := startPool(t, Config{WorkerCount: 2})

	var running, peak int32
	var futures []*Future
	for i := 0; i < 6; i++ {
		f, err := pool.Submit(context.Background(), TaskFunc(func(ctx context.Context) (interface{}, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil, nil
		}))
		testutil.AssertNoError(t, err)
		futures = append(futures, f)
	}

	for _, f := range futures {
		_, err := f.Await()
		testutil.AssertNoError(t, err)
	}

	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("peak concurrency %d exceeds worker count", p)
	}
}

func TestTaskError(t *testing.T) {
	pool := startPool(t, Config{WorkerCount: 1})

	var executed int32
	future, err := pool.Submit(context.Background(), &TestTask{ShouldErr: true, Executed: &executed})
	testutil.AssertNoError(t, err)

	_, err = future.Await()
	testutil.AssertError(t, err)
	testutil.AssertEqual(t, err.Error(), "test error")
}

func TestTaskPanic(t *testing.T) {
	logger, logs := testutil.NewLogger()
	var handled int32
	pool := startPool(t, Config{
		WorkerCount: 1,
		Logger:      logger,
		PanicHandler: func(task Task, recovered interface{}) {
			atomic.AddInt32(&handled, 1)
		},
	})

	var executed int32
	future, err := pool.Submit(context.Background(), &TestTask{ShouldPanic: true, Executed: &executed})
	testutil.AssertNoError(t, err)

	_, err = future.Await()
	testutil.AssertError(t, err)
	if !strings.Contains(err.Error(), "task panicked: test panic") {
		t.Errorf("unexpected error %q", err)
	}
	testutil.AssertEqual(t, atomic.LoadInt32(&handled), int32(1))
	if !strings.Contains(logs.String(), "task panicked") {
		t.Errorf("panic was not logged: %q", logs.String())
	}

	// The worker survives the panic
	future, err = pool.Submit(context.Background(), &TestTask{ID: 1, Executed: &executed})
	testutil.AssertNoError(t, err)
	value, err := future.Await()
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, value, interface{}(1))
}

func TestPanickingHooks(t *testing.T) {
	logger, logs := testutil.NewLogger()
	pool := startPool(t, Config{
		WorkerCount: 1,
		Logger:      logger,
		PanicHandler: func(task Task, recovered interface{}) {
			panic("handler exploded")
		},
		OnTaskComplete: func(workerID int, result Result) {
			panic("hook exploded")
		},
	})

	var executed int32
	future, err := pool.Submit(context.Background(), &TestTask{ShouldPanic: true, Executed: &executed})
	testutil.AssertNoError(t, err)

	select {
	case <-future.Done():
	case <-time.After(testutil.TestTimeout):
		t.Fatal("future never resolved")
	}
	_, err = future.Await()
	testutil.AssertError(t, err)
	if !strings.Contains(err.Error(), "task panicked: test panic") {
		t.Errorf("unexpected error %q", err)
	}

	// The worker survives both hooks panicking
	future, err = pool.Submit(context.Background(), &TestTask{ID: 2, Executed: &executed})
	testutil.AssertNoError(t, err)
	value, err := future.Await()
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, value, interface{}(2))

	out := logs.String()
	for _, want := range []string{"hook=PanicHandler", "hook=OnTaskComplete", "handler exploded"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q: %q", want, out)
		}
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := New(1)
	defer pool.Close()

	_, err := pool.Submit(context.Background(), TaskFunc(func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}))
	testutil.AssertEqual(t, sferrors.IsPoolUnavailable(err), true)
	if !strings.Contains(err.Error(), "not started") {
		t.Errorf("unexpected error %q", err)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	pool, err := NewStarted(Config{WorkerCount: 1})
	testutil.AssertNoError(t, err)

	<-pool.Shutdown()
	testutil.AssertEqual(t, pool.Running(), false)

	_, err = pool.Submit(context.Background(), TaskFunc(func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}))
	testutil.AssertEqual(t, sferrors.IsPoolUnavailable(err), true)

	err = pool.Start()
	testutil.AssertEqual(t, sferrors.IsPoolUnavailable(err), true)
}

func TestSubmitNilTask(t *testing.T) {
	pool := startPool(t, Config{WorkerCount: 1})
	_, err := pool.Submit(context.Background(), nil)
	testutil.AssertError(t, err)
}

func TestShutdownDrainsBacklog(t *testing.T) {
	pool, err := NewStarted(Config{WorkerCount: 1})
	testutil.AssertNoError(t, err)

	var executed int32
	var futures []*Future
	for i := 0; i < 5; i++ {
		f, err := pool.Submit(context.Background(), &TestTask{
			ID:       i,
			Duration: 5 * time.Millisecond,
			Executed: &executed,
		})
		testutil.AssertNoError(t, err)
		futures = append(futures, f)
	}

	select {
	case <-pool.Shutdown():
	case <-time.After(testutil.TestTimeout):
		t.Fatal("shutdown did not complete")
	}

	testutil.AssertEqual(t, atomic.LoadInt32(&executed), int32(5))
	for _, f := range futures {
		select {
		case <-f.Done():
		default:
			t.Fatal("future unresolved after shutdown")
		}
	}
}

func TestShutdownIdempotent(t *testing.T) {
	pool, err := NewStarted(Config{WorkerCount: 2})
	testutil.AssertNoError(t, err)

	done1 := pool.Shutdown()
	done2 := pool.Shutdown()
	<-done1
	<-done2
	testutil.AssertNoError(t, pool.Close())
}

func TestStartIdempotent(t *testing.T) {
	pool := startPool(t, Config{WorkerCount: 1})
	testutil.AssertNoError(t, pool.Start())
	testutil.AssertEqual(t, pool.Running(), true)
}

func TestConcurrentSubmit(t *testing.T) {
	pool := startPool(t, Config{WorkerCount: 4})

	const submitters = 8
	const perSubmitter = 25
	var wg sync.WaitGroup
	var sum int64

	for s := 0; s < submitters; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSubmitter; i++ {
				f, err := pool.Submit(context.Background(), TaskFunc(func(ctx context.Context) (interface{}, error) {
					return int64(1), nil
				}))
				if err != nil {
					t.Error(err)
					return
				}
				v, _ := f.Await()
				atomic.AddInt64(&sum, v.(int64))
			}
		}()
	}
	wg.Wait()

	testutil.AssertEqual(t, atomic.LoadInt64(&sum), int64(submitters*perSubmitter))
}

func TestLifecycleHooks(t *testing.T) {
	var started, stopped, taskStarted, taskCompleted int32

	pool, err := NewStarted(Config{
		WorkerCount:    2,
		OnWorkerStart:  func(int) { atomic.AddInt32(&started, 1) },
		OnWorkerStop:   func(int) { atomic.AddInt32(&stopped, 1) },
		OnTaskStart:    func(int, Task) { atomic.AddInt32(&taskStarted, 1) },
		OnTaskComplete: func(int, Result) { atomic.AddInt32(&taskCompleted, 1) },
	})
	testutil.AssertNoError(t, err)

	f, err := pool.Submit(context.Background(), TaskFunc(func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}))
	testutil.AssertNoError(t, err)
	_, _ = f.Await()

	testutil.WaitForInt32(t, &taskCompleted, 1, time.Second)
	testutil.AssertNoError(t, pool.Close())

	testutil.AssertEqual(t, atomic.LoadInt32(&started), int32(2))
	testutil.AssertEqual(t, atomic.LoadInt32(&stopped), int32(2))
	testutil.AssertEqual(t, atomic.LoadInt32(&taskStarted), int32(1))
}

func TestApplyOptions(t *testing.T) {
	config, err := Config{}.ApplyOptions(map[string]string{
		"name":    "fanout",
		"workers": "3",
		"prefix":  "branch",
	})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, config.Name, "fanout")
	testutil.AssertEqual(t, config.WorkerCount, 3)
	testutil.AssertEqual(t, config.Options["prefix"], "branch")

	_, err = Config{}.ApplyOptions(map[string]string{"workers": "many"})
	testutil.AssertEqual(t, sferrors.IsValidationError(err), true)

	_, err = Config{}.ApplyOptions(map[string]string{"workers": "-2"})
	testutil.AssertEqual(t, sferrors.IsValidationError(err), true)
}

func TestMetricsPool(t *testing.T) {
	reg := prometheus.NewRegistry()
	pool := NewWithConfigAndMetrics(Config{Name: "measured", WorkerCount: 2}, metrics.Config{
		Enabled:  true,
		Registry: reg,
	})
	testutil.AssertNoError(t, pool.Start())

	mp, ok := pool.(*MetricsPool)
	if !ok {
		t.Fatalf("expected *MetricsPool, got %T", pool)
	}
	testutil.AssertEqual(t, mp.enabled, true)

	ok1, err := pool.Submit(context.Background(), TaskFunc(func(ctx context.Context) (interface{}, error) {
		return 1, nil
	}))
	testutil.AssertNoError(t, err)
	bad, err := pool.Submit(context.Background(), TaskFunc(func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("nope")
	}))
	testutil.AssertNoError(t, err)

	_, _ = ok1.Await()
	_, _ = bad.Await()
	testutil.AssertNoError(t, pool.Close())

	registry := mp.registry
	testutil.AssertEqual(t, promtest.ToFloat64(registry.TasksExecuted.WithLabelValues("measured")), 2.0)
	testutil.AssertEqual(t, promtest.ToFloat64(registry.TasksCompleted.WithLabelValues("measured")), 1.0)
	testutil.AssertEqual(t, promtest.ToFloat64(registry.TasksFailed.WithLabelValues("measured")), 1.0)
	testutil.AssertEqual(t, promtest.ToFloat64(registry.WorkerPoolSize.WithLabelValues("measured")), 2.0)
}

func TestInstrumentNilRegistry(t *testing.T) {
	mp := Instrument(NewWithConfig(Config{Name: "bare", WorkerCount: 2}), nil)
	testutil.AssertEqual(t, mp.enabled, false)
	testutil.AssertNoError(t, mp.Start())

	f, err := mp.Submit(context.Background(), TaskFunc(func(ctx context.Context) (interface{}, error) {
		return "done", nil
	}))
	testutil.AssertNoError(t, err)
	v, err := f.Await()
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, v, interface{}("done"))
	testutil.AssertNoError(t, mp.Close())
}

func TestMetricsPoolConcurrentSubmit(t *testing.T) {
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	mp := Instrument(NewWithConfig(Config{Name: "busy", WorkerCount: 4}), reg)
	testutil.AssertNoError(t, mp.Start())

	const submitters, perSubmitter = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSubmitter; j++ {
				f, err := mp.Submit(context.Background(), TaskFunc(func(ctx context.Context) (interface{}, error) {
					return nil, nil
				}))
				if err != nil {
					t.Error(err)
					return
				}
				_, _ = f.Await()
			}
		}()
	}
	wg.Wait()
	testutil.AssertNoError(t, mp.Close())

	testutil.AssertEqual(t, promtest.ToFloat64(reg.TasksExecuted.WithLabelValues("busy")), float64(submitters*perSubmitter))
}

func TestMetricsDisabled(t *testing.T) {
	pool := NewWithConfigAndMetrics(Config{WorkerCount: 1}, metrics.Config{Enabled: false})
	if _, ok := pool.(*MetricsPool); ok {
		t.Error("disabled metrics should return the plain pool")
	}
	testutil.AssertNoError(t, pool.Close())
}
