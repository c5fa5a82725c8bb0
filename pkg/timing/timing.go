// Package timing measures how long calls take and logs the duration in a
// human-scaled unit.
package timing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vnykmshr/stageflow/internal/ctxlog"
	"github.com/vnykmshr/stageflow/pkg/metrics"
	"github.com/vnykmshr/stageflow/pkg/stage"
)

// DefaultTag labels timers started without a tag.
const DefaultTag = "Elapsed"

// Format renders d with the largest unit that keeps the value at or above
// one: nanoseconds below 1µs, microseconds below 1ms, milliseconds below 1s,
// seconds otherwise.
func Format(d time.Duration) string {
	ns := float64(d.Nanoseconds())
	switch {
	case d < time.Microsecond:
		return fmt.Sprintf("%.0f nanoseconds", ns)
	case d < time.Millisecond:
		return fmt.Sprintf("%.3f microseconds", ns/1e3)
	case d < time.Second:
		return fmt.Sprintf("%.3f milliseconds", ns/1e6)
	default:
		return fmt.Sprintf("%.4f seconds", ns/1e9)
	}
}

// Message is the log line written for a measurement.
func Message(tag string, d time.Duration) string {
	return "<" + tag + ">: " + Format(d)
}

// Clock is the time source of an Observer.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Observer reports measurements. The zero value logs at Info to the context
// logger using the system clock.
type Observer struct {
	// Logger receives measurements. If nil, the context logger is used.
	Logger *slog.Logger

	// Level is the log level of measurements.
	Level slog.Level

	// Clock is the time source. If nil, the system clock is used.
	Clock Clock

	// Metrics records every measurement. Nil disables recording.
	Metrics *metrics.Registry
}

func (o Observer) clock() Clock {
	if o.Clock == nil {
		return systemClock{}
	}
	return o.Clock
}

func (o Observer) report(ctx context.Context, tag string, d time.Duration) {
	logger := o.Logger
	if logger == nil {
		logger = ctxlog.FromContext(ctx)
	}
	logger.Log(ctx, o.Level, Message(tag, d),
		"tag", tag,
		"duration", d)
	o.Metrics.ObserveTimer(tag, d)
}

// Timer measures a scoped block. Stop it exactly once; further calls return
// the first measurement without logging again.
type Timer struct {
	observer Observer
	ctx      context.Context
	tag      string
	start    time.Time

	once    sync.Once
	elapsed time.Duration
}

// Start starts a timer with the zero Observer.
//
//	t := timing.Start(ctx, "load")
//	defer t.Stop()
func Start(ctx context.Context, tag string) *Timer {
	return Observer{}.Start(ctx, tag)
}

// Start starts a timer reported through o.
func (o Observer) Start(ctx context.Context, tag string) *Timer {
	if ctx == nil {
		ctx = context.Background()
	}
	if tag == "" {
		tag = DefaultTag
	}
	return &Timer{
		observer: o,
		ctx:      ctx,
		tag:      tag,
		start:    o.clock().Now(),
	}
}

// Stop reports and returns the time elapsed since Start.
func (t *Timer) Stop() time.Duration {
	t.once.Do(func() {
		t.elapsed = t.observer.clock().Now().Sub(t.start)
		t.observer.report(t.ctx, t.tag, t.elapsed)
	})
	return t.elapsed
}

// Tag returns the timer's tag.
func (t *Timer) Tag() string { return t.tag }

// Time runs fn inside a timer and returns fn's error.
func (o Observer) Time(ctx context.Context, tag string, fn func(ctx context.Context) error) error {
	t := o.Start(ctx, tag)
	defer t.Stop()
	return fn(ctx)
}

// Measure returns a stage function that times every call of fn and logs it
// to logger, or to the context logger if logger is nil.
func Measure(tag string, fn stage.Func, logger *slog.Logger) stage.Func {
	return Observer{Logger: logger}.Measure(tag, fn)
}

// Measure returns a stage function that times every call of fn. The
// measurement is reported whether fn fails or not.
func (o Observer) Measure(tag string, fn stage.Func) stage.Func {
	if fn == nil {
		panic("timing: nil func")
	}
	return func(ctx context.Context, args ...stage.Value) (stage.Output, error) {
		t := o.Start(ctx, tag)
		defer t.Stop()
		return fn(ctx, args...)
	}
}

// Stage returns a simple stage with the name of s that times every
// invocation of s under the stage name. It works for parallel stages too,
// timing the whole fan-out and join.
func (o Observer) Stage(s *stage.Stage) *stage.Stage {
	return stage.Named(s.Name(), o.Measure(s.Name(), func(ctx context.Context, args ...stage.Value) (stage.Output, error) {
		return s.Invoke(ctx, args)
	}))
}
