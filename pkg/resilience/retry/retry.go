package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vnykmshr/stageflow/internal/ctxlog"
	"github.com/vnykmshr/stageflow/pkg/common/validation"
	"github.com/vnykmshr/stageflow/pkg/metrics"
	"github.com/vnykmshr/stageflow/pkg/stage"
)

// DefaultName labels retried calls that do not set Policy.Name.
const DefaultName = "retry"

// Policy configures how an operation is retried.
type Policy struct {
	// Name labels the retried call in logs and metrics.
	Name string

	// MaxAttempts is the total number of calls, including the first one.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// Delay is the pause between two attempts. There is no pause after the
	// last attempt.
	Delay time.Duration

	// Multiplier grows Delay after every failed attempt. Zero or one keeps
	// the delay constant.
	Multiplier float64

	// MaxDelay caps the grown delay. Zero means no cap.
	MaxDelay time.Duration

	// ShouldRetry decides whether err is worth another attempt. Nil retries
	// every error.
	ShouldRetry func(err error) bool

	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)

	// Logger receives retry logs. If nil, the context logger is used.
	Logger *slog.Logger

	// Metrics records attempts and exhaustion. Nil disables recording.
	Metrics *metrics.Registry

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Validate reports invalid policy fields.
func (p Policy) Validate() error {
	if err := validation.ValidateNonNegative("retry", "max_attempts", p.MaxAttempts); err != nil {
		return err
	}
	if err := validation.ValidateNonNegativeDuration("retry", "delay", p.Delay); err != nil {
		return err
	}
	return validation.ValidateNonNegativeDuration("retry", "max_delay", p.MaxDelay)
}

func (p Policy) withDefaults() Policy {
	if p.Name == "" {
		p.Name = DefaultName
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.sleep == nil {
		p.sleep = sleep
	}
	return p
}

// nextDelay returns the pause that follows the given one.
func (p Policy) nextDelay(d time.Duration) time.Duration {
	if p.Multiplier <= 1 {
		return d
	}
	next := time.Duration(float64(d) * p.Multiplier)
	if p.MaxDelay > 0 && next > p.MaxDelay {
		next = p.MaxDelay
	}
	return next
}

// Do calls op until it succeeds, the attempts are used up, ShouldRetry
// refuses the error or ctx is done while waiting. The returned error is the
// last error op returned, unchanged.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	policy = policy.withDefaults()

	logger := policy.Logger
	if logger == nil {
		logger = ctxlog.FromContext(ctx)
	}

	delay := policy.Delay
	var (
		value T
		err   error
	)
	for attempt := 1; ; attempt++ {
		value, err = op(ctx)
		if err == nil {
			policy.Metrics.ObserveRetry(policy.Name, attempt, false)
			return value, nil
		}

		if attempt >= policy.MaxAttempts {
			logger.Warn("retry attempts exhausted",
				"name", policy.Name,
				"attempts", attempt,
				"error", err)
			policy.Metrics.ObserveRetry(policy.Name, attempt, true)
			return value, err
		}
		if policy.ShouldRetry != nil && !policy.ShouldRetry(err) {
			policy.Metrics.ObserveRetry(policy.Name, attempt, false)
			return value, err
		}

		logger.Debug("attempt failed, retrying",
			"name", policy.Name,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err)
		}

		if waitErr := policy.sleep(ctx, delay); waitErr != nil {
			logger.Debug("retry interrupted",
				"name", policy.Name,
				"attempt", attempt,
				"error", waitErr)
			policy.Metrics.ObserveRetry(policy.Name, attempt, false)
			return value, err
		}
		delay = policy.nextDelay(delay)
	}
}

// Wrap returns a stage function that calls fn up to maxAttempts times,
// sleeping delay between attempts, and fails with fn's last error.
func Wrap(fn stage.Func, maxAttempts int, delay time.Duration) stage.Func {
	return WrapPolicy(fn, Policy{MaxAttempts: maxAttempts, Delay: delay})
}

// WrapPolicy is Wrap with a full Policy.
func WrapPolicy(fn stage.Func, policy Policy) stage.Func {
	if fn == nil {
		panic("retry: nil func")
	}
	return func(ctx context.Context, args ...stage.Value) (stage.Output, error) {
		return DoValue(ctx, policy, func(ctx context.Context) (stage.Output, error) {
			return fn(ctx, args...)
		})
	}
}

// Stage returns a simple stage with the name of s that invokes s under
// policy. Policy.Name defaults to the stage name.
func Stage(s *stage.Stage, policy Policy) *stage.Stage {
	if policy.Name == "" {
		policy.Name = s.Name()
	}
	return stage.Named(s.Name(), WrapPolicy(func(ctx context.Context, args ...stage.Value) (stage.Output, error) {
		return s.Invoke(ctx, args)
	}, policy))
}

// Retryable marks err as worth retrying for policies using OnlyRetryable.
type Retryable struct{ Err error }

func (e *Retryable) Error() string { return e.Err.Error() }
func (e *Retryable) Unwrap() error { return e.Err }

// RetryableErr wraps err in a Retryable.
func RetryableErr(err error) error { return &Retryable{Err: err} }

// IsRetryable reports whether err carries a Retryable mark.
func IsRetryable(err error) bool { return errors.As(err, new(*Retryable)) }

// OnlyRetryable is a ShouldRetry function that retries only errors marked
// with RetryableErr.
func OnlyRetryable(err error) bool { return IsRetryable(err) }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
