package throttle

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/vnykmshr/stageflow/internal/ctxlog"
	sferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/common/validation"
	"github.com/vnykmshr/stageflow/pkg/metrics"
	"github.com/vnykmshr/stageflow/pkg/stage"
)

// DefaultName labels limiters created without a name.
const DefaultName = "throttle"

// ErrNoTokens is returned by Wait when the bucket is empty and never refills.
var ErrNoTokens = errors.New("throttle: bucket empty and rate is zero")

// Limit is a refill rate in tokens per second. Zero never refills.
type Limit float64

// Inf lets every call through without waiting.
var Inf = Limit(math.Inf(1))

// Every converts a minimum interval between calls to a Limit.
func Every(interval time.Duration) Limit {
	if interval <= 0 {
		return Inf
	}
	return Limit(time.Second) / Limit(interval)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config describes a Limiter.
type Config struct {
	// Name labels logs and metrics. Defaults to DefaultName.
	Name string

	// Rate is the refill rate.
	Rate Limit

	// Burst is the bucket capacity. Must be positive.
	Burst int

	// InitialTokens is the starting fill. Negative means full.
	InitialTokens int

	// Clock defaults to the system clock.
	Clock Clock

	// Logger receives wait logs. If nil, the context logger is used.
	Logger *slog.Logger

	// Metrics records wait durations. Nil disables recording.
	Metrics *metrics.Registry
}

// Limiter is a token bucket. It is safe for concurrent use.
type Limiter struct {
	name    string
	clock   Clock
	logger  *slog.Logger
	metrics *metrics.Registry

	mu     sync.Mutex
	rate   Limit
	burst  int
	tokens float64
	last   time.Time
}

// New returns a full limiter refilling at rate up to burst tokens.
func New(rate Limit, burst int) (*Limiter, error) {
	return NewWithConfig(Config{Rate: rate, Burst: burst, InitialTokens: -1})
}

// NewWithConfig returns a limiter described by config.
func NewWithConfig(config Config) (*Limiter, error) {
	if config.Rate < 0 {
		return nil, sferrors.NewValidationError("throttle", "rate", config.Rate, "must not be negative").
			WithHint("use 0 for a fixed budget of Burst calls")
	}
	if err := validation.ValidatePositive("throttle", "burst", config.Burst); err != nil {
		return nil, err
	}
	if config.Name == "" {
		config.Name = DefaultName
	}
	if config.Clock == nil {
		config.Clock = systemClock{}
	}

	tokens := float64(config.InitialTokens)
	if config.InitialTokens < 0 || config.InitialTokens > config.Burst {
		tokens = float64(config.Burst)
	}

	return &Limiter{
		name:    config.Name,
		clock:   config.Clock,
		logger:  config.Logger,
		metrics: config.Metrics,
		rate:    config.Rate,
		burst:   config.Burst,
		tokens:  tokens,
		last:    config.Clock.Now(),
	}, nil
}

// Name returns the limiter label.
func (l *Limiter) Name() string { return l.name }

// Rate returns the refill rate.
func (l *Limiter) Rate() Limit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

// Burst returns the bucket capacity.
func (l *Limiter) Burst() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.burst
}

// Tokens returns the current fill. It is negative while callers are queued
// behind reservations.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(l.clock.Now())
	return l.tokens
}

// Allow takes a token if one is available now. It never blocks.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rate == Inf {
		return true
	}
	l.refill(l.clock.Now())
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

// Wait blocks until a token is available or ctx is done. A canceled wait
// gives its token back.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	delay, ok := l.reserve(l.clock.Now())
	if !ok {
		return ErrNoTokens
	}
	if delay <= 0 {
		l.metrics.ObserveThrottle(l.name, 0)
		return nil
	}

	logger := l.logger
	if logger == nil {
		logger = ctxlog.FromContext(ctx)
	}
	logger.Debug("throttled", "limiter", l.name, "wait", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		l.metrics.ObserveThrottle(l.name, delay)
		return nil
	case <-ctx.Done():
		l.unreserve()
		return ctx.Err()
	}
}

// reserve takes one token, possibly driving the fill negative, and returns
// how long the caller has to wait for it.
func (l *Limiter) reserve(now time.Time) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rate == Inf {
		return 0, true
	}
	l.refill(now)

	if l.tokens >= 1 {
		l.tokens--
		return 0, true
	}
	if l.rate == 0 {
		return 0, false
	}

	missing := 1 - l.tokens
	l.tokens--
	return time.Duration(float64(time.Second) * missing / float64(l.rate)), true
}

func (l *Limiter) unreserve() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(l.clock.Now())
	l.tokens = math.Min(l.tokens+1, float64(l.burst))
}

// refill must be called with l.mu held.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.last)
	if elapsed <= 0 {
		return
	}
	l.last = now
	if l.rate == 0 || l.rate == Inf {
		return
	}
	l.tokens = math.Min(l.tokens+elapsed.Seconds()*float64(l.rate), float64(l.burst))
}

// Wrap returns fn gated by l: every call waits for a token first.
func Wrap(fn stage.Func, l *Limiter) stage.Func {
	if fn == nil {
		panic("throttle: nil function")
	}
	return func(ctx context.Context, args ...stage.Value) (stage.Output, error) {
		if err := l.Wait(ctx); err != nil {
			return stage.None, err
		}
		return fn(ctx, args...)
	}
}

// Stage returns a stage with the name of s whose invocations are gated by l.
// Gating a parallel stage throttles the whole fan-out, not each branch.
func Stage(s *stage.Stage, l *Limiter) *stage.Stage {
	return stage.Named(s.Name(), Wrap(func(ctx context.Context, args ...stage.Value) (stage.Output, error) {
		return s.Invoke(ctx, args)
	}, l))
}
