package config

import (
	"io"
	"log/slog"
	"strings"

	"github.com/vnykmshr/stageflow/pkg/metrics"
	"github.com/vnykmshr/stageflow/pkg/resilience/retry"
	"github.com/vnykmshr/stageflow/pkg/resilience/throttle"
	"github.com/vnykmshr/stageflow/pkg/scheduling/pipeline"
	"github.com/vnykmshr/stageflow/pkg/stage"
)

// PipelineConfig converts f into a pipeline configuration. Hooks, the
// logger and an external pool are left for the caller to set.
func (f *File) PipelineConfig() pipeline.Config {
	config := pipeline.Config{
		Name:        f.Name,
		WorkerCount: f.Workers,
		Metrics:     f.MetricsConfig(),
	}
	if f.Ownership == "per_call" {
		config.Ownership = stage.OwnershipPerCall
	}
	if len(f.Backend) > 0 {
		config.Options = make(map[string]string, len(f.Backend))
		for k, v := range f.Backend {
			config.Options[k] = v
		}
	}
	return config
}

// MetricsConfig converts the metrics section. The registry is the
// Prometheus default registerer.
func (f *File) MetricsConfig() metrics.Config {
	return metrics.Config{
		Enabled:   f.Metrics.Enabled,
		Namespace: f.Metrics.Namespace,
	}
}

// Level returns the configured log level, Info if unset or unknown.
func (f *File) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Logger builds the configured logger writing to w.
func (f *File) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: f.Level()}
	if strings.EqualFold(f.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// RetryPolicy converts the top-level retry section.
func (f *File) RetryPolicy(name string) retry.Policy {
	return f.Retry.Policy(name)
}

// Policy converts r into a retry policy labelled name.
func (r RetryConfig) Policy(name string) retry.Policy {
	return retry.Policy{
		Name:        name,
		MaxAttempts: r.MaxAttempts,
		Delay:       r.Delay.Duration(),
		Multiplier:  r.Multiplier,
		MaxDelay:    r.MaxDelay.Duration(),
	}
}

// merge fills zero fields of r from defaults.
func (r RetryConfig) merge(defaults RetryConfig) RetryConfig {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = defaults.MaxAttempts
	}
	if r.Delay == 0 {
		r.Delay = defaults.Delay
	}
	if r.Multiplier == 0 {
		r.Multiplier = defaults.Multiplier
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = defaults.MaxDelay
	}
	return r
}

// Limiter converts t into a full bucket labelled name. Loggers and metrics
// are left for the caller to set.
func (t ThrottleConfig) Limiter(name string) throttle.Config {
	burst := t.Burst
	if burst <= 0 {
		burst = 1
	}
	return throttle.Config{
		Name:          name,
		Rate:          throttle.Every(t.Every.Duration()),
		Burst:         burst,
		InitialTokens: -1,
	}
}
