package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vnykmshr/stageflow/pkg/common/validation"
	"github.com/vnykmshr/stageflow/pkg/scheduling/scheduler"
)

// File is the root of a stageflow YAML file.
type File struct {
	Name      string            `yaml:"name,omitempty"`
	Workers   int               `yaml:"workers"`
	Ownership string            `yaml:"ownership"`
	Backend   map[string]string `yaml:"backend,omitempty"`
	Metrics   MetricsConfig     `yaml:"metrics"`
	Log       LogConfig         `yaml:"log"`
	Retry     RetryConfig       `yaml:"retry"`
	Schedule  ScheduleConfig    `yaml:"schedule,omitempty"`
	Stages    []StageRef        `yaml:"stages,omitempty"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace,omitempty"`
}

// LogConfig configures the slog logger.
type LogConfig struct {
	// Level: "debug" | "info" | "warn" | "error"
	Level string `yaml:"level"`

	// Format: "text" | "json"
	Format string `yaml:"format"`
}

// RetryConfig configures retried stages.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Delay       Duration `yaml:"delay,omitempty"`
	Multiplier  float64  `yaml:"multiplier,omitempty"`
	MaxDelay    Duration `yaml:"max_delay,omitempty"`
}

// ThrottleConfig limits how often a stage runs.
type ThrottleConfig struct {
	// Every is the minimum spacing between calls. Zero disables the limit.
	Every Duration `yaml:"every"`
	// Burst is how many calls may run back to back. Defaults to 1.
	Burst int `yaml:"burst,omitempty"`
}

// ScheduleConfig configures periodic invocation.
type ScheduleConfig struct {
	// Cron is a cron expression accepted by scheduler.Parser. Empty means run
	// once.
	Cron string `yaml:"cron,omitempty"`
}

// StageRef is one entry of the stages list: either a registered stage name
// or a parallel group of entries. In YAML an entry can be written as:
//
//	- inc
//	- parallel: [inc, add2]
//	- name: sum
//	  timed: true
//	  retry:
//	    max_attempts: 3
//	  throttle:
//	    every: 100ms
type StageRef struct {
	Name     string          `yaml:"name,omitempty"`
	Parallel []StageRef      `yaml:"parallel,omitempty"`
	Retry    *RetryConfig    `yaml:"retry,omitempty"`
	Throttle *ThrottleConfig `yaml:"throttle,omitempty"`
	Timed    bool            `yaml:"timed,omitempty"`
}

// UnmarshalYAML allows a stage to be a string (stage name only) or a struct.
func (s *StageRef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var name string
		if err := value.Decode(&name); err != nil {
			return err
		}
		*s = StageRef{Name: name}
		return nil
	}
	type raw StageRef
	return value.Decode((*raw)(s))
}

// MarshalYAML writes a plain reference as its name.
func (s StageRef) MarshalYAML() (interface{}, error) {
	if s.Parallel == nil && s.Retry == nil && s.Throttle == nil && !s.Timed {
		return s.Name, nil
	}
	type raw StageRef
	return raw(s), nil
}

// IsParallel reports whether the entry is a parallel group.
func (s StageRef) IsParallel() bool {
	return s.Parallel != nil
}

// Duration is a time.Duration that unmarshals from YAML strings (e.g. "60s",
// "100ms"). Bare integers are read as milliseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Default returns the configuration used for absent fields.
func Default() *File {
	return &File{
		Ownership: "shared",
		Metrics: MetricsConfig{
			Namespace: "stageflow",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Retry: RetryConfig{
			MaxAttempts: 1,
		},
	}
}

// Parse decodes YAML over Default and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (*File, error) {
	f := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Marshal encodes f as YAML.
func (f *File) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}

// Validate reports every invalid field. The result unwraps to one
// ValidationError per field.
func (f *File) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(validation.ValidateNonNegative("config", "workers", f.Workers))
	if f.Ownership != "" {
		add(validation.ValidateOneOf("config", "ownership", f.Ownership, "shared", "per_call"))
	}
	if f.Log.Level != "" {
		add(validation.ValidateOneOf("config", "log.level", f.Log.Level, "debug", "info", "warn", "error"))
	}
	if f.Log.Format != "" {
		add(validation.ValidateOneOf("config", "log.format", f.Log.Format, "text", "json"))
	}
	add(f.Retry.validate("retry"))
	if f.Schedule.Cron != "" {
		_, err := scheduler.ParseSchedule(f.Schedule.Cron)
		add(err)
	}
	for i, ref := range f.Stages {
		add(ref.validate(fmt.Sprintf("stages[%d]", i)))
	}

	return errors.Join(errs...)
}

func (r RetryConfig) validate(field string) error {
	return errors.Join(
		validation.ValidateNonNegative("config", field+".max_attempts", r.MaxAttempts),
		validation.ValidateNonNegativeDuration("config", field+".delay", r.Delay.Duration()),
		validation.ValidateNonNegativeDuration("config", field+".max_delay", r.MaxDelay.Duration()),
	)
}

func (s StageRef) validate(field string) error {
	var errs []error
	if s.IsParallel() {
		for i, branch := range s.Parallel {
			errs = append(errs, branch.validate(fmt.Sprintf("%s.parallel[%d]", field, i)))
		}
	} else {
		errs = append(errs, validation.ValidateNotEmpty("config", field+".name", s.Name))
	}
	if s.Retry != nil {
		errs = append(errs, s.Retry.validate(field+".retry"))
	}
	if s.Throttle != nil {
		errs = append(errs,
			validation.ValidateNonNegativeDuration("config", field+".throttle.every", s.Throttle.Every.Duration()),
			validation.ValidateNonNegative("config", field+".throttle.burst", s.Throttle.Burst),
		)
	}
	return errors.Join(errs...)
}
