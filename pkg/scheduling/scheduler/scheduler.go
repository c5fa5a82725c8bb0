package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/vnykmshr/stageflow/internal/ctxlog"
	sferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/common/validation"
	"github.com/vnykmshr/stageflow/pkg/stage"
)

// Invoker is anything that can be invoked like a pipeline.
type Invoker interface {
	Invoke(ctx context.Context, args ...stage.Value) (stage.Output, error)
}

// ArgsFunc builds the arguments of a scheduled invocation from its
// scheduled time.
type ArgsFunc func(at time.Time) []stage.Value

// Static returns an ArgsFunc that always yields args.
func Static(args ...stage.Value) ArgsFunc {
	return func(time.Time) []stage.Value { return args }
}

// Run is the outcome of one scheduled invocation.
type Run struct {
	EntryID   string
	TickID    string
	Args      []stage.Value
	Output    stage.Output
	Error     error
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
}

// Entry describes a scheduled invocation.
type Entry struct {
	ID       string
	Expr     string
	Next     time.Time
	Prev     time.Time
	Runs     int64
	Failures int64
	Skipped  int64
	Created  time.Time
}

// Config holds scheduler configuration.
type Config struct {
	// Location is the time zone of cron expressions. Defaults to time.Local.
	Location *time.Location

	// MaxEntries caps the number of entries (default: 10000).
	MaxEntries int

	// Logger receives scheduler logs. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Context is the parent of every invocation context. Defaults to
	// context.Background().
	Context context.Context

	// OnResult is called after every scheduled invocation.
	OnResult func(run Run)

	// OnSkip is called when a tick is skipped because the previous
	// invocation of the same entry is still running.
	OnSkip func(entryID string, at time.Time)
}

// Parser accepts five-field expressions, an optional leading seconds field
// and descriptors such as "@hourly" or "@every 1m".
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a cron expression with Parser.
func ParseSchedule(expr string) (cron.Schedule, error) {
	if err := validation.ValidateNotEmpty("scheduler", "cron", expr); err != nil {
		return nil, err
	}
	schedule, err := Parser.Parse(expr)
	if err != nil {
		return nil, sferrors.NewValidationError("scheduler", "cron", expr, err.Error()).
			WithHint(`use five fields, six with seconds, or a descriptor like "@every 1m"`)
	}
	return schedule, nil
}

type entry struct {
	id       string
	expr     string
	cronID   cron.EntryID
	invoker  Invoker
	args     ArgsFunc
	created  time.Time
	running  atomic.Bool
	runs     atomic.Int64
	failures atomic.Int64
	skipped  atomic.Int64
}

// Scheduler invokes pipelines on cron schedules. Overlapping runs of the
// same entry are skipped.
type Scheduler struct {
	config Config
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	running bool
}

// New creates a stopped scheduler.
func New(config Config) *Scheduler {
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 10000
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Context == nil {
		config.Context = context.Background()
	}

	logger := config.Logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}

	return &Scheduler{
		config: config,
		logger: logger,
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLocation(config.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		entries: make(map[string]*entry),
	}
}

// Schedule registers inv to be invoked on the cron expression expr with the
// arguments produced by args. A nil args invokes with no arguments.
func (s *Scheduler) Schedule(id, expr string, inv Invoker, args ArgsFunc) error {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return err
	}
	return s.add(id, expr, schedule, inv, args)
}

// ScheduleRepeating registers inv to be invoked every interval. Intervals
// are rounded down to whole seconds with a minimum of one second.
func (s *Scheduler) ScheduleRepeating(id string, interval time.Duration, inv Invoker, args ArgsFunc) error {
	if interval <= 0 {
		return sferrors.NewValidationError("scheduler", "interval", interval, "must be positive")
	}
	return s.add(id, "@every "+interval.String(), cron.Every(interval), inv, args)
}

func (s *Scheduler) add(id, expr string, schedule cron.Schedule, inv Invoker, args ArgsFunc) error {
	if err := validation.ValidateNotEmpty("scheduler", "id", id); err != nil {
		return err
	}
	if len(id) > 255 {
		return sferrors.NewValidationError("scheduler", "id", id, "too long (max 255 characters)")
	}
	if inv == nil {
		return fmt.Errorf("scheduler: invoker cannot be nil")
	}
	if args == nil {
		args = Static()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; exists {
		return fmt.Errorf("entry with ID %q already exists, remove it first", id)
	}
	if len(s.entries) >= s.config.MaxEntries {
		return fmt.Errorf("cannot schedule entry: maximum number of entries (%d) reached", s.config.MaxEntries)
	}

	e := &entry{
		id:      id,
		expr:    expr,
		invoker: inv,
		args:    args,
		created: time.Now(),
	}
	e.cronID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.tick(e, time.Now().In(s.config.Location))
	}))
	s.entries[id] = e

	s.logger.Debug("entry scheduled", "entry", id, "expr", expr)
	return nil
}

// Remove unschedules an entry. A running invocation is not interrupted.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[id]
	if !exists {
		return false
	}
	s.cron.Remove(e.cronID)
	delete(s.entries, id)
	return true
}

// RemoveAll unschedules every entry.
func (s *Scheduler) RemoveAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		s.cron.Remove(e.cronID)
		delete(s.entries, id)
	}
}

// Next returns the next activation time of an entry. It is zero while the
// scheduler is stopped.
func (s *Scheduler) Next(id string) (time.Time, error) {
	s.mu.RLock()
	e, exists := s.entries[id]
	s.mu.RUnlock()
	if !exists {
		return time.Time{}, fmt.Errorf("entry with ID %s not found", id)
	}
	return s.cron.Entry(e.cronID).Next, nil
}

// Entries returns all entries sorted by ID.
func (s *Scheduler) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		ce := s.cron.Entry(e.cronID)
		entries = append(entries, Entry{
			ID:       e.id,
			Expr:     e.expr,
			Next:     ce.Next,
			Prev:     ce.Prev,
			Runs:     e.runs.Load(),
			Failures: e.failures.Load(),
			Skipped:  e.skipped.Load(),
			Created:  e.created,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})
	return entries
}

// Trigger invokes an entry immediately on the calling goroutine, subject to
// the same overlap rule as scheduled ticks. It reports false if the run was
// skipped.
func (s *Scheduler) Trigger(id string) (Run, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[id]
	s.mu.RUnlock()
	if !exists {
		return Run{}, false, fmt.Errorf("entry with ID %s not found", id)
	}
	run, ok := s.tick(e, time.Now().In(s.config.Location))
	return run, ok, nil
}

// Start begins firing entries. Starting a running scheduler is an error.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running, call Stop() first")
	}
	s.running = true
	s.cron.Start()
	s.logger.Debug("scheduler started", "entries", len(s.entries))
	return nil
}

// Stop stops firing entries. The returned context is done once running
// invocations have finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	return s.cron.Stop()
}

// Running reports whether the scheduler fires entries.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// tick runs one invocation of e unless the previous one is still running.
func (s *Scheduler) tick(e *entry, at time.Time) (Run, bool) {
	if !e.running.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		s.logger.Info("skipping run, previous still running", "entry", e.id)
		if s.config.OnSkip != nil {
			s.config.OnSkip(e.id, at)
		}
		return Run{}, false
	}
	defer e.running.Store(false)

	tickID := uuid.NewString()
	logger := s.logger.With("entry", e.id, "tick_id", tickID)
	ctx := ctxlog.WithLogger(s.config.Context, logger)

	run := Run{
		EntryID:   e.id,
		TickID:    tickID,
		Args:      e.args(at),
		StartTime: time.Now(),
	}
	run.Output, run.Error = e.invoker.Invoke(ctx, run.Args...)
	run.EndTime = time.Now()
	run.Duration = run.EndTime.Sub(run.StartTime)

	e.runs.Add(1)
	if run.Error != nil {
		e.failures.Add(1)
		logger.Warn("scheduled run failed", "duration", run.Duration, "error", run.Error)
	} else {
		logger.Debug("scheduled run finished", "duration", run.Duration)
	}

	if s.config.OnResult != nil {
		s.config.OnResult(run)
	}
	return run, true
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
