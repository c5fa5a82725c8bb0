// Command stageflow runs the reference pipeline x+1 | (x+1, x+2) | x+y once
// or on a cron schedule.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vnykmshr/stageflow/internal/ctxlog"
	"github.com/vnykmshr/stageflow/pkg/config"
	"github.com/vnykmshr/stageflow/pkg/metrics"
	"github.com/vnykmshr/stageflow/pkg/scheduling/pipeline"
	"github.com/vnykmshr/stageflow/pkg/scheduling/scheduler"
	"github.com/vnykmshr/stageflow/pkg/stage"
)

// ExitError carries a process exit code.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// options are the parsed command line flags.
type options struct {
	configPath  string
	input       int
	workers     int
	perCall     bool
	cron        string
	metricsAddr string
}

func parseFlags(args []string, output io.Writer) (*options, bool, error) {
	fs := flag.NewFlagSet("stageflow", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprint(output, `
stageflow - run the reference pipeline x+1 | (x+1, x+2) | x+y.

Usage:
  stageflow [options]

Options:
`)
		fs.PrintDefaults()
	}

	opts := &options{}
	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML configuration file.")
	fs.IntVar(&opts.input, "input", 1, "Argument passed to the first stage.")
	fs.IntVar(&opts.workers, "workers", -1, "Worker pool size; overrides the config file. 0 means CPU count.")
	fs.BoolVar(&opts.perCall, "per-call", false, "Give every parallel invocation its own pool.")
	fs.StringVar(&opts.cron, "cron", "", "Cron expression; run on this schedule until interrupted.")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while scheduled.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	if fs.NArg() > 0 {
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("unexpected argument %q", fs.Arg(0))}
	}
	return opts, false, nil
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(opts *options) (*config.File, error) {
	f := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, &ExitError{Code: 2, Message: err.Error()}
		}
		f = loaded
	}

	if opts.workers >= 0 {
		f.Workers = opts.workers
	}
	if opts.perCall {
		f.Ownership = "per_call"
	}
	if opts.cron != "" {
		f.Schedule.Cron = opts.cron
	}
	if len(f.Stages) == 0 {
		f.Stages = []config.StageRef{
			{Name: "inc"},
			{Parallel: []config.StageRef{{Name: "inc"}, {Name: "add2"}}},
			{Name: "sum"},
		}
	}
	if f.Name == "" {
		f.Name = "reference"
	}

	if err := f.Validate(); err != nil {
		return nil, &ExitError{Code: 2, Message: err.Error()}
	}
	return f, nil
}

// referenceStages registers the stages of the reference pipeline.
func referenceStages() *config.Registry {
	return config.NewRegistry().
		Register("inc", stage.Named("inc", stage.Unary(func(_ context.Context, x int) (int, error) {
			return x + 1, nil
		}))).
		Register("add2", stage.Named("add2", stage.Unary(func(_ context.Context, x int) (int, error) {
			return x + 2, nil
		}))).
		Register("sum", stage.Named("sum", stage.Variadic(func(_ context.Context, xs ...int) (int, error) {
			total := 0
			for _, x := range xs {
				total += x
			}
			return total, nil
		})))
}

// run encapsulates the main application logic for easier testing.
func run(ctx context.Context, outW, errW io.Writer, args []string) error {
	opts, shouldExit, err := parseFlags(args, outW)
	if err != nil || shouldExit {
		return err
	}

	f, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := f.Logger(errW)
	ctx = ctxlog.WithLogger(ctx, logger)

	var (
		promRegistry = prometheus.NewRegistry()
		registry     *metrics.Registry
	)
	if f.Metrics.Enabled || opts.metricsAddr != "" {
		mc := f.MetricsConfig()
		mc.Enabled = true
		mc.Registry = promRegistry
		registry = mc.Build()
	}

	p, err := f.Build(referenceStages(), config.BuildOptions{Logger: logger, Metrics: registry})
	if err != nil {
		return err
	}

	return p.With(ctx, func(ctx context.Context, p *pipeline.Pipeline) error {
		if f.Schedule.Cron == "" {
			out, err := p.Invoke(ctx, opts.input)
			if err != nil {
				return err
			}
			fmt.Fprintln(outW, out.Value())
			return nil
		}
		return schedule(ctx, outW, logger, f, opts, p, promRegistry)
	})
}

// schedule invokes p on the configured cron expression until ctx is done.
func schedule(ctx context.Context, outW io.Writer, logger *slog.Logger, f *config.File, opts *options, p *pipeline.Pipeline, gatherer prometheus.Gatherer) error {
	s := scheduler.New(scheduler.Config{
		Logger:  logger,
		Context: ctx,
		OnResult: func(run scheduler.Run) {
			if run.Error != nil {
				return
			}
			fmt.Fprintln(outW, run.Output.Value())
		},
	})
	if err := s.Schedule(p.Name(), f.Schedule.Cron, p, scheduler.Static(opts.input)); err != nil {
		return err
	}

	if opts.metricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := s.Start(); err != nil {
		return err
	}
	logger.Info("scheduler running", "cron", f.Schedule.Cron, "pipeline", p.Name())

	<-ctx.Done()
	<-s.Stop().Done()
	logger.Info("scheduler stopped")
	return nil
}
