// Package scheduler provides the adapter that drives the job scheduler loop.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/target/listingsync/internal/observability/statsd"
	"github.com/target/listingsync/internal/service"
)

// Ticker is the scheduling surface the runner drives.
type Ticker interface {
	Recover(ctx context.Context) (int, error)
	Tick(ctx context.Context) (service.TickResult, error)
	Shutdown(ctx context.Context) error
	OwnerID() string
}

// Runner calls Tick at a fixed interval. On start it reclaims runs orphaned by a
// previous process; on stop it interrupts live runs and waits for their outcome.
type Runner struct {
	scheduler       Ticker
	interval        time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
	metrics         statsd.Sink
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Scheduler       Ticker
	Interval        time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	Metrics         statsd.Sink
}

// NewRunner creates a new scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = statsd.Noop{}
	}
	return &Runner{
		scheduler:       opts.Scheduler,
		interval:        opts.Interval,
		shutdownTimeout: opts.ShutdownTimeout,
		logger:          opts.Logger.With("component", "scheduler_runner"),
		metrics:         opts.Metrics,
	}, nil
}

// Run starts the scheduler loop and runs until the context is cancelled.
// Tick errors are logged and the loop continues.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scheduler runner",
		"interval", r.interval,
		"owner_id", r.scheduler.OwnerID(),
	)

	if _, err := r.scheduler.Recover(ctx); err != nil {
		r.logger.ErrorContext(ctx, "startup recovery failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "scheduler runner stopping", "reason", ctx.Err())
			r.shutdown()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			res, err := r.scheduler.Tick(ctx)
			switch {
			case err != nil && ctx.Err() == nil:
				r.logger.ErrorContext(ctx, "scheduler tick error", "error", err)
			case res.Admitted > 0 || res.Orphans > 0:
				r.logger.DebugContext(ctx, "scheduler tick",
					"admitted", res.Admitted,
					"deferred", res.Deferred,
					"running", res.Running,
					"orphans", res.Orphans,
				)
			}
			if err == nil {
				r.metrics.Gauge("scheduler.last_success_epoch", float64(time.Now().Unix()), nil)
			}
		}
	}
}

func (r *Runner) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()
	if err := r.scheduler.Shutdown(ctx); err != nil {
		r.logger.Error("scheduler shutdown incomplete", "error", err)
	}
}
