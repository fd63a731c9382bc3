// Package reaper provides the adapter that drives the orphaned-run reaper.
package reaper

import (
	"context"
	"errors"
	"log/slog"
)

// Sweeper runs sweeps until ctx ends.
type Sweeper interface {
	Run(ctx context.Context) error
}

// Runner runs the reaper loop.
type Runner struct {
	reaper Sweeper
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Reaper Sweeper
	Logger *slog.Logger
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Reaper == nil {
		return nil, errors.New("reaper service is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{reaper: opts.Reaper, logger: opts.Logger}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}
