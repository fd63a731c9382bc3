package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/listingsync/config"
	"github.com/target/listingsync/internal/adapters/reaper"
	schedrunner "github.com/target/listingsync/internal/adapters/scheduler"
	"github.com/target/listingsync/internal/service"
)

// SchedulerConfig contains what the scheduler background service needs.
type SchedulerConfig struct {
	Services ServiceContainer
	Config   config.SchedulerConfig
	Logger   *slog.Logger
}

// RunScheduler builds the scheduler service and drives it until ctx ends.
func RunScheduler(ctx context.Context, cfg SchedulerConfig) error {
	if cfg.Services.JobRepo == nil || cfg.Services.Executor == nil {
		return errors.New("scheduler requires the job repository and executor")
	}
	sched, err := service.NewSchedulerService(service.SchedulerServiceOptions{
		Jobs:     cfg.Services.JobRepo,
		Executor: cfg.Services.Executor,
		Config:   cfg.Config,
		Notifier: cfg.Services.Observability.FailureNotifier,
		Metrics:  cfg.Services.Observability.MetricsSink,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("create scheduler service: %w", err)
	}

	runner, err := schedrunner.NewRunner(schedrunner.RunnerOptions{
		Scheduler:       sched,
		Interval:        cfg.Config.Interval,
		ShutdownTimeout: shutdownWaitTimeout,
		Logger:          cfg.Logger,
		Metrics:         cfg.Services.Observability.MetricsSink,
	})
	if err != nil {
		return fmt.Errorf("create scheduler runner: %w", err)
	}
	return runner.Run(ctx)
}

// ReaperConfig contains what the reaper background service needs.
type ReaperConfig struct {
	Services  ServiceContainer
	Config    config.ReaperConfig
	Scheduler config.SchedulerConfig
	Logger    *slog.Logger
}

// RunReaper builds the reaper service and sweeps until ctx ends.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	if cfg.Services.JobRepo == nil {
		return errors.New("reaper requires the job repository")
	}
	svc, err := service.NewReaperService(service.ReaperServiceOptions{
		Jobs:      cfg.Services.JobRepo,
		Config:    cfg.Config,
		Scheduler: cfg.Scheduler,
		Notifier:  cfg.Services.Observability.FailureNotifier,
		Metrics:   cfg.Services.Observability.MetricsSink,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("create reaper service: %w", err)
	}

	runner, err := reaper.NewRunner(reaper.RunnerOptions{Reaper: svc, Logger: cfg.Logger})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}
	return runner.Run(ctx)
}
