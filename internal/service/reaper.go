package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/listingsync/config"
	"github.com/target/listingsync/internal/core"
	"github.com/target/listingsync/internal/data"
	"github.com/target/listingsync/internal/domain/job"
	"github.com/target/listingsync/internal/observability/metrics"
	"github.com/target/listingsync/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Jobs      core.JobRepository     // Required: job repository
	Config    config.ReaperConfig    // Required: sweep interval and batch size
	Scheduler config.SchedulerConfig // Required: max runtime and heartbeat staleness
	Policy    *job.RetryPolicy       // Optional: derived from Scheduler when nil
	Notifier  FailureNotifier        // Optional
	Metrics   statsd.Sink            // Optional: metrics sink (StatsD-compatible)

	TimeProvider data.TimeProvider
	Logger       *slog.Logger
}

// ReaperService reclaims running jobs that exceeded the max runtime or whose
// owner stopped heartbeating. Reclaimed jobs go through the retry rule; no row is
// ever deleted. Sweeps are serialized across processes by an advisory lock.
type ReaperService struct {
	jobs      core.JobRepository
	config    config.ReaperConfig
	sched     config.SchedulerConfig
	completer *runCompleter
	metrics   statsd.Sink
	tp        data.TimeProvider
	logger    *slog.Logger
}

// SweepResult reports one reaper sweep.
type SweepResult struct {
	// Acquired is false when another process held the sweep lock.
	Acquired  bool
	Reclaimed int
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	cfg := opts.Config
	cfg.Sanitize()
	sched := opts.Scheduler
	sched.Sanitize()

	policy := opts.Policy
	if policy == nil {
		p, err := job.NewRetryPolicy(sched.BackoffBase, sched.BackoffMax)
		if err != nil {
			return nil, fmt.Errorf("retry policy: %w", err)
		}
		policy = p
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reaper_service")
	sink := opts.Metrics
	if sink == nil {
		sink = statsd.Noop{}
	}

	logger.Debug("ReaperService initialized",
		"interval", cfg.Interval,
		"max_runtime", sched.MaxRuntime,
		"heartbeat_stale_after", sched.HeartbeatStaleAfter,
	)

	return &ReaperService{
		jobs:   opts.Jobs,
		config: cfg,
		sched:  sched,
		completer: &runCompleter{
			jobs:     opts.Jobs,
			policy:   policy,
			notifier: opts.Notifier,
			metrics:  sink,
			logger:   logger,
		},
		metrics: sink,
		tp:      tp,
		logger:  logger,
	}, nil
}

// Run sweeps at the configured interval until ctx is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)

	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

// waitWithJitter adds a random delay up to 10% of the interval so replicas started
// together do not contend for the sweep lock.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func (s *ReaperService) sweepAndLog(ctx context.Context) {
	res, err := s.Sweep(ctx)
	switch {
	case err != nil && isContextCancellation(err):
		s.logger.DebugContext(ctx, "reaper sweep interrupted", "error", err)
	case err != nil:
		s.logger.ErrorContext(ctx, "reaper sweep failed", "error", err)
	case res.Reclaimed > 0:
		s.logger.InfoContext(ctx, "reaper reclaimed jobs", "count", res.Reclaimed)
	}
}

// Sweep reclaims one batch of overrun or abandoned running jobs.
func (s *ReaperService) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	var res SweepResult

	acquired, err := s.jobs.WithSweepLock(ctx, func(ctx context.Context) error {
		now := s.tp.Now()
		maxStarted := now.Add(-s.sched.MaxRuntime)
		orphans, err := s.jobs.ListOrphans(ctx, core.OrphanQuery{
			StaleBefore:   now.Add(-s.sched.HeartbeatStaleAfter),
			StartedBefore: maxStarted,
			Limit:         s.config.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("list orphans: %w", err)
		}

		var errs []error
		for _, j := range orphans {
			if j.RunID == nil {
				continue
			}
			cause := ErrRunInterrupted
			if j.StartedAt != nil && j.StartedAt.Before(maxStarted) {
				cause = ErrMaxRuntimeExceeded
			}
			_, applied, err := s.completer.complete(ctx, runOutcome{
				Job:       j,
				RunID:     *j.RunID,
				Err:       cause,
				Cancelled: j.CancelRequested,
				At:        now,
			})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if applied {
				res.Reclaimed++
			}
		}
		return errors.Join(errs...)
	})
	res.Acquired = acquired
	metrics.EmitReaperSweep(s.metrics, res.Reclaimed, acquired, time.Since(start))
	if err != nil {
		return res, fmt.Errorf("reaper sweep: %w", err)
	}
	return res, nil
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
