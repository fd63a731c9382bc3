package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/target/listingsync/config"
	"github.com/target/listingsync/internal/core"
	"github.com/target/listingsync/internal/data"
	"github.com/target/listingsync/internal/domain/job"
	"github.com/target/listingsync/internal/domain/model"
	"github.com/target/listingsync/internal/domain/scheduler"
	"github.com/target/listingsync/internal/observability/metrics"
	"github.com/target/listingsync/internal/observability/statsd"
)

// finishTimeout bounds the persistence of a run outcome after the run context ended.
const finishTimeout = 10 * time.Second

// orphanBatch caps how many orphaned rows one sweep reclaims.
const orphanBatch = 500

// JobExecutor performs the work of one admitted job. The returned summary may be
// non-nil even when err is set, for passes that failed part way.
type JobExecutor interface {
	Execute(ctx context.Context, j *model.Job) (*model.ReconcileSummary, error)
}

// SchedulerServiceOptions holds the dependencies for creating a SchedulerService.
type SchedulerServiceOptions struct {
	Jobs         core.JobRepository
	Executor     JobExecutor
	Config       config.SchedulerConfig
	Policy       *job.RetryPolicy // Optional: derived from Config when nil
	Notifier     FailureNotifier  // Optional
	Metrics      statsd.Sink      // Optional
	TimeProvider data.TimeProvider
	Logger       *slog.Logger
	// NewRunID overrides run id generation in tests.
	NewRunID func() string
}

// SchedulerService admits pending jobs under the concurrency and per-target
// limits, runs them asynchronously and persists their outcome.
//
// Every admitted run carries a fresh run id. All later writes for that run are
// fenced by it, so a run that was swept as orphaned can never overwrite the state
// written by whoever reclaimed it.
type SchedulerService struct {
	jobs      core.JobRepository
	executor  JobExecutor
	cfg       config.SchedulerConfig
	completer *runCompleter
	metrics   statsd.Sink
	tp        data.TimeProvider
	logger    *slog.Logger
	newRunID  func() string
	ownerID   string

	mu   sync.Mutex
	live map[string]*liveRun
	wg   sync.WaitGroup

	baseCtx context.Context
	stop    context.CancelFunc
}

type stopReason int32

const (
	stopNone stopReason = iota
	stopCancelRequested
	stopOverrun
	stopShutdown
	stopLost
)

// liveRun is the in-process handle of a running job.
type liveRun struct {
	job     *model.Job
	runID   string
	started time.Time
	cancel  context.CancelFunc
	reason  atomic.Int32
}

// stopWith cancels the run, recording the first reason given.
func (r *liveRun) stopWith(reason stopReason) {
	r.reason.CompareAndSwap(int32(stopNone), int32(reason))
	r.cancel()
}

func (r *liveRun) reasonCode() stopReason {
	return stopReason(r.reason.Load())
}

// TickResult reports what one scheduler tick did.
type TickResult struct {
	Admitted int
	Deferred int
	Eligible int
	Running  int
	Orphans  int
}

// NewSchedulerService creates a new SchedulerService with the given dependencies.
func NewSchedulerService(opts SchedulerServiceOptions) (*SchedulerService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("JobExecutor is required")
	}
	cfg := opts.Config
	cfg.Sanitize()

	policy := opts.Policy
	if policy == nil {
		p, err := job.NewRetryPolicy(cfg.BackoffBase, cfg.BackoffMax)
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
	logger = logger.With("component", "scheduler")
	sink := opts.Metrics
	if sink == nil {
		sink = statsd.Noop{}
	}
	newRunID := opts.NewRunID
	if newRunID == nil {
		newRunID = uuid.NewString
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &SchedulerService{
		jobs:     opts.Jobs,
		executor: opts.Executor,
		cfg:      cfg,
		completer: &runCompleter{
			jobs:     opts.Jobs,
			policy:   policy,
			notifier: opts.Notifier,
			metrics:  sink,
			logger:   logger,
		},
		metrics:  sink,
		tp:       tp,
		logger:   logger,
		newRunID: newRunID,
		ownerID:  resolveOwnerID(cfg.OwnerID),
		live:     make(map[string]*liveRun),
		baseCtx:  baseCtx,
		stop:     stop,
	}, nil
}

func resolveOwnerID(configured string) string {
	if configured != "" {
		return configured
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

// OwnerID returns the id stamped on rows this scheduler admits.
func (s *SchedulerService) OwnerID() string { return s.ownerID }

// ActiveRuns returns the number of runs with a live worker in this process.
func (s *SchedulerService) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Recover reclaims running rows left behind by a previous process with the same
// owner id, plus rows of any owner whose heartbeat went stale. Each is failed
// with last_error "interrupted" under the normal retry rule.
func (s *SchedulerService) Recover(ctx context.Context) (int, error) {
	n, err := s.sweepOrphans(ctx, s.tp.Now())
	if err != nil {
		return n, fmt.Errorf("recover orphaned jobs: %w", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "recovered orphaned jobs", "count", n, "owner_id", s.ownerID)
	}
	return n, nil
}

// Tick runs one scheduling round:
//  1. reclaim running rows without a live worker and stop overrun runs
//  2. stop runs whose row was cancelled or taken over, heartbeat the rest
//  3. admit eligible jobs and hand them to workers
//
// Errors from one step do not prevent the following steps.
func (s *SchedulerService) Tick(ctx context.Context) (TickResult, error) {
	start := time.Now()
	now := s.tp.Now()
	var (
		res  TickResult
		errs []error
	)

	orphans, err := s.sweepOrphans(ctx, now)
	res.Orphans = orphans
	if err != nil {
		errs = append(errs, err)
	}

	if err := s.observeRunning(ctx, now); err != nil {
		errs = append(errs, err)
	}

	admitted, err := s.jobs.Admit(ctx, core.AdmitParams{
		Now:           now,
		MaxConcurrent: s.cfg.MaxConcurrent,
		BatchSize:     s.cfg.BatchSize,
		OwnerID:       s.ownerID,
		Plan:          scheduler.Plan,
		NewRunID:      s.newRunID,
	})
	if err != nil {
		errs = append(errs, err)
	} else {
		res.Admitted = len(admitted.Admitted)
		res.Deferred = admitted.Deferred
		res.Eligible = admitted.Eligible
		res.Running = admitted.RunningAfter
		for _, j := range admitted.Admitted {
			s.start(j, now)
		}
	}

	err = errors.Join(errs...)
	metrics.EmitSchedulerTick(s.metrics, metrics.TickMetric{
		Admitted: res.Admitted,
		Deferred: res.Deferred,
		Eligible: res.Eligible,
		Running:  res.Running,
		Orphans:  res.Orphans,
		Duration: time.Since(start),
		Err:      err,
	})
	return res, err
}

func (s *SchedulerService) lookup(j *model.Job) *liveRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	lr, ok := s.live[j.ID]
	if !ok || j.RunID == nil || *j.RunID != lr.runID {
		return nil
	}
	return lr
}

func (s *SchedulerService) overran(j *model.Job, now time.Time) bool {
	return j.StartedAt != nil && now.Sub(*j.StartedAt) > s.cfg.MaxRuntime
}

// sweepOrphans reclaims running rows that have no live worker here. Rows with a
// live worker are only touched when they overran; their worker is stopped and
// records the overrun itself.
func (s *SchedulerService) sweepOrphans(ctx context.Context, now time.Time) (int, error) {
	orphans, err := s.jobs.ListOrphans(ctx, core.OrphanQuery{
		OwnerID:       s.ownerID,
		StaleBefore:   now.Add(-s.cfg.HeartbeatStaleAfter),
		StartedBefore: now.Add(-s.cfg.MaxRuntime),
		Limit:         orphanBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("list orphans: %w", err)
	}

	reclaimed := 0
	var errs []error
	for _, j := range orphans {
		if lr := s.lookup(j); lr != nil {
			if s.overran(j, now) {
				s.logger.WarnContext(ctx, "stopping overrun job", "job_id", j.ID, "target_id", j.TargetID)
				lr.stopWith(stopOverrun)
			}
			continue
		}
		if j.RunID == nil {
			s.logger.WarnContext(ctx, "running job without run id", "job_id", j.ID)
			continue
		}
		cause := ErrRunInterrupted
		if s.overran(j, now) {
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
			reclaimed++
		}
	}
	return reclaimed, errors.Join(errs...)
}

// observeRunning compares live workers with their rows. A worker is stopped when
// its row was cancelled or no longer runs under its run id. The remaining runs
// get a heartbeat.
func (s *SchedulerService) observeRunning(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	runs := make([]*liveRun, 0, len(s.live))
	for _, lr := range s.live {
		runs = append(runs, lr)
	}
	s.mu.Unlock()
	if len(runs) == 0 {
		return nil
	}

	rows, err := s.jobs.ListRunning(ctx, s.ownerID)
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	byID := make(map[string]*model.Job, len(rows))
	for _, j := range rows {
		byID[j.ID] = j
	}

	alive := make([]string, 0, len(runs))
	for _, lr := range runs {
		row, ok := byID[lr.job.ID]
		switch {
		case !ok || row.RunID == nil || *row.RunID != lr.runID:
			s.logger.WarnContext(ctx, "run no longer current, stopping worker",
				"job_id", lr.job.ID, "target_id", lr.job.TargetID, "run_id", lr.runID)
			lr.stopWith(stopLost)
		case row.CancelRequested:
			s.logger.InfoContext(ctx, "cancel requested, stopping worker",
				"job_id", lr.job.ID, "target_id", lr.job.TargetID)
			lr.stopWith(stopCancelRequested)
		default:
			alive = append(alive, lr.runID)
		}
	}

	if _, err := s.jobs.Heartbeat(ctx, core.HeartbeatParams{OwnerID: s.ownerID, RunIDs: alive, At: now}); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (s *SchedulerService) start(j *model.Job, now time.Time) {
	if j.RunID == nil {
		s.logger.Error("admitted job without run id", "job_id", j.ID)
		return
	}
	runCtx, cancel := context.WithTimeout(s.baseCtx, s.cfg.MaxRuntime)
	lr := &liveRun{job: j, runID: *j.RunID, started: now, cancel: cancel}

	s.mu.Lock()
	s.live[j.ID] = lr
	s.mu.Unlock()

	s.logger.InfoContext(runCtx, "job admitted",
		"job_id", j.ID,
		"target_id", j.TargetID,
		"status", j.Status,
		"retry_count", j.RetryCount,
		"run_id", lr.runID,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(runCtx, lr)
	}()
}

func (s *SchedulerService) run(ctx context.Context, lr *liveRun) {
	// The handle stays live until the outcome is persisted, so a concurrent
	// orphan sweep never mistakes a finishing run for an interrupted one.
	defer func() {
		s.mu.Lock()
		if cur, ok := s.live[lr.job.ID]; ok && cur == lr {
			delete(s.live, lr.job.ID)
		}
		s.mu.Unlock()
	}()

	summary, err := s.executor.Execute(ctx, lr.job)

	out := runOutcome{
		Job:     lr.job,
		RunID:   lr.runID,
		Err:     err,
		Summary: summary,
	}
	if err != nil {
		switch lr.reasonCode() {
		case stopCancelRequested:
			out.Cancelled = true
		case stopOverrun:
			out.Err = ErrMaxRuntimeExceeded
		case stopShutdown:
			out.Err = ErrRunInterrupted
		case stopNone:
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				out.Err = ErrMaxRuntimeExceeded
			}
		}
	}

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	out.At = s.tp.Now()
	out.Duration = out.At.Sub(lr.started)
	if _, applied, ferr := s.completer.complete(finishCtx, out); ferr == nil && !applied {
		s.logger.WarnContext(finishCtx, "run outcome discarded, job was reclaimed",
			"job_id", lr.job.ID, "target_id", lr.job.TargetID, "run_id", lr.runID)
	}
}

// Shutdown stops every live run and waits for the workers to record their
// outcome or for ctx to end. Interrupted runs follow the retry rule.
func (s *SchedulerService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, lr := range s.live {
		lr.stopWith(stopShutdown)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	defer s.stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}
