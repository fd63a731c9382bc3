// Package service implements the listingsync use cases on top of the core ports:
// scheduling and running crawl jobs, reconciling snapshots, enriching listings,
// sweeping orphaned runs and the job administration surface.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/target/listingsync/internal/core"
	"github.com/target/listingsync/internal/domain/job"
	"github.com/target/listingsync/internal/domain/model"
	obserrors "github.com/target/listingsync/internal/observability/errors"
	"github.com/target/listingsync/internal/observability/metrics"
	"github.com/target/listingsync/internal/observability/notify"
	"github.com/target/listingsync/internal/observability/statsd"
)

var (
	// ErrRunInterrupted is recorded when a running job lost its worker.
	ErrRunInterrupted = errors.New(model.LastErrorInterrupted)
	// ErrMaxRuntimeExceeded is recorded when a running job overran the max runtime.
	ErrMaxRuntimeExceeded = errors.New(model.LastErrorMaxRuntime)
)

// FailureNotifier receives terminal job failures.
type FailureNotifier interface {
	NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload)
}

// runOutcome is how one run of a job ended.
type runOutcome struct {
	Job       *model.Job
	RunID     string
	Err       error
	Cancelled bool
	Summary   *model.ReconcileSummary
	At        time.Time
	Duration  time.Duration
}

// runCompleter turns run outcomes into persisted transitions. The scheduler and
// the reaper share it so a swept run and a finished run follow the same rules.
type runCompleter struct {
	jobs     core.JobRepository
	policy   *job.RetryPolicy
	notifier FailureNotifier
	metrics  statsd.Sink
	logger   *slog.Logger
}

func (c *runCompleter) decide(o runOutcome) job.Decision {
	switch {
	case o.Cancelled:
		return c.policy.OnCancelled(o.Job)
	case o.Err == nil:
		return c.policy.OnSuccess(o.Job, o.At)
	default:
		return c.policy.OnFailure(o.Job, job.Classify(o.Err), o.At)
	}
}

// complete persists the transition for o. It reports false when the run was no
// longer current and the update was skipped.
func (c *runCompleter) complete(ctx context.Context, o runOutcome) (job.Decision, bool, error) {
	d := c.decide(o)

	var lastErr *string
	switch {
	case o.Cancelled:
		msg := "cancelled"
		lastErr = &msg
	case o.Err != nil:
		msg := o.Err.Error()
		lastErr = &msg
	}

	applied, err := c.jobs.Finish(ctx, core.FinishParams{
		JobID:      o.Job.ID,
		RunID:      o.RunID,
		Status:     d.Status,
		RetryCount: d.RetryCount,
		NextRunAt:  d.NextRunAt,
		LastError:  lastErr,
		FinishedAt: o.At,
		Summary:    o.Summary,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "persist job transition failed",
			"job_id", o.Job.ID,
			"target_id", o.Job.TargetID,
			"status", d.Status,
			"retry_count", d.RetryCount,
			"error", err,
		)
		return d, false, err
	}
	if !applied {
		return d, false, nil
	}

	metrics.EmitJobTransition(c.metrics, metrics.JobMetric{
		JobType:  string(o.Job.Type),
		Status:   string(d.Status),
		Reason:   string(d.Reason),
		Duration: o.Duration,
		Err:      o.Err,
	})

	level := slog.LevelInfo
	if o.Err != nil {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "job run finished",
		"job_id", o.Job.ID,
		"target_id", o.Job.TargetID,
		"status", d.Status,
		"retry_count", d.RetryCount,
		"reason", d.Reason,
		"next_run_at", d.NextRunAt,
		"duration", o.Duration,
		"error", o.Err,
	)

	if d.Terminal && c.notifier != nil {
		c.notifier.NotifyJobFailure(ctx, c.failurePayload(o, d))
	}
	return d, true, nil
}

func (c *runCompleter) failurePayload(o runOutcome, d job.Decision) notify.JobFailurePayload {
	p := notify.JobFailurePayload{
		JobID:      o.Job.ID,
		JobType:    string(o.Job.Type),
		TargetID:   o.Job.TargetID,
		Reason:     string(d.Reason),
		RetryCount: o.Job.RetryCount,
		ErrorClass: obserrors.Classify(o.Err),
		OccurredAt: o.At,
	}
	if o.Err != nil {
		p.Error = o.Err.Error()
	}
	if d.Status == model.JobStatusPending {
		p.Metadata = map[string]string{"next_run_at": d.NextRunAt.UTC().Format(time.RFC3339)}
	}
	return p
}
