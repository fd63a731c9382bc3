package job

import (
	"errors"
	"time"

	"github.com/target/listingsync/internal/domain/model"
	"github.com/target/listingsync/internal/domain/scheduler"
)

// ErrInvalidBackoff indicates the configured backoff base is not positive.
var ErrInvalidBackoff = errors.New("backoff base must be positive")

// DecisionReason identifies which rule produced a Decision.
type DecisionReason string

const (
	// ReasonCompleted marks a successful one-shot job.
	ReasonCompleted DecisionReason = "completed"
	// ReasonRescheduled marks a recurring job returning to pending at its next fire time.
	ReasonRescheduled DecisionReason = "rescheduled"
	// ReasonRetry marks a transient failure with retries left.
	ReasonRetry DecisionReason = "retry"
	// ReasonExhausted marks a transient failure with no retries left.
	ReasonExhausted DecisionReason = "exhausted"
	// ReasonPermanent marks a permanent failure.
	ReasonPermanent DecisionReason = "permanent"
	// ReasonCancelled marks a run stopped by an operator cancel request.
	ReasonCancelled DecisionReason = "cancelled"
)

// Decision is the next persisted state of a job after a run finishes.
type Decision struct {
	Status     model.JobStatus
	RetryCount int
	NextRunAt  time.Time
	Delay      time.Duration
	Reason     DecisionReason
	// Terminal is true when the finished run should be reported as a terminal failure.
	Terminal bool
}

// RetryPolicy decides retry/backoff and recurrence for finished runs.
type RetryPolicy struct {
	base time.Duration
	max  time.Duration
}

// NewRetryPolicy constructs a RetryPolicy with exponential backoff from base capped at maxDelay.
func NewRetryPolicy(base, maxDelay time.Duration) (*RetryPolicy, error) {
	if base <= 0 {
		return nil, ErrInvalidBackoff
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &RetryPolicy{base: base, max: maxDelay}, nil
}

// Backoff returns the delay before retry attempt n (1-based).
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.max || d <= 0 {
			return p.max
		}
	}
	if d > p.max {
		return p.max
	}
	return d
}

// OnSuccess resolves the state after a successful run.
func (p *RetryPolicy) OnSuccess(j *model.Job, now time.Time) Decision {
	if next, ok := nextFire(j, now); ok {
		return Decision{Status: model.JobStatusPending, NextRunAt: next, Reason: ReasonRescheduled}
	}
	return Decision{Status: model.JobStatusCompleted, RetryCount: j.RetryCount, NextRunAt: j.NextRunAt, Reason: ReasonCompleted}
}

// OnFailure resolves the state after a failed run of the given kind.
// Permanent failures are terminal even for recurring jobs. A transient failure
// with no retries left ends the run; recurring jobs then wait for their next fire time.
func (p *RetryPolicy) OnFailure(j *model.Job, kind FailureKind, now time.Time) Decision {
	if kind == FailurePermanent {
		return Decision{
			Status:     model.JobStatusFailed,
			RetryCount: j.RetryCount,
			NextRunAt:  j.NextRunAt,
			Reason:     ReasonPermanent,
			Terminal:   true,
		}
	}

	if j.RetriesLeft() {
		attempt := j.RetryCount + 1
		delay := p.Backoff(attempt)
		return Decision{
			Status:     model.JobStatusPending,
			RetryCount: attempt,
			NextRunAt:  now.Add(delay),
			Delay:      delay,
			Reason:     ReasonRetry,
		}
	}

	if next, ok := nextFire(j, now); ok {
		return Decision{Status: model.JobStatusPending, NextRunAt: next, Reason: ReasonExhausted, Terminal: true}
	}
	return Decision{
		Status:     model.JobStatusFailed,
		RetryCount: j.RetryCount,
		NextRunAt:  j.NextRunAt,
		Reason:     ReasonExhausted,
		Terminal:   true,
	}
}

// OnCancelled resolves the state of a running job whose cancel flag was observed.
func (p *RetryPolicy) OnCancelled(j *model.Job) Decision {
	return Decision{Status: model.JobStatusCancelled, RetryCount: j.RetryCount, NextRunAt: j.NextRunAt, Reason: ReasonCancelled}
}

func nextFire(j *model.Job, now time.Time) (time.Time, bool) {
	if !j.Schedule.Recurring() {
		return time.Time{}, false
	}
	next, err := scheduler.NextRun(j.Schedule, now)
	if err != nil {
		return time.Time{}, false
	}
	return next, true
}
