// Package model defines the core data types shared by the listing store, the
// reconciliation engine and the job scheduler.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobType represents the type of job to be executed.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus represents the current status of a job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobStatus string

const (
	// JobTypeCrawl crawls a target and reconciles the resulting snapshot.
	JobTypeCrawl JobType = "crawl"
	// JobTypeEnrich retries enrichment for a target's listings flagged needs_enrichment.
	JobTypeEnrich JobType = "enrich"

	// JobStatusPending indicates a job is waiting for admission.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates a job has been admitted and handed to a worker.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates a job has finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job has failed terminally.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates an operator cancelled the job.
	JobStatusCancelled JobStatus = "cancelled"
)

// ErrNoJobsAvailable is returned when no jobs are eligible for admission.
var ErrNoJobsAvailable = errors.New("no jobs available")

// LastErrorInterrupted is recorded on running jobs found without a live worker.
const LastErrorInterrupted = "interrupted"

// LastErrorMaxRuntime is recorded on running jobs that exceeded the max runtime.
const LastErrorMaxRuntime = "max runtime exceeded"

// UnmarshalText implements encoding.TextUnmarshaler for JobType.
func (t *JobType) UnmarshalText(text []byte) error {
	jt := JobType(strings.ToLower(strings.TrimSpace(string(text))))
	if jt.Valid() {
		*t = jt
		return nil
	}
	return fmt.Errorf("invalid JobType: %q", jt)
}

// Valid returns true if the JobType is valid.
func (t JobType) Valid() bool {
	return t == JobTypeCrawl || t == JobTypeEnrich
}

// UnmarshalText implements encoding.TextUnmarshaler for JobStatus.
func (s *JobStatus) UnmarshalText(text []byte) error {
	st := JobStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if st.Valid() {
		*s = st
		return nil
	}
	return fmt.Errorf("invalid JobStatus: %q", st)
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition happens without operator action.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ScheduleType controls whether a job re-enters pending after it finishes.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type ScheduleType string

const (
	// ScheduleOnce runs a job a single time.
	ScheduleOnce ScheduleType = "once"
	// ScheduleInterval re-runs a job every IntervalSeconds.
	ScheduleInterval ScheduleType = "interval"
	// ScheduleCron re-runs a job at the next time matching CronExpr.
	ScheduleCron ScheduleType = "cron"
)

// UnmarshalText implements encoding.TextUnmarshaler for ScheduleType.
func (t *ScheduleType) UnmarshalText(text []byte) error {
	st := ScheduleType(strings.ToLower(strings.TrimSpace(string(text))))
	if st.Valid() {
		*t = st
		return nil
	}
	return fmt.Errorf("invalid ScheduleType: %q", st)
}

// Valid returns true if the ScheduleType is valid.
func (t ScheduleType) Valid() bool {
	return t == ScheduleOnce || t == ScheduleInterval || t == ScheduleCron
}

// Schedule describes when a job runs again.
type Schedule struct {
	Type            ScheduleType `json:"type"`
	IntervalSeconds int          `json:"interval_seconds,omitempty"`
	CronExpr        string       `json:"cron_expr,omitempty"`
}

// Recurring reports whether the job re-enters pending after completed/failed.
func (s Schedule) Recurring() bool {
	return s.Type == ScheduleInterval || s.Type == ScheduleCron
}

// Validate checks the schedule shape. Cron expressions are parsed by the scheduler package.
func (s Schedule) Validate() error {
	switch s.Type {
	case ScheduleOnce:
		return nil
	case ScheduleInterval:
		if s.IntervalSeconds <= 0 {
			return errors.New("interval_seconds must be > 0 for interval schedules")
		}
		return nil
	case ScheduleCron:
		if strings.TrimSpace(s.CronExpr) == "" {
			return errors.New("cron_expr is required for cron schedules")
		}
		return nil
	default:
		return fmt.Errorf("invalid schedule type: %q", s.Type)
	}
}

// Job represents a persisted crawl or enrichment job.
type Job struct {
	ID              string            `json:"id"                         db:"id"`
	Type            JobType           `json:"job_type"                   db:"job_type"`
	TargetID        string            `json:"target_id"                  db:"target_id"`
	Params          json.RawMessage   `json:"params"                     db:"params"`
	Schedule        Schedule          `json:"schedule"                   db:"schedule"`
	Priority        int               `json:"priority"                   db:"priority"`
	Status          JobStatus         `json:"status"                     db:"status"`
	RetryCount      int               `json:"retry_count"                db:"retry_count"`
	MaxRetries      int               `json:"max_retries"                db:"max_retries"`
	NextRunAt       time.Time         `json:"next_run_at"                db:"next_run_at"`
	LastError       *string           `json:"last_error,omitempty"       db:"last_error"`
	StartedAt       *time.Time        `json:"started_at,omitempty"       db:"started_at"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"      db:"finished_at"`
	RunID           *string           `json:"run_id,omitempty"           db:"run_id"`
	OwnerID         *string           `json:"owner_id,omitempty"         db:"owner_id"`
	HeartbeatAt     *time.Time        `json:"heartbeat_at,omitempty"     db:"heartbeat_at"`
	CancelRequested bool              `json:"cancel_requested"           db:"cancel_requested"`
	LastSummary     *ReconcileSummary `json:"last_summary,omitempty"     db:"last_summary"`
	CreatedAt       time.Time         `json:"created_at"                 db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"                 db:"updated_at"`
}

// RetriesLeft reports whether another failure would still requeue the job.
func (j *Job) RetriesLeft() bool {
	return j.RetryCount < j.MaxRetries
}

// CreateJobRequest represents a request to create a new job.
type CreateJobRequest struct {
	Type       JobType         `json:"job_type"`
	TargetID   string          `json:"target_id"`
	Params     json.RawMessage `json:"params,omitempty"`
	Schedule   Schedule        `json:"schedule"`
	Priority   *int            `json:"priority,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty"`
	NextRunAt  *time.Time      `json:"next_run_at,omitempty"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if !r.Type.Valid() {
		return errors.New("invalid job type")
	}
	if strings.TrimSpace(r.TargetID) == "" {
		return errors.New("target_id is required")
	}
	if r.Schedule.Type == "" {
		r.Schedule.Type = ScheduleOnce
	}
	if err := r.Schedule.Validate(); err != nil {
		return err
	}
	if r.Priority != nil && *r.Priority < 0 {
		return errors.New("priority must be >= 0")
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	if len(r.Params) > 0 && !json.Valid(r.Params) {
		return errors.New("params must be valid JSON")
	}
	return nil
}

// JobStats represents counts of jobs in each state.
type JobStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// JobListOptions filters job listings for the admin surface.
type JobListOptions struct {
	Status   *JobStatus
	TargetID string
	Limit    int
	Offset   int
}
