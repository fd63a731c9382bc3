package data

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/target/listingsync/internal/domain/model"
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	DefaultMaxRetries int
	DefaultPriority   int
	Logger            *slog.Logger
	TimeProvider      TimeProvider
}

// JobRepo provides database operations for job management.
// Rows are only ever inserted or updated; nothing here deletes a job.
type JobRepo struct {
	DB           *sql.DB
	cfg          RepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &JobRepo{
		DB:           db,
		cfg:          cfg,
		timeProvider: tp,
		logger:       logger.With("component", "job_repo"),
	}
}

const jobColumns = `
  id,
  job_type,
  target_id,
  params,
  schedule,
  priority,
  status,
  retry_count,
  max_retries,
  next_run_at,
  last_error,
  started_at,
  finished_at,
  run_id,
  owner_id,
  heartbeat_at,
  cancel_requested,
  last_summary,
  created_at,
  updated_at
`

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	params, schedule, summary       []byte
	lastError, runID, ownerID       sql.NullString
	startedAt, finishedAt, heartbAt sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.Type,
		&job.TargetID,
		&d.params,
		&d.schedule,
		&job.Priority,
		&job.Status,
		&job.RetryCount,
		&job.MaxRetries,
		&job.NextRunAt,
		&d.lastError,
		&d.startedAt,
		&d.finishedAt,
		&d.runID,
		&d.ownerID,
		&d.heartbAt,
		&job.CancelRequested,
		&d.summary,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) error {
	job.Params = cloneJSON(d.params)
	if len(d.schedule) > 0 {
		if err := json.Unmarshal(d.schedule, &job.Schedule); err != nil {
			return fmt.Errorf("decode schedule for job %s: %w", job.ID, err)
		}
	}
	if len(d.summary) > 0 {
		var s model.ReconcileSummary
		if err := json.Unmarshal(d.summary, &s); err != nil {
			return fmt.Errorf("decode summary for job %s: %w", job.ID, err)
		}
		job.LastSummary = &s
	}
	job.LastError = cloneNullableString(d.lastError)
	job.RunID = cloneNullableString(d.runID)
	job.OwnerID = cloneNullableString(d.ownerID)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.FinishedAt = cloneNullableTime(d.finishedAt)
	job.HeartbeatAt = cloneNullableTime(d.heartbAt)
	job.NextRunAt = job.NextRunAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return nil
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	if err := data.apply(job); err != nil {
		return nil, err
	}
	return job, nil
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}
	rows.Close()
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return job, nil
}

// collectJobs drains pgx rows into jobs.
func collectJobs(rows pgx.Rows) ([]*model.Job, error) {
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		job, err := scanJobFromRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
