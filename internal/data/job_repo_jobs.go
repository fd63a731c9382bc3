package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/target/listingsync/internal/data/pgxutil"
	"github.com/target/listingsync/internal/domain/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}

// Create inserts a pending job. Defaults for priority, max_retries and next_run_at
// come from the repo config and the clock.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	schedule, err := json.Marshal(req.Schedule)
	if err != nil {
		return nil, fmt.Errorf("marshal schedule: %w", err)
	}
	params := []byte(req.Params)
	if len(params) == 0 {
		params = []byte(`{}`)
	}

	priority := r.cfg.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	maxRetries := r.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	now := r.timeProvider.Now()
	nextRunAt := now
	if req.NextRunAt != nil {
		nextRunAt = req.NextRunAt.UTC()
	}

	query := `
		INSERT INTO jobs (
			id, job_type, target_id, params, schedule, priority, status,
			retry_count, max_retries, next_run_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, $8, $9, $9)
		RETURNING ` + jobColumns

	var job *model.Job
	if txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, qErr := tx.Query(ctx, query,
				uuid.NewString(), string(req.Type), req.TargetID, params, schedule,
				priority, maxRetries, nextRunAt, now,
			)
			if qErr != nil {
				return fmt.Errorf("insert job: %w", qErr)
			}
			var collectErr error
			job, collectErr = collectJobFromRows(rows)
			return collectErr
		},
	}); txErr != nil {
		return nil, txErr
	}

	r.logger.InfoContext(ctx, "job created",
		"job_id", job.ID,
		"job_type", job.Type,
		"target_id", job.TargetID,
		"schedule", job.Schedule.Type,
	)
	return job, nil
}

// GetByID returns a job or ErrJobNotFound.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrJobNotFound
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qErr := conn.Query(ctx, query, id)
		if qErr != nil {
			return fmt.Errorf("get job: %w", qErr)
		}
		var collectErr error
		job, collectErr = collectJobFromRows(rows)
		return collectErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

type jobFilterQueryBuilder struct {
	query  string
	args   []any
	argIdx int
}

func (b *jobFilterQueryBuilder) addFilter(condition string, value any) {
	if value == nil {
		return
	}
	b.query += fmt.Sprintf(" AND %s = $%d", condition, b.argIdx)
	b.args = append(b.args, value)
	b.argIdx++
}

func buildJobListQuery(opts model.JobListOptions) (string, []any) {
	b := &jobFilterQueryBuilder{
		query:  `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`,
		argIdx: 1,
	}
	if opts.Status != nil && *opts.Status != "" {
		b.addFilter("status", string(*opts.Status))
	}
	if opts.TargetID != "" {
		b.addFilter("target_id", opts.TargetID)
	}
	b.query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", b.argIdx, b.argIdx+1)
	b.args = append(b.args, clampLimit(opts.Limit), max(opts.Offset, 0))
	return b.query, b.args
}

// List returns jobs newest first, optionally filtered by status and target.
func (r *JobRepo) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	query, args := buildJobListQuery(opts)

	var out []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qErr := conn.Query(ctx, query, args...)
		if qErr != nil {
			return fmt.Errorf("list jobs: %w", qErr)
		}
		var collectErr error
		out, collectErr = collectJobs(rows)
		return collectErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats returns job counts per status.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled')
		FROM jobs`

	var s model.JobStats
	if err := r.DB.QueryRowContext(ctx, query).Scan(
		&s.Pending, &s.Running, &s.Completed, &s.Failed, &s.Cancelled,
	); err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return &s, nil
}

// CountRunning returns the number of jobs currently in the running state.
func (r *JobRepo) CountRunning(ctx context.Context) (int, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'running'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count running jobs: %w", err)
	}
	return n, nil
}
