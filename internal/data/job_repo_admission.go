package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/target/listingsync/internal/core"
	"github.com/target/listingsync/internal/data/pgxutil"
	"github.com/target/listingsync/internal/domain/model"
	"github.com/target/listingsync/internal/domain/scheduler"
)

const selectPendingCandidatesSQL = `
	SELECT ` + jobColumns + `
	FROM jobs
	WHERE status = 'pending' AND NOT cancel_requested AND next_run_at <= $1
	ORDER BY priority ASC, next_run_at ASC, id ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED`

const markRunningSQL = `
	UPDATE jobs
	SET status = 'running',
	    started_at = $2,
	    finished_at = NULL,
	    heartbeat_at = $2,
	    run_id = $3,
	    owner_id = $4,
	    updated_at = $2
	WHERE id = $1 AND status = 'pending'
	RETURNING ` + jobColumns

// Admit selects eligible jobs, lets params.Plan choose which to start, and marks
// the chosen ones running before returning. Admission is serialized across
// processes by a transaction-scoped advisory lock, so the running count and the
// set of busy targets seen by Plan cannot change underneath it.
func (r *JobRepo) Admit(ctx context.Context, params core.AdmitParams) (*core.AdmitResult, error) {
	if params.Plan == nil || params.NewRunID == nil {
		return nil, errors.New("admit requires Plan and NewRunID")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = 100
	}

	res := &core.AdmitResult{}
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			if err := pgxutil.AdvisoryXactLock(ctx, tx, pgxutil.LockNamespaceAdmission, 0); err != nil {
				return err
			}

			runningCount, runningTargets, err := loadRunningTargets(ctx, tx)
			if err != nil {
				return err
			}

			rows, err := tx.Query(ctx, selectPendingCandidatesSQL, params.Now, batch)
			if err != nil {
				return fmt.Errorf("select pending jobs: %w", err)
			}
			candidates, err := collectJobs(rows)
			if err != nil {
				return fmt.Errorf("collect pending jobs: %w", err)
			}

			plan := params.Plan(scheduler.AdmissionInput{
				Now:            params.Now,
				Candidates:     candidates,
				RunningCount:   runningCount,
				RunningTargets: runningTargets,
				MaxConcurrent:  params.MaxConcurrent,
			})
			res.Eligible = plan.Eligible
			res.Deferred = len(plan.Deferred)

			for _, j := range plan.Admit {
				updated, err := markRunning(ctx, tx, markRunningParams{
					JobID:   j.ID,
					RunID:   params.NewRunID(),
					OwnerID: params.OwnerID,
					At:      params.Now,
				})
				if err != nil {
					return err
				}
				res.Admitted = append(res.Admitted, updated)
			}
			res.RunningAfter = runningCount + len(res.Admitted)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("admit jobs: %w", err)
	}
	return res, nil
}

func loadRunningTargets(ctx context.Context, tx pgx.Tx) (int, map[string]struct{}, error) {
	rows, err := tx.Query(ctx, `SELECT target_id, COUNT(*) FROM jobs WHERE status = 'running' GROUP BY target_id`)
	if err != nil {
		return 0, nil, fmt.Errorf("load running targets: %w", err)
	}
	defer rows.Close()

	total := 0
	targets := make(map[string]struct{})
	for rows.Next() {
		var target string
		var n int
		if err := rows.Scan(&target, &n); err != nil {
			return 0, nil, fmt.Errorf("scan running target: %w", err)
		}
		targets[target] = struct{}{}
		total += n
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("iterate running targets: %w", err)
	}
	return total, targets, nil
}

type markRunningParams struct {
	JobID   string
	RunID   string
	OwnerID string
	At      time.Time
}

func markRunning(ctx context.Context, tx pgx.Tx, p markRunningParams) (*model.Job, error) {
	rows, err := tx.Query(ctx, markRunningSQL, p.JobID, p.At, p.RunID, p.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("mark job %s running: %w", p.JobID, err)
	}
	job, err := collectJobFromRows(rows)
	if err != nil {
		return nil, fmt.Errorf("collect running job %s: %w", p.JobID, err)
	}
	return job, nil
}

// Finish records the outcome of one run. It only applies while the job is still
// running under params.RunID and reports whether a row was updated. A cancel
// request that arrived during the run turns a reschedule into cancelled.
func (r *JobRepo) Finish(ctx context.Context, params core.FinishParams) (bool, error) {
	var summary []byte
	if params.Summary != nil {
		b, err := params.Summary.JSON()
		if err != nil {
			return false, fmt.Errorf("marshal summary: %w", err)
		}
		summary = b
	}

	const query = `
		UPDATE jobs
		SET status = CASE WHEN cancel_requested AND $3 = 'pending' THEN 'cancelled' ELSE $3 END,
		    retry_count = $4,
		    next_run_at = $5,
		    last_error = $6,
		    finished_at = $7,
		    last_summary = COALESCE($8::jsonb, last_summary),
		    heartbeat_at = NULL,
		    updated_at = $7
		WHERE id = $1 AND run_id = $2 AND status = 'running'`

	res, err := r.DB.ExecContext(ctx, query,
		params.JobID, params.RunID, string(params.Status), params.RetryCount,
		params.NextRunAt, nullableString(params.LastError), params.FinishedAt, summary,
	)
	if err != nil {
		return false, fmt.Errorf("finish job %s: %w", params.JobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish job %s rows affected: %w", params.JobID, err)
	}
	if n == 0 {
		r.logger.WarnContext(ctx, "finish ignored, run no longer current",
			"job_id", params.JobID,
			"run_id", params.RunID,
			"status", params.Status,
		)
	}
	return n > 0, nil
}

// Heartbeat refreshes heartbeat_at for the given live runs of an owner.
func (r *JobRepo) Heartbeat(ctx context.Context, params core.HeartbeatParams) (int, error) {
	if len(params.RunIDs) == 0 {
		return 0, nil
	}
	var affected int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx, `
			UPDATE jobs SET heartbeat_at = $1
			WHERE status = 'running' AND owner_id = $2 AND run_id = ANY($3::uuid[])`,
			params.At, params.OwnerID, params.RunIDs,
		)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("heartbeat: %w", err)
	}
	return int(affected), nil
}

// ListRunning returns running jobs, restricted to ownerID when it is non-empty.
func (r *JobRepo) ListRunning(ctx context.Context, ownerID string) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'running' AND ($1 = '' OR owner_id = $1)
		ORDER BY started_at ASC`
	return r.queryJobs(ctx, "list running jobs", query, ownerID)
}

// ListOrphans returns running jobs matching any criterion of q.
func (r *JobRepo) ListOrphans(ctx context.Context, q core.OrphanQuery) ([]*model.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'running' AND (
			($1 <> '' AND owner_id = $1)
			OR ($2::timestamptz IS NOT NULL AND COALESCE(heartbeat_at, started_at) < $2)
			OR ($3::timestamptz IS NOT NULL AND started_at < $3)
		)
		ORDER BY started_at ASC
		LIMIT $4`
	return r.queryJobs(ctx, "list orphaned jobs", query,
		q.OwnerID, nullableTime(q.StaleBefore), nullableTime(q.StartedBefore), clampLimit(q.Limit),
	)
}

func (r *JobRepo) queryJobs(ctx context.Context, op, query string, args ...any) ([]*model.Job, error) {
	var out []*model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		out, err = collectJobs(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// RequestCancel flags a job for cancellation. Pending jobs are cancelled at once;
// running jobs keep running until their worker observes the flag.
func (r *JobRepo) RequestCancel(ctx context.Context, id string, at time.Time) (*model.Job, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrJobNotCancellable, id, current.Status)
	}

	const query = `
		UPDATE jobs
		SET cancel_requested = TRUE,
		    status = CASE WHEN status = 'pending' THEN 'cancelled' ELSE status END,
		    finished_at = CASE WHEN status = 'pending' THEN $2 ELSE finished_at END,
		    updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'running')
		RETURNING ` + jobColumns

	var job *model.Job
	err = pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qErr := conn.Query(ctx, query, id, at)
		if qErr != nil {
			return qErr
		}
		var cErr error
		job, cErr = collectJobFromRows(rows)
		return cErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		// Finished between the read and the update.
		return nil, fmt.Errorf("%w: job %s already finished", ErrJobNotCancellable, id)
	}
	if err != nil {
		return nil, fmt.Errorf("request cancel %s: %w", id, err)
	}
	return job, nil
}

// Requeue moves a finished job back to pending with a fresh retry budget.
func (r *JobRepo) Requeue(ctx context.Context, params core.RequeueParams) (*model.Job, error) {
	const query = `
		UPDATE jobs
		SET status = 'pending',
		    retry_count = 0,
		    next_run_at = $2,
		    cancel_requested = FALSE,
		    finished_at = NULL,
		    heartbeat_at = NULL,
		    updated_at = $2
		WHERE id = $1 AND status IN ('failed', 'cancelled', 'completed')
		RETURNING ` + jobColumns

	if _, err := r.GetByID(ctx, params.JobID); err != nil {
		return nil, err
	}

	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qErr := conn.Query(ctx, query, params.JobID, params.NextRunAt)
		if qErr != nil {
			return qErr
		}
		var cErr error
		job, cErr = collectJobFromRows(rows)
		return cErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", ErrJobNotRequeueable, params.JobID)
	}
	if err != nil {
		return nil, fmt.Errorf("requeue %s: %w", params.JobID, err)
	}
	return job, nil
}

// WithSweepLock runs fn while holding the reaper advisory lock. It reports false
// without calling fn when another process holds the lock.
func (r *JobRepo) WithSweepLock(ctx context.Context, fn func(context.Context) error) (bool, error) {
	acquired := false
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			ok, err := pgxutil.TryAdvisoryXactLock(ctx, tx, pgxutil.LockNamespaceReaper, 0)
			if err != nil || !ok {
				return err
			}
			acquired = true
			return fn(ctx)
		},
	})
	return acquired, err
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
