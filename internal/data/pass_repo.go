package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/target/listingsync/internal/core"
	"github.com/target/listingsync/internal/data/pgxutil"
	"github.com/target/listingsync/internal/domain/model"
)

// PassRepo stores the append-only reconcile pass ledger.
type PassRepo struct {
	DB *sql.DB
}

// NewPassRepo creates a PassRepo.
func NewPassRepo(db *sql.DB) *PassRepo {
	return &PassRepo{DB: db}
}

var _ core.PassRepository = (*PassRepo)(nil)

const passColumns = `id, job_id, target_id, is_complete, summary, diagnostics, started_at, finished_at`

// Append inserts pass and sets its ID.
func (r *PassRepo) Append(ctx context.Context, pass *model.ReconcilePass) error {
	if pass == nil || pass.TargetID == "" {
		return errors.New("pass with target id is required")
	}
	summary, err := json.Marshal(pass.Summary)
	if err != nil {
		return fmt.Errorf("marshal pass summary: %w", err)
	}
	diag, err := json.Marshal(pass.Diagnostics)
	if err != nil {
		return fmt.Errorf("marshal pass diagnostics: %w", err)
	}

	const query = `
		INSERT INTO reconcile_passes (job_id, target_id, is_complete, summary, diagnostics, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	if err := r.DB.QueryRowContext(ctx, query,
		nullableString(pass.JobID), pass.TargetID, pass.IsComplete, summary, diag, pass.StartedAt, pass.FinishedAt,
	).Scan(&pass.ID); err != nil {
		return fmt.Errorf("append reconcile pass: %w", err)
	}
	return nil
}

// Latest returns the newest pass of a target or ErrPassNotFound.
func (r *PassRepo) Latest(ctx context.Context, targetID string) (*model.ReconcilePass, error) {
	passes, err := r.ListByTarget(ctx, targetID, 1)
	if err != nil {
		return nil, err
	}
	if len(passes) == 0 {
		return nil, ErrPassNotFound
	}
	return passes[0], nil
}

// ListByTarget returns the newest passes of a target first.
func (r *PassRepo) ListByTarget(ctx context.Context, targetID string, limit int) ([]*model.ReconcilePass, error) {
	query := `SELECT ` + passColumns + `
		FROM reconcile_passes
		WHERE target_id = $1
		ORDER BY finished_at DESC, id DESC
		LIMIT $2`

	var out []*model.ReconcilePass
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, targetID, clampLimit(limit))
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanPass)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list reconcile passes: %w", err)
	}
	return out, nil
}

func scanPass(row pgx.CollectableRow) (*model.ReconcilePass, error) {
	var (
		p             model.ReconcilePass
		jobID         *string
		summary, diag []byte
	)
	if err := row.Scan(&p.ID, &jobID, &p.TargetID, &p.IsComplete, &summary, &diag, &p.StartedAt, &p.FinishedAt); err != nil {
		return nil, err
	}
	p.JobID = jobID
	if err := json.Unmarshal(summary, &p.Summary); err != nil {
		return nil, fmt.Errorf("decode pass summary: %w", err)
	}
	if len(diag) > 0 {
		if err := json.Unmarshal(diag, &p.Diagnostics); err != nil {
			return nil, fmt.Errorf("decode pass diagnostics: %w", err)
		}
	}
	p.StartedAt = p.StartedAt.UTC()
	p.FinishedAt = p.FinishedAt.UTC()
	return &p, nil
}
