package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/target/listingsync/internal/core"
	"github.com/target/listingsync/internal/data"
	"github.com/target/listingsync/internal/domain/model"
	"github.com/target/listingsync/internal/domain/reconcile"
	apperrors "github.com/target/listingsync/internal/errors"
	"github.com/target/listingsync/internal/observability/metrics"
	"github.com/target/listingsync/internal/observability/statsd"
)

// ReconcileServiceOptions groups dependencies for ReconcileService.
type ReconcileServiceOptions struct {
	Engine *reconcile.Engine
	Passes core.PassRepository
	// Cache holds the latest pass per target. Optional.
	Cache      core.CacheRepository
	SummaryTTL time.Duration
	// Enricher geocodes new and moved listings after each pass. Optional.
	Enricher     *EnrichService
	Metrics      statsd.Sink
	TimeProvider data.TimeProvider
	Logger       *slog.Logger
}

// ReconcileService runs reconciliation passes and keeps the pass ledger.
type ReconcileService struct {
	engine     *reconcile.Engine
	passes     core.PassRepository
	cache      core.CacheRepository
	summaryTTL time.Duration
	enricher   *EnrichService
	metrics    statsd.Sink
	tp         data.TimeProvider
	logger     *slog.Logger
}

// NewReconcileService constructs a ReconcileService.
func NewReconcileService(opts ReconcileServiceOptions) (*ReconcileService, error) {
	if opts.Engine == nil {
		return nil, errors.New("reconcile engine is required")
	}
	if opts.Passes == nil {
		return nil, errors.New("PassRepository is required")
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Metrics
	if sink == nil {
		sink = statsd.Noop{}
	}
	ttl := opts.SummaryTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ReconcileService{
		engine:     opts.Engine,
		passes:     opts.Passes,
		cache:      opts.Cache,
		summaryTTL: ttl,
		enricher:   opts.Enricher,
		metrics:    sink,
		tp:         tp,
		logger:     logger.With("component", "reconcile_service"),
	}, nil
}

// ReconcileParams identifies one pass.
type ReconcileParams struct {
	JobID     string
	TargetID  string
	Snapshot  model.Snapshot
	StartedAt time.Time
}

// Reconcile merges the snapshot, appends the pass to the ledger and then runs
// enrichment for the pass's candidates. Ledger, cache and enrichment failures are
// logged; only a failed merge is returned. The summary is returned even then and
// counts the records applied before the failure.
func (s *ReconcileService) Reconcile(ctx context.Context, p ReconcileParams) (model.ReconcileSummary, error) {
	started := p.StartedAt
	if started.IsZero() {
		started = s.tp.Now()
	}

	res, err := s.engine.Reconcile(ctx, p.Snapshot, p.TargetID)
	if err != nil {
		s.logger.ErrorContext(ctx, "reconcile pass failed",
			"job_id", p.JobID,
			"target_id", p.TargetID,
			"applied", res.Summary.Accepted(),
			"error", err,
		)
		return res.Summary, err
	}

	finished := s.tp.Now()
	metrics.EmitReconcile(s.metrics, res.Summary, finished.Sub(started))
	s.logger.InfoContext(ctx, "reconcile pass complete",
		"job_id", p.JobID,
		"target_id", p.TargetID,
		"new", res.Summary.New,
		"unchanged", res.Summary.Unchanged,
		"updated_with_history", res.Summary.UpdatedWithHistory,
		"reactivated", res.Summary.Reactivated,
		"newly_inactive", res.Summary.NewlyInactive,
		"miss_incremented", res.Summary.MissIncremented,
		"rejected", res.Summary.Rejected,
		"quality_warning", res.Summary.QualityWarning,
	)

	pass := &model.ReconcilePass{
		TargetID:    p.TargetID,
		Summary:     res.Summary,
		Diagnostics: p.Snapshot.Diagnostics,
		IsComplete:  p.Snapshot.IsComplete,
		StartedAt:   started,
		FinishedAt:  finished,
	}
	if p.JobID != "" {
		jobID := p.JobID
		pass.JobID = &jobID
	}
	if err := s.passes.Append(ctx, pass); err != nil {
		s.logger.WarnContext(ctx, "append reconcile pass failed", "target_id", p.TargetID, "error", err)
	} else {
		s.cachePass(ctx, pass)
	}

	if s.enricher != nil && len(res.Candidates) > 0 {
		if _, err := s.enricher.Enrich(ctx, res.Candidates); err != nil {
			s.logger.WarnContext(ctx, "enrichment incomplete", "target_id", p.TargetID, "error", err)
		}
	}
	return res.Summary, nil
}

func summaryCacheKey(targetID string) string {
	return "summary:" + targetID
}

func (s *ReconcileService) cachePass(ctx context.Context, pass *model.ReconcilePass) {
	if s.cache == nil {
		return
	}
	b, err := json.Marshal(pass)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, summaryCacheKey(pass.TargetID), b, s.summaryTTL); err != nil {
		s.logger.DebugContext(ctx, "cache reconcile pass failed", "target_id", pass.TargetID, "error", err)
	}
}

// LatestPass returns the newest pass for targetID, served from the cache when present.
func (s *ReconcileService) LatestPass(ctx context.Context, targetID string) (*model.ReconcilePass, error) {
	if targetID == "" {
		return nil, apperrors.ValidationField("target_id", "target id is required")
	}
	if s.cache != nil {
		if b, err := s.cache.Get(ctx, summaryCacheKey(targetID)); err == nil && b != nil {
			var pass model.ReconcilePass
			if err := json.Unmarshal(b, &pass); err == nil {
				return &pass, nil
			}
		}
	}

	pass, err := s.passes.Latest(ctx, targetID)
	if errors.Is(err, data.ErrPassNotFound) {
		return nil, apperrors.NotFoundf("no reconcile pass for target %s", targetID)
	}
	if err != nil {
		return nil, mapRepoError(err, "load latest pass")
	}
	s.cachePass(ctx, pass)
	return pass, nil
}

// ListPasses returns recent passes for targetID, newest first.
func (s *ReconcileService) ListPasses(ctx context.Context, targetID string, limit int) ([]*model.ReconcilePass, error) {
	passes, err := s.passes.ListByTarget(ctx, targetID, limit)
	if err != nil {
		return nil, mapRepoError(err, "list passes for "+targetID)
	}
	return passes, nil
}
