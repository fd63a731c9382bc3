package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/target/listingsync/internal/core"
	"github.com/target/listingsync/internal/data"
	"github.com/target/listingsync/internal/domain/job"
	"github.com/target/listingsync/internal/domain/model"
)

// Executor runs admitted jobs: crawl jobs fetch a snapshot and reconcile it,
// enrich jobs retry flagged listings of their target.
type Executor struct {
	crawler     core.Crawler
	reconciler  *ReconcileService
	enricher    *EnrichService
	enrichBatch int
	tp          data.TimeProvider
}

// ExecutorOptions groups dependencies for Executor.
type ExecutorOptions struct {
	Crawler    core.Crawler
	Reconciler *ReconcileService
	// Enricher is optional; enrich jobs fail permanently without it.
	Enricher     *EnrichService
	EnrichBatch  int
	TimeProvider data.TimeProvider
}

// NewExecutor constructs an Executor.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Crawler == nil {
		return nil, errors.New("crawler is required")
	}
	if opts.Reconciler == nil {
		return nil, errors.New("ReconcileService is required")
	}
	batch := opts.EnrichBatch
	if batch <= 0 {
		batch = 500
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}
	return &Executor{
		crawler:     opts.Crawler,
		reconciler:  opts.Reconciler,
		enricher:    opts.Enricher,
		enrichBatch: batch,
		tp:          tp,
	}, nil
}

var _ JobExecutor = (*Executor)(nil)

// Execute implements JobExecutor.
func (e *Executor) Execute(ctx context.Context, j *model.Job) (*model.ReconcileSummary, error) {
	switch j.Type {
	case model.JobTypeCrawl:
		return e.crawl(ctx, j)
	case model.JobTypeEnrich:
		if e.enricher == nil {
			return nil, job.Permanent("enrich", ErrEnrichmentDisabled)
		}
		_, err := e.enricher.EnrichTarget(ctx, j.TargetID, e.enrichBatch)
		return nil, err
	default:
		return nil, job.Permanent("execute", fmt.Errorf("unsupported job type %q", j.Type))
	}
}

func (e *Executor) crawl(ctx context.Context, j *model.Job) (*model.ReconcileSummary, error) {
	started := e.tp.Now()
	snap, err := e.crawler.Crawl(ctx, model.CrawlTarget{JobID: j.ID, TargetID: j.TargetID, Params: j.Params})
	if err != nil {
		return nil, fmt.Errorf("crawl %s: %w", j.TargetID, err)
	}
	summary, err := e.reconciler.Reconcile(ctx, ReconcileParams{
		JobID:     j.ID,
		TargetID:  j.TargetID,
		Snapshot:  snap,
		StartedAt: started,
	})
	if err != nil {
		return &summary, fmt.Errorf("reconcile %s: %w", j.TargetID, err)
	}
	return &summary, nil
}
