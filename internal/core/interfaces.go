package core

import (
	"context"
	"time"

	"github.com/target/listingsync/internal/domain/model"
	"github.com/target/listingsync/internal/domain/reconcile"
	"github.com/target/listingsync/internal/domain/scheduler"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// These interfaces define the contracts between the service layer and data layer.
// Service implementations should depend on these interfaces, not concrete implementations.

// AdmitParams groups the inputs of JobRepository.Admit.
type AdmitParams struct {
	Now           time.Time
	MaxConcurrent int
	BatchSize     int
	OwnerID       string
	// Plan chooses which eligible jobs to admit. It runs while the admission lock is held.
	Plan func(scheduler.AdmissionInput) scheduler.AdmissionPlan
	// NewRunID returns a fresh fencing token per admitted job.
	NewRunID func() string
}

// AdmitResult reports the admitted jobs, already persisted as running.
type AdmitResult struct {
	Admitted     []*model.Job
	Deferred     int
	Eligible     int
	RunningAfter int
}

// FinishParams persists the outcome of one run. The update only applies while the
// job is still running under RunID.
type FinishParams struct {
	JobID      string
	RunID      string
	Status     model.JobStatus
	RetryCount int
	NextRunAt  time.Time
	LastError  *string
	FinishedAt time.Time
	Summary    *model.ReconcileSummary
}

// HeartbeatParams refreshes heartbeat_at for live runs.
type HeartbeatParams struct {
	OwnerID string
	RunIDs  []string
	At      time.Time
}

// OrphanQuery selects running jobs that may have lost their worker.
type OrphanQuery struct {
	// OwnerID, when set, matches every running job owned by this process.
	OwnerID string
	// StaleBefore matches running jobs of any owner whose heartbeat is older than this.
	StaleBefore time.Time
	// StartedBefore matches running jobs that exceeded the max runtime.
	StartedBefore time.Time
	Limit         int
}

// RequeueParams groups the inputs of JobRepository.Requeue.
type RequeueParams struct {
	JobID     string
	NextRunAt time.Time
}

// JobRepository defines the interface for job data operations. It never deletes rows.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error)
	Stats(ctx context.Context) (*model.JobStats, error)
	CountRunning(ctx context.Context) (int, error)
	Admit(ctx context.Context, params AdmitParams) (*AdmitResult, error)
	Finish(ctx context.Context, params FinishParams) (bool, error)
	Heartbeat(ctx context.Context, params HeartbeatParams) (int, error)
	ListRunning(ctx context.Context, ownerID string) ([]*model.Job, error)
	ListOrphans(ctx context.Context, q OrphanQuery) ([]*model.Job, error)
	RequestCancel(ctx context.Context, id string, at time.Time) (*model.Job, error)
	Requeue(ctx context.Context, params RequeueParams) (*model.Job, error)
	// WithSweepLock runs fn under a cross-process lock and reports whether it ran.
	WithSweepLock(ctx context.Context, fn func(context.Context) error) (bool, error)
}

// EnrichmentUpdate records the outcome of geocoding one listing.
type EnrichmentUpdate struct {
	ListingID string
	Point     *model.GeoPoint
	At        time.Time
}

// ListingRepository is the listing store used by the reconcile engine and the admin surface.
type ListingRepository interface {
	reconcile.Store
	GetByID(ctx context.Context, listingID string) (*model.Listing, error)
	List(ctx context.Context, opts model.ListingListOptions) ([]*model.Listing, error)
	History(ctx context.Context, listingID string, limit int) ([]model.PriceHistory, error)
	ListNeedingEnrichment(ctx context.Context, targetID string, limit int) ([]*model.Listing, error)
	SetEnrichment(ctx context.Context, u EnrichmentUpdate) error
}

// PassRepository stores the append-only ledger of reconciliation passes.
type PassRepository interface {
	Append(ctx context.Context, pass *model.ReconcilePass) error
	Latest(ctx context.Context, targetID string) (*model.ReconcilePass, error)
	ListByTarget(ctx context.Context, targetID string, limit int) ([]*model.ReconcilePass, error)
}

// Crawler is the crawl collaborator. It returns a snapshot, possibly incomplete,
// or an error classified through job.Classify.
type Crawler interface {
	Crawl(ctx context.Context, target model.CrawlTarget) (model.Snapshot, error)
}

// Geocoder resolves an address to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (model.GeoPoint, error)
}
