package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/target/listingsync/internal/core"
	"github.com/target/listingsync/internal/data"
	"github.com/target/listingsync/internal/domain/model"
	"github.com/target/listingsync/internal/domain/scheduler"
	apperrors "github.com/target/listingsync/internal/errors"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo         core.JobRepository
	TimeProvider data.TimeProvider
	Logger       *slog.Logger
}

// JobService is the administrative surface over jobs. Errors are AppErrors.
type JobService struct {
	repo   core.JobRepository
	tp     data.TimeProvider
	logger *slog.Logger
}

// NewJobService constructs a JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobService{repo: opts.Repo, tp: tp, logger: logger.With("component", "job_service")}, nil
}

// Create validates req and stores a new pending job.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, apperrors.Validation("request body is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	if err := scheduler.ValidateSchedule(req.Schedule); err != nil {
		return nil, apperrors.ValidationField("schedule", err.Error())
	}
	j, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, mapRepoError(err, "create job")
	}
	s.logger.InfoContext(ctx, "job created via admin",
		"job_id", j.ID,
		"target_id", j.TargetID,
		"job_type", j.Type,
		"schedule", j.Schedule.Type,
	)
	return j, nil
}

// Get returns one job.
func (s *JobService) Get(ctx context.Context, id string) (*model.Job, error) {
	j, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, data.ErrJobNotFound) {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	if err != nil {
		return nil, mapRepoError(err, "get job")
	}
	return j, nil
}

// List returns jobs matching opts, newest first.
func (s *JobService) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	if opts.Status != nil && !opts.Status.Valid() {
		return nil, apperrors.ValidationField("status", "invalid status")
	}
	jobs, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, mapRepoError(err, "list jobs")
	}
	return jobs, nil
}

// Stats returns job counts by status.
func (s *JobService) Stats(ctx context.Context) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, mapRepoError(err, "job stats")
	}
	return stats, nil
}

// Cancel requests cancellation. Pending jobs are cancelled immediately; running
// jobs stop once their scheduler observes the request.
func (s *JobService) Cancel(ctx context.Context, id string) (*model.Job, error) {
	j, err := s.repo.RequestCancel(ctx, id, s.tp.Now())
	switch {
	case errors.Is(err, data.ErrJobNotFound):
		return nil, apperrors.NotFoundf("job %s not found", id)
	case errors.Is(err, data.ErrJobNotCancellable):
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConflict, "job already finished")
	case err != nil:
		return nil, mapRepoError(err, "cancel job")
	}
	s.logger.InfoContext(ctx, "job cancel requested", "job_id", j.ID, "target_id", j.TargetID, "status", j.Status)
	return j, nil
}

// Requeue returns a finished job to pending with a fresh retry budget.
func (s *JobService) Requeue(ctx context.Context, id string) (*model.Job, error) {
	j, err := s.repo.Requeue(ctx, core.RequeueParams{JobID: id, NextRunAt: s.tp.Now()})
	switch {
	case errors.Is(err, data.ErrJobNotFound):
		return nil, apperrors.NotFoundf("job %s not found", id)
	case errors.Is(err, data.ErrJobNotRequeueable):
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConflict, "job is still pending or running")
	case err != nil:
		return nil, mapRepoError(err, "requeue job")
	}
	s.logger.InfoContext(ctx, "job requeued", "job_id", j.ID, "target_id", j.TargetID)
	return j, nil
}
