// Package httpx serves the listingsync admin JSON API.
package httpx

import (
	"context"
	"net/http"

	"github.com/target/listingsync/internal/domain/model"
)

// JobAdmin is the job surface the handlers need. service.JobService satisfies it.
type JobAdmin interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error)
	Stats(ctx context.Context) (*model.JobStats, error)
	Cancel(ctx context.Context, id string) (*model.Job, error)
	Requeue(ctx context.Context, id string) (*model.Job, error)
}

// JobHandlers provides HTTP handlers for job-related operations.
type JobHandlers struct {
	Svc JobAdmin
}

type jobListResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// ListJobs handles GET /api/jobs?status=&target_id=&limit=&offset=.
func (h *JobHandlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	status, err := parseStatusQuery(r)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	limit, offset := ParseLimitOffset(r, defaultListLimit, maxListLimit)
	jobs, err := h.Svc.List(r.Context(), model.JobListOptions{
		Status:   status,
		TargetID: r.URL.Query().Get("target_id"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	WriteJSON(w, http.StatusOK, jobListResponse{Jobs: jobs, Limit: limit, Offset: offset})
}

// CreateJob handles POST /api/jobs.
func (h *JobHandlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req model.CreateJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	job, err := h.Svc.Create(r.Context(), &req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, job)
}

// GetJob handles GET /api/jobs/{id}.
func (h *JobHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, h.Svc.Get)
}

// CancelJob handles POST /api/jobs/{id}/cancel.
func (h *JobHandlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, h.Svc.Cancel)
}

// RequeueJob handles POST /api/jobs/{id}/requeue.
func (h *JobHandlers) RequeueJob(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, h.Svc.Requeue)
}

// Stats handles GET /api/jobs/stats.
func (h *JobHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Svc.Stats(r.Context())
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

func (h *JobHandlers) byID(
	w http.ResponseWriter,
	r *http.Request,
	fn func(context.Context, string) (*model.Job, error),
) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := fn(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}
