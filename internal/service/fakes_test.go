package service

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/target/listingsync/internal/core"
	"github.com/target/listingsync/internal/data"
	"github.com/target/listingsync/internal/domain/model"
	"github.com/target/listingsync/internal/domain/reconcile/reconciletest"
	"github.com/target/listingsync/internal/domain/scheduler"
	"github.com/target/listingsync/internal/observability/notify"
)

// memJobRepo is an in-memory core.JobRepository following the SQL semantics of data.JobRepo.
type memJobRepo struct {
	mu        sync.Mutex
	jobs      map[string]*model.Job
	seq       int
	sweepLock sync.Mutex

	finishCalls int
	admitErr    error
}

var _ core.JobRepository = (*memJobRepo)(nil)

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]*model.Job)}
}

func cloneJob(j *model.Job) *model.Job {
	c := *j
	return &c
}

// seed stores j as-is and returns its id.
func (r *memJobRepo) seed(j model.Job) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.ID == "" {
		r.seq++
		j.ID = "job-" + strconv.Itoa(r.seq)
	}
	if j.Type == "" {
		j.Type = model.JobTypeCrawl
	}
	if j.Status == "" {
		j.Status = model.JobStatusPending
	}
	if j.Schedule.Type == "" {
		j.Schedule.Type = model.ScheduleOnce
	}
	r.jobs[j.ID] = cloneJob(&j)
	return j.ID
}

func (r *memJobRepo) job(id string) model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.jobs[id]
}

func (r *memJobRepo) Create(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	j := model.Job{Type: req.Type, TargetID: req.TargetID, Params: req.Params, Schedule: req.Schedule, MaxRetries: 3}
	if req.Priority != nil {
		j.Priority = *req.Priority
	}
	if req.MaxRetries != nil {
		j.MaxRetries = *req.MaxRetries
	}
	if req.NextRunAt != nil {
		j.NextRunAt = *req.NextRunAt
	}
	id := r.seed(j)
	out := r.job(id)
	return &out, nil
}

func (r *memJobRepo) GetByID(_ context.Context, id string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, data.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (r *memJobRepo) sorted() []*model.Job {
	out := make([]*model.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (r *memJobRepo) List(_ context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Job
	for _, j := range r.sorted() {
		if opts.Status != nil && j.Status != *opts.Status {
			continue
		}
		if opts.TargetID != "" && j.TargetID != opts.TargetID {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (r *memJobRepo) Stats(context.Context) (*model.JobStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s model.JobStats
	for _, j := range r.jobs {
		switch j.Status {
		case model.JobStatusPending:
			s.Pending++
		case model.JobStatusRunning:
			s.Running++
		case model.JobStatusCompleted:
			s.Completed++
		case model.JobStatusFailed:
			s.Failed++
		case model.JobStatusCancelled:
			s.Cancelled++
		}
	}
	return &s, nil
}

func (r *memJobRepo) CountRunning(ctx context.Context) (int, error) {
	s, _ := r.Stats(ctx)
	return s.Running, nil
}

func (r *memJobRepo) Admit(_ context.Context, p core.AdmitParams) (*core.AdmitResult, error) {
	if r.admitErr != nil {
		return nil, r.admitErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	running := 0
	targets := map[string]struct{}{}
	var candidates []*model.Job
	for _, j := range r.sorted() {
		switch j.Status {
		case model.JobStatusRunning:
			running++
			targets[j.TargetID] = struct{}{}
		case model.JobStatusPending:
			candidates = append(candidates, j)
		}
	}
	plan := p.Plan(scheduler.AdmissionInput{
		Now:            p.Now,
		Candidates:     candidates,
		RunningCount:   running,
		RunningTargets: targets,
		MaxConcurrent:  p.MaxConcurrent,
	})

	res := &core.AdmitResult{Eligible: plan.Eligible, Deferred: len(plan.Deferred)}
	for _, c := range plan.Admit {
		j := r.jobs[c.ID]
		runID, owner, at := p.NewRunID(), p.OwnerID, p.Now
		j.Status = model.JobStatusRunning
		j.RunID, j.OwnerID = &runID, &owner
		j.StartedAt, j.HeartbeatAt, j.FinishedAt = &at, &at, nil
		res.Admitted = append(res.Admitted, cloneJob(j))
	}
	res.RunningAfter = running + len(res.Admitted)
	return res, nil
}

func (r *memJobRepo) Finish(_ context.Context, p core.FinishParams) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishCalls++
	j, ok := r.jobs[p.JobID]
	if !ok || j.Status != model.JobStatusRunning || j.RunID == nil || *j.RunID != p.RunID {
		return false, nil
	}
	status := p.Status
	if j.CancelRequested && status == model.JobStatusPending {
		status = model.JobStatusCancelled
	}
	at := p.FinishedAt
	j.Status = status
	j.RetryCount = p.RetryCount
	j.NextRunAt = p.NextRunAt
	j.LastError = p.LastError
	j.FinishedAt = &at
	j.HeartbeatAt = nil
	if p.Summary != nil {
		s := *p.Summary
		j.LastSummary = &s
	}
	return true, nil
}

func (r *memJobRepo) Heartbeat(_ context.Context, p core.HeartbeatParams) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range p.RunIDs {
		for _, j := range r.jobs {
			if j.Status == model.JobStatusRunning && j.RunID != nil && *j.RunID == id {
				at := p.At
				j.HeartbeatAt = &at
				n++
			}
		}
	}
	return n, nil
}

func (r *memJobRepo) ListRunning(_ context.Context, ownerID string) ([]*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Job
	for _, j := range r.sorted() {
		if j.Status != model.JobStatusRunning {
			continue
		}
		if ownerID != "" && (j.OwnerID == nil || *j.OwnerID != ownerID) {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (r *memJobRepo) ListOrphans(_ context.Context, q core.OrphanQuery) ([]*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Job
	for _, j := range r.sorted() {
		if j.Status != model.JobStatusRunning {
			continue
		}
		own := q.OwnerID != "" && j.OwnerID != nil && *j.OwnerID == q.OwnerID
		beat := j.HeartbeatAt
		if beat == nil {
			beat = j.StartedAt
		}
		stale := !q.StaleBefore.IsZero() && beat != nil && beat.Before(q.StaleBefore)
		overrun := !q.StartedBefore.IsZero() && j.StartedAt != nil && j.StartedAt.Before(q.StartedBefore)
		if own || stale || overrun {
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *memJobRepo) RequestCancel(_ context.Context, id string, at time.Time) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, data.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return nil, data.ErrJobNotCancellable
	}
	j.CancelRequested = true
	if j.Status == model.JobStatusPending {
		j.Status = model.JobStatusCancelled
		j.FinishedAt = &at
	}
	return cloneJob(j), nil
}

func (r *memJobRepo) Requeue(_ context.Context, p core.RequeueParams) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[p.JobID]
	if !ok {
		return nil, data.ErrJobNotFound
	}
	if !j.Status.Terminal() {
		return nil, data.ErrJobNotRequeueable
	}
	j.Status = model.JobStatusPending
	j.RetryCount = 0
	j.NextRunAt = p.NextRunAt
	j.CancelRequested = false
	j.FinishedAt, j.HeartbeatAt = nil, nil
	return cloneJob(j), nil
}

func (r *memJobRepo) WithSweepLock(ctx context.Context, fn func(context.Context) error) (bool, error) {
	if !r.sweepLock.TryLock() {
		return false, nil
	}
	defer r.sweepLock.Unlock()
	return true, fn(ctx)
}

// executorFunc adapts a function to JobExecutor.
type executorFunc func(ctx context.Context, j *model.Job) (*model.ReconcileSummary, error)

func (f executorFunc) Execute(ctx context.Context, j *model.Job) (*model.ReconcileSummary, error) {
	return f(ctx, j)
}

// captureNotifier records terminal failure notifications.
type captureNotifier struct {
	mu       sync.Mutex
	payloads []notify.JobFailurePayload
}

func (c *captureNotifier) NotifyJobFailure(_ context.Context, p notify.JobFailurePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, p)
}

func (c *captureNotifier) received() []notify.JobFailurePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.JobFailurePayload(nil), c.payloads...)
}

// memCache is an in-memory core.CacheRepository.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	gets int
}

var _ core.CacheRepository = (*memCache)(nil)

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = append([]byte(nil), value...)
	return nil
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (c *memCache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	delete(c.data, key)
	return ok, nil
}

func (c *memCache) Health(context.Context) error { return nil }

// memPassRepo is an in-memory core.PassRepository.
type memPassRepo struct {
	mu     sync.Mutex
	passes []*model.ReconcilePass
	err    error
}

func (r *memPassRepo) Append(_ context.Context, p *model.ReconcilePass) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	p.ID = int64(len(r.passes) + 1)
	c := *p
	r.passes = append(r.passes, &c)
	return nil
}

func (r *memPassRepo) Latest(_ context.Context, targetID string) (*model.ReconcilePass, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.passes) - 1; i >= 0; i-- {
		if r.passes[i].TargetID == targetID {
			c := *r.passes[i]
			return &c, nil
		}
	}
	return nil, data.ErrPassNotFound
}

func (r *memPassRepo) ListByTarget(_ context.Context, targetID string, _ int) ([]*model.ReconcilePass, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.ReconcilePass
	for i := len(r.passes) - 1; i >= 0; i-- {
		if r.passes[i].TargetID == targetID {
			c := *r.passes[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

// coreFinish builds a Finish that requeues j under its current run id.
func coreFinish(j model.Job, next time.Time, lastErr *string) core.FinishParams {
	return core.FinishParams{
		JobID:      j.ID,
		RunID:      *j.RunID,
		Status:     model.JobStatusPending,
		RetryCount: j.RetryCount + 1,
		NextRunAt:  next,
		LastError:  lastErr,
		FinishedAt: next,
	}
}

// memListingRepo adds the admin and enrichment queries to reconciletest.MemoryStore.
type memListingRepo struct {
	*reconciletest.MemoryStore
	mu          sync.Mutex
	enrichCalls []core.EnrichmentUpdate
}

var _ core.ListingRepository = (*memListingRepo)(nil)

func newMemListingRepo() *memListingRepo {
	return &memListingRepo{MemoryStore: reconciletest.NewMemoryStore()}
}

func (r *memListingRepo) GetByID(_ context.Context, id string) (*model.Listing, error) {
	l, ok := r.Listing(id)
	if !ok {
		return nil, data.ErrListingNotFound
	}
	return &l, nil
}

func (r *memListingRepo) List(_ context.Context, opts model.ListingListOptions) ([]*model.Listing, error) {
	var out []*model.Listing
	for _, l := range r.Listings() {
		if l.TargetID != opts.TargetID {
			continue
		}
		if opts.Active != nil && l.IsActive != *opts.Active {
			continue
		}
		out = append(out, &l)
	}
	return out, nil
}

func (r *memListingRepo) History(_ context.Context, id string, _ int) ([]model.PriceHistory, error) {
	var out []model.PriceHistory
	rows := r.MemoryStore.History()
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].ListingID == id {
			out = append(out, rows[i])
		}
	}
	return out, nil
}

func (r *memListingRepo) ListNeedingEnrichment(_ context.Context, targetID string, limit int) ([]*model.Listing, error) {
	var out []*model.Listing
	for _, l := range r.Listings() {
		if l.TargetID == targetID && l.IsActive && l.NeedsEnrichment && l.Address != "" {
			out = append(out, &l)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memListingRepo) SetEnrichment(_ context.Context, u core.EnrichmentUpdate) error {
	l, ok := r.Listing(u.ListingID)
	if !ok {
		return data.ErrListingNotFound
	}
	r.mu.Lock()
	r.enrichCalls = append(r.enrichCalls, u)
	r.mu.Unlock()
	if u.Point == nil {
		l.NeedsEnrichment = true
	} else {
		lat, lng, at := u.Point.Latitude, u.Point.Longitude, u.At
		l.Latitude, l.Longitude, l.EnrichedAt = &lat, &lng, &at
		l.NeedsEnrichment = false
	}
	r.Seed(l)
	return nil
}
