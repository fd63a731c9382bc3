package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/listingsync/internal/domain/model"
)

type fakeJobs struct {
	jobs      map[string]*model.Job
	listOpts  model.JobListOptions
	createReq *model.CreateJobRequest
}

func (f *fakeJobs) Create(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	f.createReq = req
	return &model.Job{ID: "new", Type: req.Type, TargetID: req.TargetID, Status: model.JobStatusPending}, nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (*model.Job, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeJobs) List(_ context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	f.listOpts = opts
	out := make([]*model.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeJobs) Stats(context.Context) (*model.JobStats, error) {
	return &model.JobStats{Pending: 4, Failed: 1}, nil
}

func (f *fakeJobs) Cancel(_ context.Context, id string) (*model.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	if j.Status == model.JobStatusPending {
		j.Status = model.JobStatusCancelled
	}
	j.CancelRequested = true
	return j, nil
}

func (f *fakeJobs) Requeue(_ context.Context, id string) (*model.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	j.Status = model.JobStatusPending
	return j, nil
}

type fakeListings struct {
	opts model.ListingListOptions
}

func (f *fakeListings) ListByTarget(_ context.Context, opts model.ListingListOptions) ([]*model.Listing, error) {
	f.opts = opts
	price := 350000.0
	return []*model.Listing{{
		ListingID:     "L1",
		TargetID:      opts.TargetID,
		IsActive:      true,
		Address:       "1 Main St",
		ListingFields: model.ListingFields{Price: &price},
	}}, nil
}

func (f *fakeListings) History(context.Context, string, int) ([]model.PriceHistory, error) {
	prev, next, pct := "100", "110", 10.0
	return []model.PriceHistory{{FieldName: "price", PreviousValue: &prev, NewValue: &next, ChangePercent: &pct}}, nil
}

type fakeExecutor struct {
	summary *model.ReconcileSummary
	err     error
}

func (f *fakeExecutor) Execute(context.Context, *model.Job) (*model.ReconcileSummary, error) {
	return f.summary, f.err
}

type fakePasses struct{}

func (fakePasses) LatestPass(_ context.Context, targetID string) (*model.ReconcilePass, error) {
	return &model.ReconcilePass{ID: 7, TargetID: targetID, IsComplete: true, Summary: model.ReconcileSummary{New: 2}}, nil
}

func newTestContext(svcs *adminServices) (*commandContext, *bytes.Buffer) {
	var out bytes.Buffer
	return &commandContext{
		Ctx:    context.Background(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Out:    &out,
		open: func(context.Context, *commandContext) (*adminServices, error) {
			return svcs, nil
		},
	}, &out
}

func TestPrintUsageListsCommandsSorted(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printUsage(&buf))

	out := buf.String()
	for name := range commands() {
		assert.Contains(t, out, name)
	}
	assert.Less(t, strings.Index(out, "jobs-cancel"), strings.Index(out, "jobs-list"))
	assert.Less(t, strings.Index(out, "jobs-stats"), strings.Index(out, "migrate"))
}

func TestParseWithID(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantID  string
		wantErr bool
	}{
		{name: "id first", args: []string{"abc", "--limit", "5"}, wantID: "abc"},
		{name: "id after flags", args: []string{"--limit", "5", "abc"}, wantID: "abc"},
		{name: "missing", args: []string{"--limit", "5"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFlagSet("test")
			limit := fs.Int("limit", 0, "")
			id, err := parseWithID(fs, tt.args, "id")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, 5, *limit)
		})
	}
}

func TestParseJobsListFlags(t *testing.T) {
	opts, err := parseJobsListFlags([]string{"--status", "FAILED", "--target", "t1"})
	require.NoError(t, err)
	require.NotNil(t, opts.Status)
	assert.Equal(t, model.JobStatusFailed, *opts.Status)
	assert.Equal(t, "t1", opts.TargetID)
	assert.Equal(t, defaultListLimit, opts.Limit)

	_, err = parseJobsListFlags([]string{"--status", "sleeping"})
	require.Error(t, err)

	_, err = parseJobsListFlags([]string{"--limit", "0"})
	require.Error(t, err)
}

func TestParseJobsCreateFlags(t *testing.T) {
	opts, err := parseJobsCreateFlags([]string{
		"--target", "t1",
		"--schedule", "interval",
		"--interval", "10m",
		"--params", `{"region":"north"}`,
		"--max-retries", "0",
	})
	require.NoError(t, err)

	req := opts.Request
	assert.Equal(t, model.JobTypeCrawl, req.Type)
	assert.Equal(t, "t1", req.TargetID)
	assert.Equal(t, model.ScheduleInterval, req.Schedule.Type)
	assert.Equal(t, 600, req.Schedule.IntervalSeconds)
	assert.JSONEq(t, `{"region":"north"}`, string(req.Params))
	assert.Nil(t, req.Priority)
	require.NotNil(t, req.MaxRetries)
	assert.Equal(t, 0, *req.MaxRetries)

	_, err = parseJobsCreateFlags([]string{"--target", "t1", "--params", "{nope"})
	require.Error(t, err)

	_, err = parseJobsCreateFlags([]string{"--type", "scrape"})
	require.Error(t, err)
}

func TestRunJobsCommands(t *testing.T) {
	jobs := &fakeJobs{jobs: map[string]*model.Job{
		"p1": {ID: "p1", Type: model.JobTypeCrawl, TargetID: "t1", Status: model.JobStatusPending},
		"r1": {ID: "r1", Type: model.JobTypeCrawl, TargetID: "t2", Status: model.JobStatusRunning},
	}}
	svcs := &adminServices{Jobs: jobs}

	t.Run("cancel pending", func(t *testing.T) {
		cmdCtx, out := newTestContext(svcs)
		require.NoError(t, runJobsCancel(cmdCtx, []string{"p1"}))
		assert.Equal(t, "job p1 cancelled\n", out.String())
	})

	t.Run("cancel running", func(t *testing.T) {
		cmdCtx, out := newTestContext(svcs)
		require.NoError(t, runJobsCancel(cmdCtx, []string{"r1"}))
		assert.Contains(t, out.String(), "cancellation requested")
	})

	t.Run("list forwards filters", func(t *testing.T) {
		cmdCtx, out := newTestContext(svcs)
		require.NoError(t, runJobsList(cmdCtx, []string{"--target", "t1", "--offset", "3"}))
		assert.Equal(t, "t1", jobs.listOpts.TargetID)
		assert.Equal(t, 3, jobs.listOpts.Offset)
		assert.Contains(t, out.String(), "NEXT RUN")
	})

	t.Run("create", func(t *testing.T) {
		cmdCtx, out := newTestContext(svcs)
		require.NoError(t, runJobsCreate(cmdCtx, []string{"--target", "t9", "--type", "enrich"}))
		require.NotNil(t, jobs.createReq)
		assert.Equal(t, model.JobTypeEnrich, jobs.createReq.Type)
		assert.Contains(t, out.String(), `"target_id": "t9"`)
	})

	t.Run("stats", func(t *testing.T) {
		cmdCtx, out := newTestContext(svcs)
		require.NoError(t, runJobsStats(cmdCtx, nil))
		assert.Regexp(t, `pending\s+4`, out.String())
		assert.Regexp(t, `failed\s+1`, out.String())
	})

	t.Run("get unknown", func(t *testing.T) {
		cmdCtx, _ := newTestContext(svcs)
		require.Error(t, runJobsGet(cmdCtx, []string{"zzz"}))
	})
}

func TestRunTargetCommands(t *testing.T) {
	listings := &fakeListings{}
	svcs := &adminServices{Passes: fakePasses{}, Listings: listings}

	t.Run("listings with active filter", func(t *testing.T) {
		cmdCtx, out := newTestContext(svcs)
		require.NoError(t, runTargetListings(cmdCtx, []string{"t1", "--active", "false"}))
		require.NotNil(t, listings.opts.Active)
		assert.False(t, *listings.opts.Active)
		assert.Contains(t, out.String(), "350000")
		assert.Contains(t, out.String(), "1 Main St")
	})

	t.Run("bad active value", func(t *testing.T) {
		cmdCtx, _ := newTestContext(svcs)
		require.Error(t, runTargetListings(cmdCtx, []string{"t1", "--active", "maybe"}))
	})

	t.Run("summary", func(t *testing.T) {
		cmdCtx, out := newTestContext(svcs)
		require.NoError(t, runTargetSummary(cmdCtx, []string{"t1"}))
		assert.Contains(t, out.String(), `"is_complete": true`)
	})

	t.Run("history", func(t *testing.T) {
		cmdCtx, out := newTestContext(svcs)
		require.NoError(t, runListingHistory(cmdCtx, []string{"L1"}))
		assert.Contains(t, out.String(), "+10.00%")
	})
}

func TestRunJobNow(t *testing.T) {
	jobs := &fakeJobs{jobs: map[string]*model.Job{
		"j1": {ID: "j1", Type: model.JobTypeCrawl, TargetID: "t1"},
	}}

	t.Run("prints summary", func(t *testing.T) {
		exec := &fakeExecutor{summary: &model.ReconcileSummary{TargetID: "t1", New: 3}}
		cmdCtx, out := newTestContext(&adminServices{Jobs: jobs, Executor: exec})
		require.NoError(t, runJobNow(cmdCtx, []string{"j1"}))
		assert.Contains(t, out.String(), `"new": 3`)
	})

	t.Run("partial summary on failure", func(t *testing.T) {
		exec := &fakeExecutor{summary: &model.ReconcileSummary{TargetID: "t1"}, err: errors.New("db down")}
		cmdCtx, out := newTestContext(&adminServices{Jobs: jobs, Executor: exec})
		err := runJobNow(cmdCtx, []string{"j1"})
		require.ErrorContains(t, err, "db down")
		assert.Contains(t, out.String(), `"target_id": "t1"`)
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
