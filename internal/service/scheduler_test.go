package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/listingsync/config"
	"github.com/target/listingsync/internal/core"
	"github.com/target/listingsync/internal/data"
	"github.com/target/listingsync/internal/domain/job"
	"github.com/target/listingsync/internal/domain/model"
	"github.com/target/listingsync/internal/observability/statsd"
	"github.com/target/listingsync/internal/testutil"
)

type schedulerFixture struct {
	svc      *SchedulerService
	repo     *memJobRepo
	clock    *data.FixedTimeProvider
	notifier *captureNotifier
	metrics  *statsd.Recorder
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Interval:            time.Second,
		MaxConcurrent:       2,
		BatchSize:           10,
		DefaultMaxRetries:   3,
		BackoffBase:         time.Minute,
		BackoffMax:          time.Hour,
		MaxRuntime:          30 * time.Minute,
		HeartbeatStaleAfter: 2 * time.Minute,
		OwnerID:             "node-a",
	}
}

func newSchedulerFixture(t *testing.T, exec JobExecutor) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		repo:     newMemJobRepo(),
		clock:    data.NewFixedTimeProvider(testutil.TestTime()),
		notifier: &captureNotifier{},
		metrics:  &statsd.Recorder{},
	}
	var runs atomic.Int64
	svc, err := NewSchedulerService(SchedulerServiceOptions{
		Jobs:         f.repo,
		Executor:     exec,
		Config:       testSchedulerConfig(),
		Notifier:     f.notifier,
		Metrics:      f.metrics,
		TimeProvider: f.clock,
		NewRunID:     func() string { return "run-" + strconv.FormatInt(runs.Add(1), 10) },
	})
	require.NoError(t, err)
	f.svc = svc
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return f
}

func (f *schedulerFixture) pending(target string, priority int) model.Job {
	return model.Job{
		TargetID:   target,
		Priority:   priority,
		MaxRetries: 2,
		NextRunAt:  f.clock.Now(),
	}
}

func succeed(context.Context, *model.Job) (*model.ReconcileSummary, error) {
	return &model.ReconcileSummary{New: 1}, nil
}

// blockUntilCancelled runs until its context ends.
func blockUntilCancelled(started chan<- string) executorFunc {
	return func(ctx context.Context, j *model.Job) (*model.ReconcileSummary, error) {
		started <- j.ID
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func TestNewSchedulerService_RequiresDependencies(t *testing.T) {
	_, err := NewSchedulerService(SchedulerServiceOptions{Executor: executorFunc(succeed)})
	require.Error(t, err)
	_, err = NewSchedulerService(SchedulerServiceOptions{Jobs: newMemJobRepo()})
	require.Error(t, err)
}

func TestSchedulerService_TickRespectsCapacityAndTargets(t *testing.T) {
	release := make(chan struct{})
	f := newSchedulerFixture(t, executorFunc(func(ctx context.Context, _ *model.Job) (*model.ReconcileSummary, error) {
		<-release
		return &model.ReconcileSummary{}, nil
	}))

	a := f.repo.seed(f.pending("t1", 1))
	b := f.repo.seed(f.pending("t1", 0))
	c := f.repo.seed(f.pending("t2", 5))
	d := f.repo.seed(f.pending("t3", 9))

	res, err := f.svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Admitted)
	assert.Equal(t, 2, res.Deferred)
	assert.Equal(t, 4, res.Eligible)
	assert.Equal(t, 2, res.Running)
	assert.Equal(t, 2, f.svc.ActiveRuns())

	assert.Equal(t, model.JobStatusPending, f.repo.job(a).Status, "same target as a running job")
	assert.Equal(t, model.JobStatusRunning, f.repo.job(b).Status)
	assert.Equal(t, model.JobStatusRunning, f.repo.job(c).Status)
	assert.Equal(t, model.JobStatusPending, f.repo.job(d).Status, "no capacity left")
	assert.Equal(t, "node-a", *f.repo.job(b).OwnerID)

	// A second tick while both still run admits nothing.
	res, err = f.svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Admitted)

	close(release)
	f.svc.wg.Wait()
	assert.Equal(t, model.JobStatusCompleted, f.repo.job(b).Status)
	assert.Equal(t, model.JobStatusCompleted, f.repo.job(c).Status)
	assert.Nil(t, f.repo.job(b).LastError)
	assert.Equal(t, 0, f.svc.ActiveRuns())

	res, err = f.svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Admitted)
	f.svc.wg.Wait()
	assert.Equal(t, model.JobStatusCompleted, f.repo.job(a).Status)
	assert.Equal(t, model.JobStatusCompleted, f.repo.job(d).Status)

	tick, ok := f.metrics.Last("scheduler.tick")
	require.True(t, ok)
	assert.Equal(t, "success", tick.Tags["result"])
}

func TestSchedulerService_RecurringJobReschedules(t *testing.T) {
	f := newSchedulerFixture(t, executorFunc(succeed))
	j := f.pending("t1", 0)
	j.Schedule = model.Schedule{Type: model.ScheduleInterval, IntervalSeconds: 3600}
	j.RetryCount = 1
	id := f.repo.seed(j)

	_, err := f.svc.Tick(context.Background())
	require.NoError(t, err)
	f.svc.wg.Wait()

	got := f.repo.job(id)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.True(t, got.NextRunAt.Equal(f.clock.Now().Add(time.Hour)))
	require.NotNil(t, got.LastSummary)
	assert.Equal(t, 1, got.LastSummary.New)
	assert.Empty(t, f.notifier.received())
}

func TestSchedulerService_FailureHandling(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		retryCount int
		schedule   model.Schedule
		wantStatus model.JobStatus
		wantRetry  int
		wantDelay  time.Duration
		wantNotify string
	}{
		{
			name:       "transient with retries left backs off",
			err:        job.Transient("fetch", errors.New("503")),
			wantStatus: model.JobStatusPending,
			wantRetry:  1,
			wantDelay:  time.Minute,
		},
		{
			name:       "second retry doubles the delay",
			err:        errors.New("connection reset"),
			retryCount: 1,
			wantStatus: model.JobStatusPending,
			wantRetry:  2,
			wantDelay:  2 * time.Minute,
		},
		{
			name:       "transient with no retries left fails",
			err:        job.Transient("fetch", errors.New("503")),
			retryCount: 2,
			wantStatus: model.JobStatusFailed,
			wantRetry:  2,
			wantNotify: string(job.ReasonExhausted),
		},
		{
			name:       "permanent fails at once",
			err:        job.Permanent("resolve", job.ErrTargetNotFound),
			wantStatus: model.JobStatusFailed,
			wantRetry:  0,
			wantNotify: string(job.ReasonPermanent),
		},
		{
			name:       "exhausted recurring job waits for next fire",
			err:        errors.New("timeout"),
			retryCount: 2,
			schedule:   model.Schedule{Type: model.ScheduleInterval, IntervalSeconds: 600},
			wantStatus: model.JobStatusPending,
			wantRetry:  0,
			wantDelay:  10 * time.Minute,
			wantNotify: string(job.ReasonExhausted),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSchedulerFixture(t, executorFunc(func(context.Context, *model.Job) (*model.ReconcileSummary, error) {
				return nil, tt.err
			}))
			j := f.pending("t1", 0)
			j.RetryCount = tt.retryCount
			if tt.schedule.Type != "" {
				j.Schedule = tt.schedule
			}
			id := f.repo.seed(j)

			_, err := f.svc.Tick(context.Background())
			require.NoError(t, err)
			f.svc.wg.Wait()

			got := f.repo.job(id)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantRetry, got.RetryCount)
			require.NotNil(t, got.LastError)
			assert.Equal(t, tt.err.Error(), *got.LastError)
			if tt.wantDelay > 0 {
				assert.True(t, got.NextRunAt.Equal(f.clock.Now().Add(tt.wantDelay)), "next_run_at %s", got.NextRunAt)
			}

			notes := f.notifier.received()
			if tt.wantNotify == "" {
				assert.Empty(t, notes)
				return
			}
			require.Len(t, notes, 1)
			assert.Equal(t, tt.wantNotify, notes[0].Reason)
			assert.Equal(t, id, notes[0].JobID)
			assert.Equal(t, "t1", notes[0].TargetID)
		})
	}
}

func TestSchedulerService_CancelStopsRunningJob(t *testing.T) {
	started := make(chan string, 1)
	f := newSchedulerFixture(t, blockUntilCancelled(started))
	id := f.repo.seed(f.pending("t1", 0))

	_, err := f.svc.Tick(context.Background())
	require.NoError(t, err)
	<-started

	_, err = f.repo.RequestCancel(context.Background(), id, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, f.repo.job(id).Status, "running jobs stop cooperatively")

	_, err = f.svc.Tick(context.Background())
	require.NoError(t, err)
	f.svc.wg.Wait()

	got := f.repo.job(id)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "cancelled", *got.LastError)
	assert.Empty(t, f.notifier.received())
}

func TestSchedulerService_RecoverReclaimsOrphans(t *testing.T) {
	f := newSchedulerFixture(t, executorFunc(succeed))
	now := f.clock.Now()
	running := func(owner, runID string, heartbeat time.Time) model.Job {
		started := now.Add(-5 * time.Minute)
		j := f.pending("t-"+runID, 0)
		j.Status = model.JobStatusRunning
		j.OwnerID, j.RunID = &owner, &runID
		j.StartedAt, j.HeartbeatAt = &started, &heartbeat
		return j
	}

	own := f.repo.seed(running("node-a", "r1", now))
	healthy := f.repo.seed(running("node-b", "r2", now))
	dead := f.repo.seed(running("node-b", "r3", now.Add(-10*time.Minute)))

	n, err := f.svc.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{own, dead} {
		got := f.repo.job(id)
		assert.Equal(t, model.JobStatusPending, got.Status, id)
		assert.Equal(t, 1, got.RetryCount)
		require.NotNil(t, got.LastError)
		assert.Equal(t, model.LastErrorInterrupted, *got.LastError)
	}
	assert.Equal(t, model.JobStatusRunning, f.repo.job(healthy).Status)
}

func TestSchedulerService_OverrunJobIsStopped(t *testing.T) {
	started := make(chan string, 1)
	f := newSchedulerFixture(t, blockUntilCancelled(started))
	id := f.repo.seed(f.pending("t1", 0))

	_, err := f.svc.Tick(context.Background())
	require.NoError(t, err)
	<-started

	f.clock.AddTime(31 * time.Minute)
	_, err = f.svc.Tick(context.Background())
	require.NoError(t, err)
	f.svc.wg.Wait()

	got := f.repo.job(id)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, model.LastErrorMaxRuntime, *got.LastError)
}

func TestSchedulerService_LostRunIsFencedOut(t *testing.T) {
	started := make(chan string, 1)
	f := newSchedulerFixture(t, blockUntilCancelled(started))
	id := f.repo.seed(f.pending("t1", 0))

	_, err := f.svc.Tick(context.Background())
	require.NoError(t, err)
	<-started

	// Another process reclaims the row.
	cur := f.repo.job(id)
	msg := "interrupted"
	ok, err := f.repo.Finish(context.Background(), coreFinish(cur, f.clock.Now().Add(time.Hour), &msg))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Tick(context.Background())
	require.NoError(t, err)
	f.svc.wg.Wait()

	got := f.repo.job(id)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 2, f.repo.finishCalls, "the stale worker's write is rejected")
}

func TestSchedulerService_ShutdownInterruptsRuns(t *testing.T) {
	started := make(chan string, 1)
	f := newSchedulerFixture(t, blockUntilCancelled(started))
	id := f.repo.seed(f.pending("t1", 0))

	_, err := f.svc.Tick(context.Background())
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(ctx))

	got := f.repo.job(id)
	assert.Equal(t, model.JobStatusPending, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, model.LastErrorInterrupted, *got.LastError)
}

func TestSchedulerService_TickContinuesPastAdmitError(t *testing.T) {
	f := newSchedulerFixture(t, executorFunc(succeed))
	f.repo.admitErr = errors.New("db down")

	_, err := f.svc.Tick(context.Background())
	require.Error(t, err)

	tick, ok := f.metrics.Last("scheduler.tick")
	require.True(t, ok)
	assert.Equal(t, "error", tick.Tags["result"])
}

// gatedFinishRepo holds the first Finish call until release is closed.
type gatedFinishRepo struct {
	*memJobRepo
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (r *gatedFinishRepo) Finish(ctx context.Context, p core.FinishParams) (bool, error) {
	first := false
	r.once.Do(func() { first = true })
	if first {
		close(r.entered)
		<-r.release
	}
	return r.memJobRepo.Finish(ctx, p)
}

func TestSchedulerService_TickDuringFinishKeepsRun(t *testing.T) {
	repo := &gatedFinishRepo{
		memJobRepo: newMemJobRepo(),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	clock := data.NewFixedTimeProvider(testutil.TestTime())
	svc, err := NewSchedulerService(SchedulerServiceOptions{
		Jobs:         repo,
		Executor:     executorFunc(succeed),
		Config:       testSchedulerConfig(),
		TimeProvider: clock,
		NewRunID:     func() string { return "run-1" },
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	id := repo.seed(model.Job{TargetID: "t1", MaxRetries: 2, NextRunAt: clock.Now()})

	_, err = svc.Tick(context.Background())
	require.NoError(t, err)
	<-repo.entered

	res, err := svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Orphans, "a run that is persisting its outcome is not an orphan")

	close(repo.release)
	svc.wg.Wait()

	got := repo.job(id)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Nil(t, got.LastError)
	assert.Zero(t, got.RetryCount)
	require.NotNil(t, got.LastSummary)
	assert.Equal(t, 1, got.LastSummary.New)
	assert.Zero(t, svc.ActiveRuns())
}
