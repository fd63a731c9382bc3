package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/listingsync/internal/domain/job"
	"github.com/target/listingsync/internal/domain/model"
	"github.com/target/listingsync/internal/mocks"
)

func TestExecutor_Crawl(t *testing.T) {
	ctrl := gomock.NewController(t)
	crawler := mocks.NewMockCrawler(ctrl)
	f := newReconcileFixture(t, nil)

	exec, err := NewExecutor(ExecutorOptions{Crawler: crawler, Reconciler: f.svc, TimeProvider: f.clock})
	require.NoError(t, err)

	j := &model.Job{ID: "job-1", Type: model.JobTypeCrawl, TargetID: "t1", Params: []byte(`{"region":"seoul"}`)}
	crawler.EXPECT().
		Crawl(gomock.Any(), model.CrawlTarget{JobID: "job-1", TargetID: "t1", Params: j.Params}).
		Return(model.Snapshot{Records: []model.SnapshotRecord{snapshotRec("L1", 5, "")}, IsComplete: true}, nil)

	sum, err := exec.Execute(context.Background(), j)
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, 1, sum.New)
	assert.Equal(t, 1, f.listings.ActiveCount("t1"))
}

func TestExecutor_CrawlErrorKeepsClassification(t *testing.T) {
	ctrl := gomock.NewController(t)
	crawler := mocks.NewMockCrawler(ctrl)
	f := newReconcileFixture(t, nil)
	exec, err := NewExecutor(ExecutorOptions{Crawler: crawler, Reconciler: f.svc})
	require.NoError(t, err)

	crawler.EXPECT().Crawl(gomock.Any(), gomock.Any()).
		Return(model.Snapshot{}, job.Permanent("resolve", job.ErrTargetNotFound))

	sum, err := exec.Execute(context.Background(), &model.Job{ID: "j", Type: model.JobTypeCrawl, TargetID: "gone"})
	require.Error(t, err)
	assert.Nil(t, sum)
	assert.Equal(t, job.FailurePermanent, job.Classify(err))
	assert.Empty(t, f.passes.passes, "no pass is recorded for a failed crawl")
}

func TestExecutor_ReconcileErrorReturnsSummary(t *testing.T) {
	ctrl := gomock.NewController(t)
	crawler := mocks.NewMockCrawler(ctrl)
	f := newReconcileFixture(t, nil)
	f.listings.ListErr = errors.New("tx aborted")
	exec, err := NewExecutor(ExecutorOptions{Crawler: crawler, Reconciler: f.svc})
	require.NoError(t, err)

	crawler.EXPECT().Crawl(gomock.Any(), gomock.Any()).
		Return(model.Snapshot{Records: []model.SnapshotRecord{snapshotRec("L1", 5, "")}, IsComplete: true}, nil)

	sum, err := exec.Execute(context.Background(), &model.Job{ID: "j", Type: model.JobTypeCrawl, TargetID: "t1"})
	require.Error(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, 1, sum.New)
}

func TestExecutor_EnrichAndUnknownTypes(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newReconcileFixture(t, nil)
	exec, err := NewExecutor(ExecutorOptions{Crawler: mocks.NewMockCrawler(ctrl), Reconciler: f.svc})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), &model.Job{ID: "e", Type: model.JobTypeEnrich, TargetID: "t1"})
	require.ErrorIs(t, err, ErrEnrichmentDisabled)
	assert.Equal(t, job.FailurePermanent, job.Classify(err))

	_, err = exec.Execute(context.Background(), &model.Job{ID: "x", Type: "bogus", TargetID: "t1"})
	require.Error(t, err)
	assert.Equal(t, job.FailurePermanent, job.Classify(err))
}

func TestExecutor_EnrichJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	geo := mocks.NewMockGeocoder(ctrl)
	f := newReconcileFixture(t, nil)
	seedFlagged(f.listings, "L9", "t1", "9 Elm St")
	enricher := newEnrichService(t, geo, f.listings, nil, nil)

	exec, err := NewExecutor(ExecutorOptions{Crawler: mocks.NewMockCrawler(ctrl), Reconciler: f.svc, Enricher: enricher})
	require.NoError(t, err)

	geo.EXPECT().Geocode(gomock.Any(), "9 Elm St").Return(model.GeoPoint{Latitude: 1, Longitude: 1}, nil)
	sum, err := exec.Execute(context.Background(), &model.Job{ID: "e", Type: model.JobTypeEnrich, TargetID: "t1"})
	require.NoError(t, err)
	assert.Nil(t, sum)

	l, _ := f.listings.Listing("L9")
	assert.False(t, l.NeedsEnrichment)
}
