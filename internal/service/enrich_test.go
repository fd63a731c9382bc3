package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/listingsync/internal/domain/model"
	"github.com/target/listingsync/internal/domain/reconcile"
	"github.com/target/listingsync/internal/mocks"
	"github.com/target/listingsync/internal/observability/statsd"
	"github.com/target/listingsync/internal/testutil"
)

func newEnrichService(t *testing.T, geo *mocks.MockGeocoder, listings *memListingRepo, cache *memCache, sink statsd.Sink) *EnrichService {
	t.Helper()
	opts := EnrichServiceOptions{Geocoder: geo, Listings: listings, Concurrency: 2, Metrics: sink}
	if cache != nil {
		opts.Cache = cache
	}
	svc, err := NewEnrichService(opts)
	require.NoError(t, err)
	return svc
}

func seedFlagged(repo *memListingRepo, id, target, addr string) {
	repo.Seed(model.Listing{
		ListingID:       id,
		TargetID:        target,
		Address:         addr,
		IsActive:        true,
		NeedsEnrichment: true,
		FirstSeenDate:   testutil.TestTime(),
		LastSeenDate:    testutil.TestTime(),
	})
}

func TestEnrichService_Enrich(t *testing.T) {
	ctrl := gomock.NewController(t)
	geo := mocks.NewMockGeocoder(ctrl)
	listings := newMemListingRepo()
	cache := newMemCache()
	rec := &statsd.Recorder{}
	svc := newEnrichService(t, geo, listings, cache, rec)

	seedFlagged(listings, "L1", "t1", "1 Main St")
	seedFlagged(listings, "L2", "t1", "9 Nowhere Rd")
	seedFlagged(listings, "L3", "t1", "1  MAIN st")

	geo.EXPECT().Geocode(gomock.Any(), "1 Main St").Return(model.GeoPoint{Latitude: 37.5, Longitude: 127}, nil)
	geo.EXPECT().Geocode(gomock.Any(), "9 Nowhere Rd").Return(model.GeoPoint{}, errors.New("no match"))

	// L3 normalizes to the same cache key as L1; run it after L1 so it is served from cache.
	stats, err := svc.Enrich(context.Background(), []reconcile.EnrichCandidate{
		{ListingID: "L1", Address: "1 Main St"},
		{ListingID: "L2", Address: "9 Nowhere Rd"},
		{ListingID: "NOADDR", Address: "  "},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Enriched)
	assert.Equal(t, 1, stats.Failed)

	stats, err = svc.Enrich(context.Background(), []reconcile.EnrichCandidate{{ListingID: "L3", Address: "1  MAIN st"}})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CacheHits)

	l1, _ := listings.Listing("L1")
	assert.False(t, l1.NeedsEnrichment)
	require.NotNil(t, l1.Latitude)
	assert.InDelta(t, 37.5, *l1.Latitude, 1e-9)

	l2, _ := listings.Listing("L2")
	assert.True(t, l2.NeedsEnrichment, "failed lookups stay flagged")
	assert.Nil(t, l2.Latitude)

	l3, _ := listings.Listing("L3")
	assert.False(t, l3.NeedsEnrichment)

	assert.Equal(t, float64(1), rec.Sum("enrich.geocode", map[string]string{"result": "error"}))
	assert.Equal(t, float64(1), rec.Sum("enrich.geocode", map[string]string{"cache": "hit"}))
}

func TestEnrichService_EnrichTarget(t *testing.T) {
	ctrl := gomock.NewController(t)
	geo := mocks.NewMockGeocoder(ctrl)
	listings := newMemListingRepo()
	svc := newEnrichService(t, geo, listings, nil, nil)

	seedFlagged(listings, "A", "t1", "1 First Ave")
	seedFlagged(listings, "B", "t1", "2 Second Ave")
	seedFlagged(listings, "C", "t2", "3 Third Ave")

	geo.EXPECT().Geocode(gomock.Any(), gomock.Any()).Return(model.GeoPoint{Latitude: 1, Longitude: 2}, nil).Times(2)

	stats, err := svc.EnrichTarget(context.Background(), "t1", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Enriched)

	c, _ := listings.Listing("C")
	assert.True(t, c.NeedsEnrichment, "other targets are untouched")
}

func TestEnrichService_RunsAfterReconcile(t *testing.T) {
	ctrl := gomock.NewController(t)
	geo := mocks.NewMockGeocoder(ctrl)
	geo.EXPECT().Geocode(gomock.Any(), "5 Oak St").Return(model.GeoPoint{Latitude: 10, Longitude: 20}, nil)

	f := newReconcileFixture(t, func(repo *memListingRepo) *EnrichService {
		return newEnrichService(t, geo, repo, nil, nil)
	})
	_, err := f.svc.Reconcile(context.Background(), ReconcileParams{
		TargetID: "t1",
		Snapshot: model.Snapshot{
			Records:    []model.SnapshotRecord{snapshotRec("L1", 1, "5 Oak St"), snapshotRec("L2", 2, "")},
			IsComplete: true,
		},
	})
	require.NoError(t, err)

	l1, _ := f.listings.Listing("L1")
	assert.False(t, l1.NeedsEnrichment)
	require.NotNil(t, l1.Longitude)
	assert.InDelta(t, 20.0, *l1.Longitude, 1e-9)
}

func TestEnrichService_GeocoderFailureDoesNotFailReconcile(t *testing.T) {
	ctrl := gomock.NewController(t)
	geo := mocks.NewMockGeocoder(ctrl)
	geo.EXPECT().Geocode(gomock.Any(), gomock.Any()).Return(model.GeoPoint{}, errors.New("rate limited"))

	f := newReconcileFixture(t, func(repo *memListingRepo) *EnrichService {
		return newEnrichService(t, geo, repo, nil, nil)
	})
	sum, err := f.svc.Reconcile(context.Background(), ReconcileParams{
		TargetID: "t1",
		Snapshot: model.Snapshot{Records: []model.SnapshotRecord{snapshotRec("L1", 1, "5 Oak St")}, IsComplete: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.New)

	l1, _ := f.listings.Listing("L1")
	assert.True(t, l1.NeedsEnrichment)
	assert.True(t, l1.IsActive)
}

func TestNewEnrichService_RequiresDependencies(t *testing.T) {
	_, err := NewEnrichService(EnrichServiceOptions{Listings: newMemListingRepo()})
	require.Error(t, err)
	_, err = NewEnrichService(EnrichServiceOptions{Geocoder: mocks.NewMockGeocoder(gomock.NewController(t))})
	require.Error(t, err)
}
