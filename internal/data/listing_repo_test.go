package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/listingsync/internal/core"
	"github.com/target/listingsync/internal/domain/model"
	"github.com/target/listingsync/internal/domain/reconcile"
	"github.com/target/listingsync/internal/testutil"
)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func snapshotOf(complete bool, recs ...model.SnapshotRecord) model.Snapshot {
	return model.Snapshot{Records: recs, IsComplete: complete}
}

func rec(id string, price float64, addr string) model.SnapshotRecord {
	return model.SnapshotRecord{
		ListingID:     id,
		ListingFields: model.ListingFields{Price: testutil.Ptr(price), TradeType: "sale", Tags: []string{"new"}},
		Address:       addr,
	}
}

func TestListingRepo_ReconcileAgainstPostgres(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewListingRepo(db, nil)
	ctx := context.Background()
	day := testutil.TestTime()

	engineAt := func(at time.Time) *reconcile.Engine {
		e, err := reconcile.NewEngine(reconcile.EngineOptions{Store: repo, GracePasses: 2, Clock: fixedClock(at)})
		require.NoError(t, err)
		return e
	}

	res, err := engineAt(day).Reconcile(ctx, snapshotOf(true, rec("L1", 100, "1 Main St"), rec("L2", 200, "")), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Summary.New)
	assert.Len(t, res.Candidates, 1)

	l1, err := repo.GetByID(ctx, "L1")
	require.NoError(t, err)
	assert.True(t, l1.IsActive)
	assert.Equal(t, []string{"new"}, l1.Tags)
	assert.True(t, l1.NeedsEnrichment)
	assert.True(t, l1.FirstSeenDate.Equal(day))

	// Price change and L2 missing once.
	res, err = engineAt(day.Add(24*time.Hour)).Reconcile(ctx, snapshotOf(true, rec("L1", 110, "1 Main St")), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.UpdatedWithHistory)
	assert.Equal(t, 1, res.Summary.MissIncremented)

	history, err := repo.History(ctx, "L1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.FieldPrice, history[0].FieldName)
	require.NotNil(t, history[0].ChangePercent)
	assert.InDelta(t, 10.0, *history[0].ChangePercent, 0.001)

	// Second miss soft-deletes L2.
	res, err = engineAt(day.Add(48*time.Hour)).Reconcile(ctx, snapshotOf(true, rec("L1", 110, "1 Main St")), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.NewlyInactive)

	l2, err := repo.GetByID(ctx, "L2")
	require.NoError(t, err)
	assert.False(t, l2.IsActive)
	require.NotNil(t, l2.DeletionReason)
	assert.Equal(t, model.DeletionReasonNotFound, *l2.DeletionReason)

	active, err := repo.List(ctx, model.ListingListOptions{TargetID: "t1", Active: testutil.Ptr(true)})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "L1", active[0].ListingID)

	all, err := repo.List(ctx, model.ListingListOptions{TargetID: "t1"})
	require.NoError(t, err)
	assert.Len(t, all, 2, "soft-deleted rows stay in the table")

	// Reappearance reactivates.
	res, err = engineAt(day.Add(72*time.Hour)).Reconcile(ctx, snapshotOf(true, rec("L1", 110, "1 Main St"), rec("L2", 200, "")), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Reactivated)
	l2, err = repo.GetByID(ctx, "L2")
	require.NoError(t, err)
	assert.True(t, l2.IsActive)
	assert.Nil(t, l2.DeletedAt)
	assert.Equal(t, 0, l2.MissStreak)
	assert.True(t, l2.FirstSeenDate.Equal(day), "first_seen_date never changes")
}

func TestListingRepo_LastSeenNeverMovesBackwards(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewListingRepo(db, nil)
	ctx := context.Background()
	now := testutil.TestTime()

	l := &model.Listing{ListingID: "X", TargetID: "t", IsActive: true, FirstSeenDate: now, LastSeenDate: now}
	require.NoError(t, repo.UpsertListing(ctx, l))

	older := *l
	older.LastSeenDate = now.Add(-time.Hour)
	require.NoError(t, repo.UpsertListing(ctx, &older))

	got, err := repo.GetByID(ctx, "X")
	require.NoError(t, err)
	assert.True(t, got.LastSeenDate.Equal(now))
}

func TestListingRepo_Enrichment(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewListingRepo(db, nil)
	ctx := context.Background()
	now := testutil.TestTime()

	require.NoError(t, repo.UpsertListing(ctx, &model.Listing{
		ListingID: "E1", TargetID: "t", Address: "2 Side St", IsActive: true,
		FirstSeenDate: now, LastSeenDate: now, NeedsEnrichment: true,
	}))

	pending, err := repo.ListNeedingEnrichment(ctx, "t", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, repo.SetEnrichment(ctx, core.EnrichmentUpdate{
		ListingID: "E1", Point: &model.GeoPoint{Latitude: 37.5, Longitude: 127.0}, At: now,
	}))

	got, err := repo.GetByID(ctx, "E1")
	require.NoError(t, err)
	assert.False(t, got.NeedsEnrichment)
	require.NotNil(t, got.Latitude)
	assert.InDelta(t, 37.5, *got.Latitude, 1e-9)

	err = repo.SetEnrichment(ctx, core.EnrichmentUpdate{ListingID: "missing", At: now})
	require.ErrorIs(t, err, ErrListingNotFound)

	_, err = repo.GetByID(ctx, "missing")
	require.ErrorIs(t, err, ErrListingNotFound)
}

func TestPassRepo_AppendAndLatest(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewPassRepo(db)
	ctx := context.Background()
	now := testutil.TestTime()

	_, err := repo.Latest(ctx, "t")
	require.ErrorIs(t, err, ErrPassNotFound)

	for i := range 3 {
		p := &model.ReconcilePass{
			TargetID:    "t",
			Summary:     model.ReconcileSummary{TargetID: "t", New: i},
			Diagnostics: model.CrawlDiagnostics{PagesFetched: i + 1},
			IsComplete:  i != 1,
			StartedAt:   now.Add(time.Duration(i) * time.Hour),
			FinishedAt:  now.Add(time.Duration(i)*time.Hour + time.Minute),
		}
		require.NoError(t, repo.Append(ctx, p))
		assert.NotZero(t, p.ID)
	}

	latest, err := repo.Latest(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Summary.New)
	assert.Equal(t, 3, latest.Diagnostics.PagesFetched)
	assert.Nil(t, latest.JobID)

	all, err := repo.ListByTarget(ctx, "t", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.False(t, all[1].IsComplete)
}

func TestListingRepo_EnrichmentLeavesLifecycleAlone(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := NewListingRepo(db, nil)
	ctx := context.Background()
	now := testutil.TestTime()

	require.NoError(t, repo.UpsertListing(ctx, &model.Listing{
		ListingID: "E2", TargetID: "t", Address: "3 Hill Rd", IsActive: true,
		ListingFields: model.ListingFields{Price: testutil.Ptr(500.0), TradeType: "sale"},
		FirstSeenDate: now, LastSeenDate: now, MissStreak: 1, NeedsEnrichment: true,
	}))

	require.NoError(t, repo.SetEnrichment(ctx, core.EnrichmentUpdate{ListingID: "E2", At: now.Add(time.Hour)}))
	require.NoError(t, repo.SetEnrichment(ctx, core.EnrichmentUpdate{
		ListingID: "E2", Point: &model.GeoPoint{Latitude: 35.1, Longitude: 129.0}, At: now.Add(2 * time.Hour),
	}))

	got, err := repo.GetByID(ctx, "E2")
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, 1, got.MissStreak)
	assert.True(t, got.LastSeenDate.Equal(now))
	assert.True(t, got.FirstSeenDate.Equal(now))
	assert.Nil(t, got.DeletedAt)
	require.NotNil(t, got.Price)
	assert.InDelta(t, 500.0, *got.Price, 1e-9)
	require.NotNil(t, got.Longitude)
	assert.InDelta(t, 129.0, *got.Longitude, 1e-9)

	history, err := repo.History(ctx, "E2", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}
