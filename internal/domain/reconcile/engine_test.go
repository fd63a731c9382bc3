package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/listingsync/internal/domain/model"
	"github.com/target/listingsync/internal/domain/reconcile"
	"github.com/target/listingsync/internal/domain/reconcile/reconciletest"
)

const target = "seoul-mapo"

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time { return c.t }

func (c *stepClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newEngine(t *testing.T, store *reconciletest.MemoryStore, clock *stepClock) *reconcile.Engine {
	t.Helper()
	eng, err := reconcile.NewEngine(reconcile.EngineOptions{Store: store, GracePasses: 3, Clock: clock})
	require.NoError(t, err)
	return eng
}

func price(v float64) *float64 { return &v }

func record(id string, p float64) model.SnapshotRecord {
	return model.SnapshotRecord{ListingID: id, ListingFields: model.ListingFields{Price: price(p), TradeType: "sale"}}
}

func records(n int) []model.SnapshotRecord {
	out := make([]model.SnapshotRecord, 0, n)
	for i := range n {
		out = append(out, record(fmt.Sprintf("L-%03d", i), 1000))
	}
	return out
}

func complete(recs []model.SnapshotRecord) model.Snapshot {
	return model.Snapshot{Records: recs, IsComplete: true}
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := reconcile.NewEngine(reconcile.EngineOptions{GracePasses: 3})
	require.ErrorIs(t, err, reconcile.ErrStoreRequired)

	_, err = reconcile.NewEngine(reconcile.EngineOptions{Store: reconciletest.NewMemoryStore(), GracePasses: 0})
	require.ErrorIs(t, err, reconcile.ErrGracePassesInvalid)

	_, err = reconcile.NewEngine(reconcile.EngineOptions{
		Store:         reconciletest.NewMemoryStore(),
		GracePasses:   1,
		TrackedFields: []string{"price", "colour"},
	})
	require.Error(t, err)
}

func TestReconcile_NewListings(t *testing.T) {
	store := reconciletest.NewMemoryStore()
	clock := &stepClock{t: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}
	eng := newEngine(t, store, clock)

	rec := record("L-1", 50000)
	rec.Address = "12 Wausan-ro"
	res, err := eng.Reconcile(context.Background(), complete([]model.SnapshotRecord{rec}), target)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Summary.New)
	assert.Equal(t, target, res.Summary.TargetID)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "12 Wausan-ro", res.Candidates[0].Address)

	l, ok := store.Listing("L-1")
	require.True(t, ok)
	assert.True(t, l.IsActive)
	assert.Equal(t, clock.t, l.FirstSeenDate)
	assert.Equal(t, clock.t, l.LastSeenDate)
	assert.Equal(t, 0, l.MissStreak)
	assert.True(t, l.NeedsEnrichment)
	assert.Nil(t, l.DeletedAt)
}

func TestReconcile_ChangedFieldsAppendHistoryBeforeUpsert(t *testing.T) {
	store := reconciletest.NewMemoryStore()
	clock := &stepClock{t: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}
	eng := newEngine(t, store, clock)
	ctx := context.Background()

	_, err := eng.Reconcile(ctx, complete([]model.SnapshotRecord{record("L-1", 50000)}), target)
	require.NoError(t, err)
	store.Ops = nil

	clock.advance(24 * time.Hour)
	changed := record("L-1", 45000)
	changed.TradeType = "lease"
	res, err := eng.Reconcile(ctx, complete([]model.SnapshotRecord{changed}), target)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Summary.UpdatedWithHistory)
	assert.Equal(t, 2, res.Summary.HistoryRows)
	assert.Equal(t, []string{"history:L-1", "history:L-1", "upsert:L-1"}, store.Ops)

	hist := store.History()
	require.Len(t, hist, 2)
	assert.Equal(t, model.FieldPrice, hist[0].FieldName)
	assert.Equal(t, "50000", *hist[0].PreviousValue)
	assert.Equal(t, "45000", *hist[0].NewValue)
	require.NotNil(t, hist[0].ChangePercent)
	assert.InDelta(t, -10.0, *hist[0].ChangePercent, 0.001)
	assert.Equal(t, model.FieldTradeType, hist[1].FieldName)
	assert.Nil(t, hist[1].ChangePercent)

	l, _ := store.Listing("L-1")
	assert.InDelta(t, 45000, *l.Price, 0.001)
	assert.Equal(t, clock.t, l.LastSeenDate)
}

func TestReconcile_Idempotent(t *testing.T) {
	store := reconciletest.NewMemoryStore()
	clock := &stepClock{t: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}
	eng := newEngine(t, store, clock)
	ctx := context.Background()

	_, err := eng.Reconcile(ctx, complete([]model.SnapshotRecord{record("L-1", 100)}), target)
	require.NoError(t, err)

	snap := complete([]model.SnapshotRecord{record("L-1", 120), record("L-2", 80)})
	_, err = eng.Reconcile(ctx, snap, target)
	require.NoError(t, err)
	before := store.Listings()
	historyBefore := len(store.History())

	res, err := eng.Reconcile(ctx, snap, target)
	require.NoError(t, err)

	assert.Equal(t, historyBefore, len(store.History()))
	assert.Equal(t, before, store.Listings())
	assert.Equal(t, 2, res.Summary.Unchanged)
	assert.Equal(t, 0, res.Summary.HistoryRows)
}

func TestReconcile_GracePeriodExample(t *testing.T) {
	store := reconciletest.NewMemoryStore()
	clock := &stepClock{t: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	eng := newEngine(t, store, clock)
	ctx := context.Background()

	all := records(55)
	_, err := eng.Reconcile(ctx, complete(all), target)
	require.NoError(t, err)
	require.Equal(t, 55, store.ActiveCount(target))

	kept := all[:50]
	absent := all[50:]

	for pass := 1; pass <= 2; pass++ {
		clock.advance(24 * time.Hour)
		res, err := eng.Reconcile(ctx, complete(kept), target)
		require.NoError(t, err)
		assert.Equal(t, 50, res.Summary.Unchanged, "pass %d", pass)
		assert.Equal(t, 5, res.Summary.MissIncremented, "pass %d", pass)
		assert.Equal(t, 0, res.Summary.NewlyInactive, "pass %d", pass)
		assert.Equal(t, 55, store.ActiveCount(target), "pass %d", pass)
		for _, a := range absent {
			l, _ := store.Listing(a.ListingID)
			assert.Equal(t, pass, l.MissStreak)
			assert.True(t, l.IsActive)
		}
	}

	clock.advance(24 * time.Hour)
	res, err := eng.Reconcile(ctx, complete(kept), target)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Summary.NewlyInactive)
	assert.Equal(t, 50, store.ActiveCount(target))

	for _, a := range absent {
		l, ok := store.Listing(a.ListingID)
		require.True(t, ok, "soft-deleted listing must remain queryable")
		assert.False(t, l.IsActive)
		require.NotNil(t, l.DeletedAt)
		assert.Equal(t, clock.t, *l.DeletedAt)
		require.NotNil(t, l.DeletionReason)
		assert.Equal(t, model.DeletionReasonNotFound, *l.DeletionReason)
		assert.InDelta(t, 1000, *l.Price, 0.001, "last known values are retained")
	}
	assert.Len(t, store.Listings(), 55)
}

func TestReconcile_MissStreakResetsOnReappearance(t *testing.T) {
	store := reconciletest.NewMemoryStore()
	clock := &stepClock{t: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	eng := newEngine(t, store, clock)
	ctx := context.Background()

	both := []model.SnapshotRecord{record("A", 1), record("B", 1)}
	_, err := eng.Reconcile(ctx, complete(both), target)
	require.NoError(t, err)

	for range 2 {
		_, err = eng.Reconcile(ctx, complete(both[:1]), target)
		require.NoError(t, err)
	}
	b, _ := store.Listing("B")
	require.Equal(t, 2, b.MissStreak)

	_, err = eng.Reconcile(ctx, complete(both), target)
	require.NoError(t, err)
	b, _ = store.Listing("B")
	assert.Equal(t, 0, b.MissStreak)

	// Two further misses stay under the grace period again.
	for range 2 {
		_, err = eng.Reconcile(ctx, complete(both[:1]), target)
		require.NoError(t, err)
	}
	b, _ = store.Listing("B")
	assert.True(t, b.IsActive)
}

func TestReconcile_Reactivation(t *testing.T) {
	store := reconciletest.NewMemoryStore()
	deletedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reason := model.DeletionReasonNotFound
	store.Seed(model.Listing{
		ListingID:      "L-9",
		TargetID:       target,
		ListingFields:  model.ListingFields{Price: price(900), TradeType: "sale"},
		IsActive:       false,
		MissStreak:     3,
		FirstSeenDate:  deletedAt.Add(-72 * time.Hour),
		LastSeenDate:   deletedAt.Add(-72 * time.Hour),
		DeletedAt:      &deletedAt,
		DeletionReason: &reason,
	})
	clock := &stepClock{t: deletedAt.Add(240 * time.Hour)}
	eng := newEngine(t, store, clock)

	res, err := eng.Reconcile(context.Background(), complete([]model.SnapshotRecord{record("L-9", 950)}), target)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Summary.Reactivated)
	assert.Equal(t, 0, res.Summary.UpdatedWithHistory)
	assert.Equal(t, 1, res.Summary.HistoryRows)

	l, _ := store.Listing("L-9")
	assert.True(t, l.IsActive)
	assert.Nil(t, l.DeletedAt)
	assert.Nil(t, l.DeletionReason)
	assert.Equal(t, 0, l.MissStreak)
	assert.Equal(t, clock.t, l.LastSeenDate)
	assert.Equal(t, deletedAt.Add(-72*time.Hour), l.FirstSeenDate)
}

func TestReconcile_IncompleteSnapshotNeverDeactivates(t *testing.T) {
	store := reconciletest.NewMemoryStore()
	clock := &stepClock{t: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	eng := newEngine(t, store, clock)
	ctx := context.Background()

	_, err := eng.Reconcile(ctx, complete(records(20)), target)
	require.NoError(t, err)

	for range 10 {
		res, err := eng.Reconcile(ctx, model.Snapshot{Records: records(1), IsComplete: false}, target)
		require.NoError(t, err)
		assert.True(t, res.Summary.QualityWarning)
		assert.Equal(t, 0, res.Summary.NewlyInactive)
		assert.Equal(t, 0, res.Summary.MissIncremented)
	}
	assert.Equal(t, 20, store.ActiveCount(target))
	for _, l := range store.Listings() {
		assert.Equal(t, 0, l.MissStreak)
	}
}

func TestReconcile_MalformedAndDuplicateRecordsAreRejected(t *testing.T) {
	store := reconciletest.NewMemoryStore()
	eng := newEngine(t, store, &stepClock{t: time.Now().UTC()})

	snap := complete([]model.SnapshotRecord{
		record("L-1", 10),
		{ListingID: "  "},
		record("L-2", 20),
		record("L-1", 99),
	})
	res, err := eng.Reconcile(context.Background(), snap, target)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Summary.New)
	assert.Equal(t, 2, res.Summary.Rejected)
	l, _ := store.Listing("L-1")
	assert.InDelta(t, 10, *l.Price, 0.001)
}

func TestReconcile_OnlyTouchesOwnTarget(t *testing.T) {
	store := reconciletest.NewMemoryStore()
	clock := &stepClock{t: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	eng, err := reconcile.NewEngine(reconcile.EngineOptions{Store: store, GracePasses: 1, Clock: clock})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = eng.Reconcile(ctx, complete([]model.SnapshotRecord{record("other-1", 5)}), "busan")
	require.NoError(t, err)
	_, err = eng.Reconcile(ctx, complete(nil), target)
	require.NoError(t, err)

	l, _ := store.Listing("other-1")
	assert.True(t, l.IsActive)
}

func TestReconcile_StoreErrors(t *testing.T) {
	boom := errors.New("connection reset")
	ctx := context.Background()
	clock := &stepClock{t: time.Now().UTC()}

	t.Run("history failure aborts before upsert", func(t *testing.T) {
		store := reconciletest.NewMemoryStore()
		eng := newEngine(t, store, clock)
		_, err := eng.Reconcile(ctx, complete([]model.SnapshotRecord{record("L-1", 1)}), target)
		require.NoError(t, err)

		store.HistoryErr = boom
		_, err = eng.Reconcile(ctx, complete([]model.SnapshotRecord{record("L-1", 2)}), target)
		require.ErrorIs(t, err, boom)
		l, _ := store.Listing("L-1")
		assert.InDelta(t, 1, *l.Price, 0.001)
	})

	t.Run("absence failure surfaces", func(t *testing.T) {
		store := reconciletest.NewMemoryStore()
		eng := newEngine(t, store, clock)
		_, err := eng.Reconcile(ctx, complete(records(2)), target)
		require.NoError(t, err)

		store.AbsenceErr = boom
		_, err = eng.Reconcile(ctx, complete(nil), target)
		require.ErrorIs(t, err, boom)
	})

	t.Run("missing target", func(t *testing.T) {
		eng := newEngine(t, reconciletest.NewMemoryStore(), clock)
		_, err := eng.Reconcile(ctx, complete(nil), "")
		require.ErrorIs(t, err, reconcile.ErrTargetRequired)
	})
}

func TestChangePercent(t *testing.T) {
	assert.Nil(t, reconcile.ChangePercent(nil, price(1)))
	assert.Nil(t, reconcile.ChangePercent(price(0), price(1)))
	got := reconcile.ChangePercent(price(300), price(400))
	require.NotNil(t, got)
	assert.InDelta(t, 33.33, *got, 0.0001)
	got = reconcile.ChangePercent(price(-200), price(-100))
	require.NotNil(t, got)
	assert.InDelta(t, 50, *got, 0.0001)
}

func TestDiff_IgnoresUntrackedFields(t *testing.T) {
	rows := reconcile.Diff(reconcile.DiffParams{
		ListingID: "L-1",
		Before:    model.ListingFields{Price: price(1), Floor: "3"},
		After:     model.ListingFields{Price: price(1), Floor: "4"},
		Fields:    []string{model.FieldPrice},
	})
	assert.Empty(t, rows)
}
