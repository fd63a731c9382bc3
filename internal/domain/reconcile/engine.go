// Package reconcile merges a crawl snapshot for one target into the listing store.
//
// Listings are never hard-deleted. A listing missing from consecutive complete
// snapshots accumulates a miss streak and is soft-deleted once the streak reaches
// the grace period. Incomplete snapshots never advance miss streaks.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/target/listingsync/internal/domain/model"
)

// ErrGracePassesInvalid indicates a grace period below one pass.
var ErrGracePassesInvalid = errors.New("grace passes must be >= 1")

// ErrStoreRequired indicates the engine was constructed without a store.
var ErrStoreRequired = errors.New("reconcile store is required")

// ErrTargetRequired indicates Reconcile was called without a target id.
var ErrTargetRequired = errors.New("target id is required")

// Store is the listing persistence used by the engine.
// UpsertListing and AppendHistory are independently atomic per call.
// ApplyAbsence persists the miss-streak updates of one pass atomically.
type Store interface {
	GetListings(ctx context.Context, listingIDs []string) (map[string]*model.Listing, error)
	AppendHistory(ctx context.Context, rows []model.PriceHistory) error
	UpsertListing(ctx context.Context, l *model.Listing) error
	ListActiveByTarget(ctx context.Context, targetID string) ([]*model.Listing, error)
	ApplyAbsence(ctx context.Context, updates []*model.Listing) error
}

// Clock supplies the pass timestamp.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// EngineOptions configures an Engine.
type EngineOptions struct {
	Store         Store
	GracePasses   int
	TrackedFields []string
	Clock         Clock
	Logger        *slog.Logger
}

// Engine reconciles snapshots into the store. It holds no per-pass state and is
// safe for concurrent use across different targets.
type Engine struct {
	store   Store
	grace   int
	tracked []string
	clock   Clock
	logger  *slog.Logger
}

// EnrichCandidate is a listing whose address needs geocoding after the pass.
type EnrichCandidate struct {
	ListingID string
	Address   string
}

// Result is the outcome of one reconciliation pass.
type Result struct {
	Summary    model.ReconcileSummary
	Candidates []EnrichCandidate
}

// NewEngine constructs an Engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, ErrStoreRequired
	}
	if opts.GracePasses < 1 {
		return nil, ErrGracePassesInvalid
	}
	tracked := opts.TrackedFields
	if len(tracked) == 0 {
		tracked = model.DefaultTrackedFields()
	}
	for _, f := range tracked {
		if _, ok := (model.ListingFields{}).Value(f); !ok {
			return nil, fmt.Errorf("unknown tracked field %q", f)
		}
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   opts.Store,
		grace:   opts.GracePasses,
		tracked: slices.Clone(tracked),
		clock:   clock,
		logger:  logger.With("component", "reconcile"),
	}, nil
}

// GracePasses returns the configured grace period in complete passes.
func (e *Engine) GracePasses() int { return e.grace }

// Reconcile merges snap into the store for targetID. Callers must invoke it once
// per logical pass and never concurrently for the same target.
func (e *Engine) Reconcile(ctx context.Context, snap model.Snapshot, targetID string) (Result, error) {
	if targetID == "" {
		return Result{}, ErrTargetRequired
	}
	now := e.clock.Now()
	res := Result{Summary: model.ReconcileSummary{TargetID: targetID}}

	records, seen := e.acceptRecords(ctx, snap.Records, &res.Summary)

	existing, err := e.store.GetListings(ctx, seenIDs(records))
	if err != nil {
		return res, fmt.Errorf("load listings for %s: %w", targetID, err)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := e.applyRecord(ctx, applyParams{
			Record:   rec,
			Existing: existing[rec.ListingID],
			TargetID: targetID,
			Now:      now,
		}, &res); err != nil {
			return res, err
		}
	}

	if !snap.IsComplete {
		res.Summary.QualityWarning = true
		e.logger.WarnContext(ctx, "incomplete snapshot, absence pass skipped",
			"target_id", targetID,
			"records", len(snap.Records),
			"pages_failed", snap.Diagnostics.PagesFailed,
		)
		return res, nil
	}

	if err := e.applyAbsence(ctx, absenceParams{TargetID: targetID, Seen: seen, Now: now}, &res.Summary); err != nil {
		return res, err
	}
	return res, nil
}

// acceptRecords drops malformed and duplicate records. The first occurrence of a
// listing id wins.
func (e *Engine) acceptRecords(
	ctx context.Context,
	in []model.SnapshotRecord,
	sum *model.ReconcileSummary,
) ([]model.SnapshotRecord, map[string]struct{}) {
	out := make([]model.SnapshotRecord, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for i, rec := range in {
		if err := rec.Validate(); err != nil {
			sum.Rejected++
			e.logger.DebugContext(ctx, "rejected snapshot record", "index", i, "error", err)
			continue
		}
		if _, dup := seen[rec.ListingID]; dup {
			sum.Rejected++
			e.logger.DebugContext(ctx, "rejected duplicate snapshot record", "index", i, "listing_id", rec.ListingID)
			continue
		}
		seen[rec.ListingID] = struct{}{}
		out = append(out, rec)
	}
	return out, seen
}

func seenIDs(records []model.SnapshotRecord) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ListingID)
	}
	return ids
}

type applyParams struct {
	Record   model.SnapshotRecord
	Existing *model.Listing
	TargetID string
	Now      time.Time
}

func (e *Engine) applyRecord(ctx context.Context, p applyParams, res *Result) error {
	rec := p.Record
	if p.Existing == nil {
		l := &model.Listing{
			ListingID:       rec.ListingID,
			TargetID:        p.TargetID,
			ListingFields:   rec.ListingFields,
			Address:         rec.Address,
			RawPayload:      rec.RawPayload,
			IsActive:        true,
			FirstSeenDate:   p.Now,
			LastSeenDate:    p.Now,
			NeedsEnrichment: rec.Address != "",
		}
		if err := e.store.UpsertListing(ctx, l); err != nil {
			return fmt.Errorf("insert listing %s: %w", rec.ListingID, err)
		}
		res.Summary.New++
		if l.NeedsEnrichment {
			res.Candidates = append(res.Candidates, EnrichCandidate{ListingID: l.ListingID, Address: l.Address})
		}
		return nil
	}

	l := *p.Existing
	history := Diff(DiffParams{
		ListingID: rec.ListingID,
		Before:    l.ListingFields,
		After:     rec.ListingFields,
		Fields:    e.tracked,
		At:        p.Now,
	})
	// History is appended before the upsert; orphan history rows are tolerated.
	if len(history) > 0 {
		if err := e.store.AppendHistory(ctx, history); err != nil {
			return fmt.Errorf("append history for %s: %w", rec.ListingID, err)
		}
	}

	reactivated := !l.IsActive
	addressChanged := rec.Address != "" && rec.Address != l.Address

	l.TargetID = p.TargetID
	l.ListingFields = rec.ListingFields
	if rec.Address != "" {
		l.Address = rec.Address
	}
	if len(rec.RawPayload) > 0 {
		l.RawPayload = rec.RawPayload
	}
	if p.Now.After(l.LastSeenDate) {
		l.LastSeenDate = p.Now
	}
	l.MissStreak = 0
	l.IsActive = true
	l.DeletedAt = nil
	l.DeletionReason = nil
	if addressChanged {
		l.NeedsEnrichment = true
		l.Latitude, l.Longitude, l.EnrichedAt = nil, nil, nil
	}

	if err := e.store.UpsertListing(ctx, &l); err != nil {
		return fmt.Errorf("update listing %s: %w", rec.ListingID, err)
	}

	res.Summary.HistoryRows += len(history)
	switch {
	case reactivated:
		res.Summary.Reactivated++
		e.logger.InfoContext(ctx, "listing reactivated", "listing_id", l.ListingID, "target_id", p.TargetID)
	case len(history) > 0:
		res.Summary.UpdatedWithHistory++
	default:
		res.Summary.Unchanged++
	}
	if addressChanged {
		res.Candidates = append(res.Candidates, EnrichCandidate{ListingID: l.ListingID, Address: l.Address})
	}
	return nil
}

type absenceParams struct {
	TargetID string
	Seen     map[string]struct{}
	Now      time.Time
}

func (e *Engine) applyAbsence(ctx context.Context, p absenceParams, sum *model.ReconcileSummary) error {
	active, err := e.store.ListActiveByTarget(ctx, p.TargetID)
	if err != nil {
		return fmt.Errorf("list active listings for %s: %w", p.TargetID, err)
	}

	updates := make([]*model.Listing, 0)
	for _, cur := range active {
		if _, ok := p.Seen[cur.ListingID]; ok {
			continue
		}
		l := *cur
		l.MissStreak++
		if l.MissStreak >= e.grace {
			deletedAt := p.Now
			reason := model.DeletionReasonNotFound
			l.IsActive = false
			l.DeletedAt = &deletedAt
			l.DeletionReason = &reason
			sum.NewlyInactive++
		} else {
			sum.MissIncremented++
		}
		updates = append(updates, &l)
	}
	if len(updates) == 0 {
		return nil
	}
	if err := e.store.ApplyAbsence(ctx, updates); err != nil {
		return fmt.Errorf("apply absence for %s: %w", p.TargetID, err)
	}
	if sum.NewlyInactive > 0 {
		e.logger.InfoContext(ctx, "listings soft-deleted",
			"target_id", p.TargetID,
			"count", sum.NewlyInactive,
			"grace_passes", e.grace,
		)
	}
	return nil
}

// DiffParams groups the inputs of Diff.
type DiffParams struct {
	ListingID string
	Before    model.ListingFields
	After     model.ListingFields
	Fields    []string
	At        time.Time
}

// Diff returns one history row per tracked field whose value changed.
func Diff(p DiffParams) []model.PriceHistory {
	var rows []model.PriceHistory
	for _, name := range p.Fields {
		prev, ok := p.Before.Value(name)
		if !ok {
			continue
		}
		next, _ := p.After.Value(name)
		if prev.Equal(next) {
			continue
		}
		rows = append(rows, model.PriceHistory{
			ListingID:     p.ListingID,
			FieldName:     name,
			PreviousValue: prev.Text,
			NewValue:      next.Text,
			ChangePercent: ChangePercent(prev.Number, next.Number),
			ChangedAt:     p.At,
		})
	}
	return rows
}

// ChangePercent returns the relative change from prev to next in percent,
// rounded to two decimals. It is nil when either side is missing or prev is zero.
func ChangePercent(prev, next *float64) *float64 {
	if prev == nil || next == nil || *prev == 0 {
		return nil
	}
	pct := (*next - *prev) / math.Abs(*prev) * 100
	pct = math.Round(pct*100) / 100
	return &pct
}
