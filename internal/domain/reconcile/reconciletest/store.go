// Package reconciletest provides an in-memory reconcile.Store for tests.
package reconciletest

import (
	"context"
	"sort"
	"sync"

	"github.com/target/listingsync/internal/domain/model"
	"github.com/target/listingsync/internal/domain/reconcile"
)

// MemoryStore is a concurrency-safe in-memory implementation of reconcile.Store.
// Set the *Err fields to inject failures.
type MemoryStore struct {
	mu       sync.Mutex
	listings map[string]model.Listing
	history  []model.PriceHistory
	nextID   int64
	// Ops records the order of write calls ("history:<id>", "upsert:<id>", "absence").
	Ops []string

	GetErr     error
	HistoryErr error
	UpsertErr  error
	ListErr    error
	AbsenceErr error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{listings: make(map[string]model.Listing)}
}

var _ reconcile.Store = (*MemoryStore)(nil)

// Seed inserts listings directly, bypassing the engine.
func (s *MemoryStore) Seed(listings ...model.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range listings {
		s.listings[l.ListingID] = cloneListing(l)
	}
}

// GetListings implements reconcile.Store.
func (s *MemoryStore) GetListings(_ context.Context, ids []string) (map[string]*model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	out := make(map[string]*model.Listing, len(ids))
	for _, id := range ids {
		if l, ok := s.listings[id]; ok {
			c := cloneListing(l)
			out[id] = &c
		}
	}
	return out, nil
}

// AppendHistory implements reconcile.Store.
func (s *MemoryStore) AppendHistory(_ context.Context, rows []model.PriceHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.HistoryErr != nil {
		return s.HistoryErr
	}
	for _, r := range rows {
		s.nextID++
		r.ID = s.nextID
		s.history = append(s.history, r)
		s.Ops = append(s.Ops, "history:"+r.ListingID)
	}
	return nil
}

// UpsertListing implements reconcile.Store.
func (s *MemoryStore) UpsertListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	s.listings[l.ListingID] = cloneListing(*l)
	s.Ops = append(s.Ops, "upsert:"+l.ListingID)
	return nil
}

// ListActiveByTarget implements reconcile.Store.
func (s *MemoryStore) ListActiveByTarget(_ context.Context, targetID string) ([]*model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	var out []*model.Listing
	for _, l := range s.listings {
		if l.TargetID == targetID && l.IsActive {
			c := cloneListing(l)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListingID < out[j].ListingID })
	return out, nil
}

// ApplyAbsence implements reconcile.Store.
func (s *MemoryStore) ApplyAbsence(_ context.Context, updates []*model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AbsenceErr != nil {
		return s.AbsenceErr
	}
	for _, l := range updates {
		s.listings[l.ListingID] = cloneListing(*l)
	}
	s.Ops = append(s.Ops, "absence")
	return nil
}

// Listing returns a copy of the stored listing.
func (s *MemoryStore) Listing(id string) (model.Listing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	return cloneListing(l), ok
}

// Listings returns copies of every stored listing sorted by id.
func (s *MemoryStore) Listings() []model.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		out = append(out, cloneListing(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListingID < out[j].ListingID })
	return out
}

// ActiveCount returns the number of active listings for targetID.
func (s *MemoryStore) ActiveCount(targetID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.listings {
		if l.TargetID == targetID && l.IsActive {
			n++
		}
	}
	return n
}

// History returns a copy of all appended history rows.
func (s *MemoryStore) History() []model.PriceHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.PriceHistory(nil), s.history...)
}

func cloneListing(l model.Listing) model.Listing {
	l.Tags = append([]string(nil), l.Tags...)
	l.RawPayload = append([]byte(nil), l.RawPayload...)
	return l
}
