package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/target/listingsync/internal/domain/model"
)

// PassReader serves the reconcile pass ledger. service.ReconcileService satisfies it.
type PassReader interface {
	LatestPass(ctx context.Context, targetID string) (*model.ReconcilePass, error)
}

// ListingReader serves listing queries. service.ListingService satisfies it.
type ListingReader interface {
	ListByTarget(ctx context.Context, opts model.ListingListOptions) ([]*model.Listing, error)
	History(ctx context.Context, listingID string, limit int) ([]model.PriceHistory, error)
}

// TargetHandlers exposes per-target reconcile summaries and listings.
type TargetHandlers struct {
	Passes   PassReader
	Listings ListingReader
}

// Summary handles GET /api/targets/{id}/summary with the newest pass for the target.
func (h *TargetHandlers) Summary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	pass, err := h.Passes.LatestPass(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, pass)
}

type listingListResponse struct {
	Listings []*model.Listing `json:"listings"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// ListListings handles GET /api/targets/{id}/listings?active=.
func (h *TargetHandlers) ListListings(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	active, err := parseBoolQuery(r, "active")
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	limit, offset := ParseLimitOffset(r, defaultListLimit, maxListLimit)
	rows, err := h.Listings.ListByTarget(r.Context(), model.ListingListOptions{
		TargetID: id,
		Active:   active,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if rows == nil {
		rows = []*model.Listing{}
	}
	WriteJSON(w, http.StatusOK, listingListResponse{Listings: rows, Limit: limit, Offset: offset})
}

// History handles GET /api/listings/{id}/history.
func (h *TargetHandlers) History(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit, _ := ParseLimitOffset(r, defaultListLimit, maxListLimit)
	rows, err := h.Listings.History(r.Context(), id, limit)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if rows == nil {
		rows = []model.PriceHistory{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"listing_id": id, "history": rows})
}

func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("id is required")})
		return "", false
	}
	return id, true
}
