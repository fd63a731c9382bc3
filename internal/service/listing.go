package service

import (
	"context"
	"errors"

	"github.com/target/listingsync/internal/core"
	"github.com/target/listingsync/internal/data"
	"github.com/target/listingsync/internal/domain/model"
	apperrors "github.com/target/listingsync/internal/errors"
)

// ListingService answers read queries over the listing store.
type ListingService struct {
	repo core.ListingRepository
}

// NewListingService constructs a ListingService.
func NewListingService(repo core.ListingRepository) (*ListingService, error) {
	if repo == nil {
		return nil, errors.New("ListingRepository is required")
	}
	return &ListingService{repo: repo}, nil
}

// ListByTarget returns listings of one target, optionally filtered by activity.
func (s *ListingService) ListByTarget(ctx context.Context, opts model.ListingListOptions) ([]*model.Listing, error) {
	if opts.TargetID == "" {
		return nil, apperrors.ValidationField("target_id", "target id is required")
	}
	out, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, mapRepoError(err, "list listings")
	}
	return out, nil
}

// Get returns one listing, active or soft-deleted.
func (s *ListingService) Get(ctx context.Context, listingID string) (*model.Listing, error) {
	l, err := s.repo.GetByID(ctx, listingID)
	if errors.Is(err, data.ErrListingNotFound) {
		return nil, apperrors.NotFoundf("listing %s not found", listingID)
	}
	if err != nil {
		return nil, mapRepoError(err, "get listing")
	}
	return l, nil
}

// History returns the change history of a listing, newest first.
func (s *ListingService) History(ctx context.Context, listingID string, limit int) ([]model.PriceHistory, error) {
	if _, err := s.Get(ctx, listingID); err != nil {
		return nil, err
	}
	rows, err := s.repo.History(ctx, listingID, limit)
	if err != nil {
		return nil, mapRepoError(err, "listing history")
	}
	return rows, nil
}
