package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/listingsync/internal/core"
	"github.com/target/listingsync/internal/data"
	"github.com/target/listingsync/internal/domain/model"
	"github.com/target/listingsync/internal/domain/reconcile"
	"github.com/target/listingsync/internal/observability/metrics"
	"github.com/target/listingsync/internal/observability/statsd"
)

// ErrEnrichmentDisabled is returned by enrich jobs when no geocoder is configured.
var ErrEnrichmentDisabled = errors.New("enrichment is not configured")

// EnrichServiceOptions groups dependencies for EnrichService.
type EnrichServiceOptions struct {
	Geocoder core.Geocoder
	Listings core.ListingRepository
	// Cache holds geocode results by normalized address. Optional.
	Cache        core.CacheRepository
	CacheTTL     time.Duration
	Concurrency  int
	Timeout      time.Duration
	Metrics      statsd.Sink
	TimeProvider data.TimeProvider
	Logger       *slog.Logger
}

// EnrichService geocodes listing addresses. A failed lookup leaves the listing
// flagged needs_enrichment for a later enrich job; it never affects reconciliation.
type EnrichService struct {
	geocoder    core.Geocoder
	listings    core.ListingRepository
	cache       core.CacheRepository
	cacheTTL    time.Duration
	concurrency int
	timeout     time.Duration
	metrics     statsd.Sink
	tp          data.TimeProvider
	logger      *slog.Logger
}

// EnrichStats counts the outcome of one enrichment batch.
type EnrichStats struct {
	Enriched  int
	Failed    int
	CacheHits int
}

// NewEnrichService constructs an EnrichService.
func NewEnrichService(opts EnrichServiceOptions) (*EnrichService, error) {
	if opts.Geocoder == nil {
		return nil, errors.New("geocoder is required")
	}
	if opts.Listings == nil {
		return nil, errors.New("ListingRepository is required")
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Metrics
	if sink == nil {
		sink = statsd.Noop{}
	}
	return &EnrichService{
		geocoder:    opts.Geocoder,
		listings:    opts.Listings,
		cache:       opts.Cache,
		cacheTTL:    opts.CacheTTL,
		concurrency: concurrency,
		timeout:     timeout,
		metrics:     sink,
		tp:          tp,
		logger:      logger.With("component", "enrich_service"),
	}, nil
}

// Enrich geocodes each candidate with bounded concurrency. Geocoder failures are
// counted; only store errors and cancellation are returned.
func (s *EnrichService) Enrich(ctx context.Context, candidates []reconcile.EnrichCandidate) (EnrichStats, error) {
	var (
		mu    sync.Mutex
		stats EnrichStats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, c := range candidates {
		if strings.TrimSpace(c.Address) == "" {
			continue
		}
		g.Go(func() error {
			point, cached, err := s.resolve(gctx, c.Address)
			mu.Lock()
			switch {
			case err != nil:
				stats.Failed++
			case cached:
				stats.CacheHits++
				stats.Enriched++
			default:
				stats.Enriched++
			}
			mu.Unlock()

			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.DebugContext(gctx, "geocode failed", "listing_id", c.ListingID, "error", err)
				metrics.EmitEnrichment(s.metrics, metrics.ResultError, false)
			} else {
				metrics.EmitEnrichment(s.metrics, metrics.ResultSuccess, cached)
			}

			if err := s.listings.SetEnrichment(gctx, core.EnrichmentUpdate{
				ListingID: c.ListingID,
				Point:     point,
				At:        s.tp.Now(),
			}); err != nil {
				return fmt.Errorf("store enrichment for %s: %w", c.ListingID, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return stats, err
}

// EnrichTarget retries enrichment for up to limit flagged listings of targetID.
func (s *EnrichService) EnrichTarget(ctx context.Context, targetID string, limit int) (EnrichStats, error) {
	pending, err := s.listings.ListNeedingEnrichment(ctx, targetID, limit)
	if err != nil {
		return EnrichStats{}, fmt.Errorf("list listings needing enrichment: %w", err)
	}
	candidates := make([]reconcile.EnrichCandidate, 0, len(pending))
	for _, l := range pending {
		candidates = append(candidates, reconcile.EnrichCandidate{ListingID: l.ListingID, Address: l.Address})
	}
	stats, err := s.Enrich(ctx, candidates)
	if err != nil {
		return stats, err
	}
	s.logger.InfoContext(ctx, "enrichment batch complete",
		"target_id", targetID,
		"enriched", stats.Enriched,
		"failed", stats.Failed,
		"cache_hits", stats.CacheHits,
	)
	return stats, nil
}

func geocodeCacheKey(address string) string {
	return "geo:" + strings.Join(strings.Fields(strings.ToLower(address)), " ")
}

// resolve returns the coordinates for address and whether they came from the cache.
func (s *EnrichService) resolve(ctx context.Context, address string) (*model.GeoPoint, bool, error) {
	key := geocodeCacheKey(address)
	if s.cache != nil {
		if b, err := s.cache.Get(ctx, key); err == nil && b != nil {
			var p model.GeoPoint
			if json.Unmarshal(b, &p) == nil {
				return &p, true, nil
			}
		}
	}

	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	p, err := s.geocoder.Geocode(gctx, address)
	if err != nil {
		return nil, false, err
	}

	if s.cache != nil {
		if b, err := json.Marshal(p); err == nil {
			if err := s.cache.Set(ctx, key, b, s.cacheTTL); err != nil {
				s.logger.DebugContext(ctx, "cache geocode failed", "error", err)
			}
		}
	}
	return &p, false, nil
}
