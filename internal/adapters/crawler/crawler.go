// Package crawler provides the crawl collaborators used by crawl jobs: a
// deterministic mock for local development and a paginated JSON HTTP adapter.
package crawler

import (
	"fmt"
	"log/slog"

	"github.com/target/listingsync/config"
	"github.com/target/listingsync/internal/core"
)

// New builds the crawler selected by cfg.Adapter.
func New(cfg config.CrawlerConfig, logger *slog.Logger) (core.Crawler, error) {
	cfg.Sanitize()
	switch cfg.Adapter {
	case config.CrawlerAdapterMock:
		return NewMock(MockOptions{Listings: cfg.MockListings}), nil
	case config.CrawlerAdapterHTTPJSON:
		c, err := NewHTTPJSON(HTTPJSONOptions{Config: cfg, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("http-json crawler: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown crawler adapter %q", cfg.Adapter)
	}
}
