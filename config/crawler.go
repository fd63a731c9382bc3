package config

import (
	"fmt"
	"strings"
	"time"
)

// CrawlerAdapter selects the crawl collaborator implementation.
type CrawlerAdapter string

const (
	// CrawlerAdapterMock serves deterministic in-process snapshots (local dev, tests).
	CrawlerAdapterMock CrawlerAdapter = "mock"
	// CrawlerAdapterHTTPJSON pages through a JSON listing endpoint.
	CrawlerAdapterHTTPJSON CrawlerAdapter = "http-json"
)

// UnmarshalText implements encoding.TextUnmarshaler for CrawlerAdapter.
func (a *CrawlerAdapter) UnmarshalText(text []byte) error {
	v := CrawlerAdapter(strings.ToLower(strings.TrimSpace(string(text))))
	switch v {
	case CrawlerAdapterMock, CrawlerAdapterHTTPJSON:
		*a = v
		return nil
	default:
		return fmt.Errorf("invalid CrawlerAdapter: %q (valid options: mock, http-json)", v)
	}
}

// CrawlerConfig configures the crawl collaborator.
type CrawlerConfig struct {
	Adapter CrawlerAdapter `env:"ADAPTER" envDefault:"mock"`

	// BaseURL is the listing endpoint. "{target}" and "{page}" placeholders are expanded per request.
	BaseURL string `env:"BASE_URL"`

	// RecordsExpr is a JMESPath expression selecting the record array from a page body.
	RecordsExpr string `env:"RECORDS_EXPR" envDefault:"items"`
	// TotalPagesExpr selects the total page count from the first page body. A
	// snapshot is incomplete when it does not resolve; single-page sources can
	// use the literal expression `1`.
	TotalPagesExpr string `env:"TOTAL_PAGES_EXPR" envDefault:"total_pages"`
	// IDField names the record attribute holding the external listing id.
	IDField string `env:"ID_FIELD" envDefault:"id"`

	MaxPages    int           `env:"MAX_PAGES"    envDefault:"200"`
	Concurrency int           `env:"CONCURRENCY"  envDefault:"4"`
	Timeout     time.Duration `env:"TIMEOUT"      envDefault:"20s"`
	UserAgent   string        `env:"USER_AGENT"   envDefault:"listingsync/1.0"`

	// OAuth2 client-credentials for authenticated sources. Disabled when TokenURL is empty.
	OAuth CrawlerOAuthConfig `envPrefix:"OAUTH_"`

	// MockListings is the number of synthetic listings per target served by the mock adapter.
	MockListings int `env:"MOCK_LISTINGS" envDefault:"25"`
}

// CrawlerOAuthConfig holds OAuth2 client-credentials settings.
type CrawlerOAuthConfig struct {
	TokenURL     string   `env:"TOKEN_URL"`
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	Scopes       []string `env:"SCOPES"        envSeparator:" "`
}

// Enabled reports whether client-credentials auth is configured.
func (o CrawlerOAuthConfig) Enabled() bool {
	return o.TokenURL != "" && o.ClientID != ""
}

// Sanitize applies guardrails to crawler configuration values.
func (c *CrawlerConfig) Sanitize() {
	if c.Adapter == "" {
		c.Adapter = CrawlerAdapterMock
	}
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	c.OAuth.TokenURL = strings.TrimSpace(c.OAuth.TokenURL)
	if c.MaxPages < 1 {
		c.MaxPages = 1
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.Concurrency > 32 {
		c.Concurrency = 32
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.IDField == "" {
		c.IDField = "id"
	}
	if c.MockListings < 0 {
		c.MockListings = 0
	}
}

// EnrichConfig configures the optional geocoding enrichment collaborator.
type EnrichConfig struct {
	Enabled     bool          `env:"ENABLED"      envDefault:"false"`
	GeocoderURL string        `env:"GEOCODER_URL"`
	Timeout     time.Duration `env:"TIMEOUT"      envDefault:"5s"`
	Concurrency int           `env:"CONCURRENCY"  envDefault:"4"`
	CacheTTL    time.Duration `env:"CACHE_TTL"    envDefault:"720h"`
}

// Sanitize applies guardrails to enrichment configuration values.
func (e *EnrichConfig) Sanitize() {
	e.GeocoderURL = strings.TrimSpace(e.GeocoderURL)
	if e.GeocoderURL == "" {
		e.Enabled = false
	}
	if e.Timeout <= 0 {
		e.Timeout = 5 * time.Second
	}
	if e.Concurrency < 1 {
		e.Concurrency = 1
	}
	if e.CacheTTL <= 0 {
		e.CacheTTL = 720 * time.Hour
	}
}
