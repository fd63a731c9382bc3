package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"

	jmespath "github.com/jmespath-community/go-jmespath"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/errgroup"

	"github.com/target/listingsync/config"
	"github.com/target/listingsync/internal/domain/job"
	"github.com/target/listingsync/internal/domain/model"
)

// maxPageBytes bounds a single page body.
const maxPageBytes = 16 << 20

// ErrMissingBaseURL is returned when the http-json adapter has no endpoint.
var ErrMissingBaseURL = errors.New("crawler base url is required")

// HTTPJSONOptions configures HTTPJSON.
type HTTPJSONOptions struct {
	Config config.CrawlerConfig
	// Client overrides the HTTP client. OAuth is not applied to an injected client.
	Client *http.Client
	Logger *slog.Logger
}

// HTTPJSON pages through a JSON listing endpoint. The first page decides the
// page count; later pages are fetched concurrently. Any page failing after the
// first marks the snapshot incomplete instead of failing the crawl, so missing
// pages never count as absences.
type HTTPJSON struct {
	cfg       config.CrawlerConfig
	client    *http.Client
	records   string
	pages     string
	logger    *slog.Logger
	userAgent string
}

// NewHTTPJSON constructs an HTTPJSON crawler.
func NewHTTPJSON(opts HTTPJSONOptions) (*HTTPJSON, error) {
	cfg := opts.Config
	cfg.Sanitize()
	if cfg.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	if !strings.Contains(cfg.BaseURL, "{page}") {
		return nil, fmt.Errorf("crawler base url must contain a {page} placeholder: %s", cfg.BaseURL)
	}
	for _, expr := range []string{cfg.RecordsExpr, cfg.TotalPagesExpr} {
		if expr == "" {
			continue
		}
		if _, err := jmespath.Compile(expr); err != nil {
			return nil, fmt.Errorf("invalid JMESPath expression %q: %w", expr, err)
		}
	}

	client := opts.Client
	if client == nil {
		var err error
		client, err = newClient(cfg)
		if err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPJSON{
		cfg:       cfg,
		client:    client,
		records:   cfg.RecordsExpr,
		pages:     cfg.TotalPagesExpr,
		logger:    logger.With("component", "crawler"),
		userAgent: cfg.UserAgent,
	}, nil
}

func newClient(cfg config.CrawlerConfig) (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	base := &http.Client{Timeout: cfg.Timeout, Jar: jar}
	if !cfg.OAuth.Enabled() {
		return base, nil
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		TokenURL:     cfg.OAuth.TokenURL,
		Scopes:       cfg.OAuth.Scopes,
	}
	// Token requests reuse the base client's timeout.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: cfg.Timeout})
	return &http.Client{
		Timeout:   cfg.Timeout,
		Jar:       jar,
		Transport: &oauth2.Transport{Source: cc.TokenSource(ctx), Base: http.DefaultTransport},
	}, nil
}

type pageResult struct {
	records []model.SnapshotRecord
	total   int
	// selected is false when the records expression matched nothing.
	selected bool
	// totalKnown is false when the page count expression did not resolve.
	totalKnown bool
}

var errNothingSelected = errors.New("records expression selected nothing")

// Crawl implements core.Crawler.
func (c *HTTPJSON) Crawl(ctx context.Context, target model.CrawlTarget) (model.Snapshot, error) {
	first, err := c.fetchPage(ctx, target.TargetID, 1)
	if err != nil {
		return model.Snapshot{}, classify("fetch first page", err)
	}

	snap := model.Snapshot{IsComplete: true}
	if !first.selected {
		snap.IsComplete = false
		snap.Diagnostics.Notes = append(snap.Diagnostics.Notes, fmt.Sprintf("page 1: %v", errNothingSelected))
	}
	if c.pages != "" && !first.totalKnown {
		snap.IsComplete = false
		snap.Diagnostics.Notes = append(snap.Diagnostics.Notes,
			fmt.Sprintf("page count expression %q did not resolve; only page 1 fetched", c.pages))
	}

	total := max(first.total, 1)
	if total > c.cfg.MaxPages {
		snap.IsComplete = false
		snap.Diagnostics.Notes = append(snap.Diagnostics.Notes,
			fmt.Sprintf("page cap %d reached of %d pages", c.cfg.MaxPages, total))
		total = c.cfg.MaxPages
	}

	pages := make([][]model.SnapshotRecord, total)
	pages[0] = first.records

	var (
		mu     sync.Mutex
		failed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for page := 2; page <= total; page++ {
		g.Go(func() error {
			res, err := c.fetchPage(gctx, target.TargetID, page)
			if err == nil && !res.selected {
				err = errNothingSelected
			}
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				mu.Lock()
				failed = append(failed, fmt.Sprintf("page %d: %v", page, err))
				mu.Unlock()
				return nil
			}
			pages[page-1] = res.records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.Snapshot{}, job.Transient("fetch pages", err)
	}

	for _, recs := range pages {
		snap.Records = append(snap.Records, recs...)
	}
	snap.Diagnostics.PagesFetched = total - len(failed)
	snap.Diagnostics.PagesFailed = len(failed)
	snap.Diagnostics.RecordsSeen = len(snap.Records)
	if len(failed) > 0 {
		snap.IsComplete = false
		snap.Diagnostics.Notes = append(snap.Diagnostics.Notes, failed...)
	}
	if !snap.IsComplete {
		c.logger.WarnContext(ctx, "crawl incomplete",
			"target_id", target.TargetID,
			"pages_failed", len(failed),
			"pages_total", total,
			"notes", snap.Diagnostics.Notes,
		)
	}
	return snap, nil
}

func (c *HTTPJSON) pageURL(targetID string, page int) string {
	return strings.NewReplacer(
		"{target}", url.PathEscape(targetID),
		"{page}", strconv.Itoa(page),
	).Replace(c.cfg.BaseURL)
}

func (c *HTTPJSON) fetchPage(ctx context.Context, targetID string, page int) (pageResult, error) {
	u := c.pageURL(targetID, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return pageResult{}, job.Permanent("build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return pageResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return pageResult{}, &job.StatusError{Code: resp.StatusCode, URL: u}
	}

	var body any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPageBytes)).Decode(&body); err != nil {
		return pageResult{}, job.Transient("decode page", err)
	}
	return c.parsePage(body)
}

func (c *HTTPJSON) parsePage(body any) (pageResult, error) {
	raw, err := jmespath.Search(c.records, body)
	if err != nil {
		return pageResult{}, job.Permanent("records expression", err)
	}
	items, ok := raw.([]any)
	if raw != nil && !ok {
		return pageResult{}, job.Permanent("records expression", fmt.Errorf("%q did not select an array", c.records))
	}

	res := pageResult{total: 1, selected: raw != nil, records: make([]model.SnapshotRecord, 0, len(items))}
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			// Kept so the engine counts it as rejected.
			res.records = append(res.records, model.SnapshotRecord{})
			continue
		}
		res.records = append(res.records, toRecord(obj, c.cfg.IDField))
	}

	if c.pages != "" {
		v, err := jmespath.Search(c.pages, body)
		if err == nil {
			if n, ok := asFloat(v); ok && n >= 1 {
				res.total = int(math.Min(n, math.MaxInt32))
				res.totalKnown = true
			}
		}
	}
	return res, nil
}

// toRecord maps a source object onto a snapshot record. Unknown attributes are
// preserved in RawPayload only.
func toRecord(obj map[string]any, idField string) model.SnapshotRecord {
	rec := model.SnapshotRecord{ListingID: asString(obj[idField])}
	rec.Price = asFloatPtr(obj["price"])
	rec.Rent = asFloatPtr(obj["rent"])
	rec.Area = asFloatPtr(obj["area"])
	rec.TradeType = asString(obj["trade_type"])
	rec.Floor = asString(obj["floor"])
	rec.Address = asString(obj["address"])
	if tags, ok := obj["tags"].([]any); ok {
		for _, t := range tags {
			if s := asString(t); s != "" {
				rec.Tags = append(rec.Tags, s)
			}
		}
	}
	rec.RawPayload, _ = json.Marshal(obj)
	return rec
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(t), ",", ""), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asFloatPtr(v any) *float64 {
	f, ok := asFloat(v)
	if !ok {
		return nil
	}
	return &f
}

// classify wraps a first-page error with its failure kind. A missing target
// becomes ErrTargetNotFound so it is never retried.
func classify(op string, err error) error {
	var ce *job.CrawlError
	if errors.As(err, &ce) {
		return err
	}
	var se *job.StatusError
	if errors.As(err, &se) {
		if se.Code == http.StatusNotFound || se.Code == http.StatusGone {
			return job.Permanent(op, fmt.Errorf("%w: %w", job.ErrTargetNotFound, se))
		}
		return &job.CrawlError{Kind: job.KindForStatus(se.Code), Op: op, Err: se}
	}
	return job.Transient(op, err)
}
