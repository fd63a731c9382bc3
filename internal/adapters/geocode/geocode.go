// Package geocode resolves listing addresses through an HTTP geocoding endpoint.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/target/listingsync/internal/core"
	"github.com/target/listingsync/internal/domain/model"
)

var (
	// ErrNoMatch is returned when the geocoder has no result for an address.
	ErrNoMatch = errors.New("no geocode match")
	// ErrMissingURL is returned when no geocoder endpoint is configured.
	ErrMissingURL = errors.New("geocoder url is required")
)

// Options configures Client.
type Options struct {
	// URL is the lookup endpoint. The address is sent as the "q" query parameter.
	URL       string
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client
}

// Client calls an HTTP geocoder. It accepts either a single object or an array
// of candidates, reading "lat"/"lon" or "latitude"/"longitude" from the first one.
type Client struct {
	endpoint  *url.URL
	userAgent string
	client    *http.Client
}

var _ core.Geocoder = (*Client)(nil)

// New constructs a Client.
func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.URL)
	if raw == "" {
		return nil, ErrMissingURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid geocoder url %q", raw)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hc := opts.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "listingsync/1.0"
	}
	return &Client{endpoint: u, userAgent: ua, client: hc}, nil
}

// Geocode implements core.Geocoder.
func (c *Client) Geocode(ctx context.Context, address string) (model.GeoPoint, error) {
	u := *c.endpoint
	q := u.Query()
	q.Set("q", address)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return model.GeoPoint{}, fmt.Errorf("build geocode request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return model.GeoPoint{}, fmt.Errorf("geocode request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.GeoPoint{}, ErrNoMatch
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return model.GeoPoint{}, fmt.Errorf("geocoder returned status %d", resp.StatusCode)
	}

	var body any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return model.GeoPoint{}, fmt.Errorf("decode geocode response: %w", err)
	}
	return parsePoint(body)
}

func parsePoint(body any) (model.GeoPoint, error) {
	if list, ok := body.([]any); ok {
		if len(list) == 0 {
			return model.GeoPoint{}, ErrNoMatch
		}
		body = list[0]
	}
	obj, ok := body.(map[string]any)
	if !ok {
		return model.GeoPoint{}, ErrNoMatch
	}
	lat, okLat := coord(obj, "lat", "latitude")
	lng, okLng := coord(obj, "lon", "lng", "longitude")
	if !okLat || !okLng {
		return model.GeoPoint{}, ErrNoMatch
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return model.GeoPoint{}, fmt.Errorf("coordinates out of range: %v,%v", lat, lng)
	}
	return model.GeoPoint{Latitude: lat, Longitude: lng}, nil
}

func coord(obj map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
