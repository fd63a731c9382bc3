package httpx

import (
	"net/http"
	"strconv"

	"github.com/target/listingsync/internal/domain/model"
	apperrors "github.com/target/listingsync/internal/errors"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// parseIntQuery returns the integer value of a query param or a default.
// It is tolerant of missing/invalid values.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// ParseLimitOffset parses common pagination params and clamps to sane bounds.
func ParseLimitOffset(r *http.Request, defLimit, maxLimit int) (int, int) {
	if maxLimit < 1 {
		maxLimit = 1
	}

	lim := parseIntQuery(r, "limit", defLimit)
	off := parseIntQuery(r, "offset", 0)
	if lim < 1 {
		lim = 1
	}
	if lim > maxLimit {
		lim = maxLimit
	}
	if off < 0 {
		off = 0
	}
	return lim, off
}

// parseBoolQuery returns nil when key is absent.
func parseBoolQuery(r *http.Request, key string) (*bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, apperrors.ValidationField(key, key+" must be true or false")
	}
	return &b, nil
}

// parseStatusQuery returns nil when status is absent.
func parseStatusQuery(r *http.Request) (*model.JobStatus, error) {
	v := r.URL.Query().Get("status")
	if v == "" {
		return nil, nil
	}
	var st model.JobStatus
	if err := st.UnmarshalText([]byte(v)); err != nil {
		return nil, apperrors.ValidationField("status", "invalid status")
	}
	return &st, nil
}
