// Package job holds the job lifecycle rules: how failures are classified and
// what state a job moves to after a run finishes.
package job

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// FailureKind classifies a crawl failure for retry purposes.
type FailureKind string

const (
	// FailureTransient covers network, timeout and upstream availability errors. Retried with backoff.
	FailureTransient FailureKind = "transient"
	// FailurePermanent covers targets that can no longer be resolved. Never retried automatically.
	FailurePermanent FailureKind = "permanent"
)

// ErrTargetNotFound indicates the crawl target no longer resolves upstream.
var ErrTargetNotFound = errors.New("target not resolvable")

// CrawlError wraps a crawl failure with its classification.
type CrawlError struct {
	Kind FailureKind
	Op   string
	Err  error
}

func (e *CrawlError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *CrawlError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &CrawlError{Kind: FailureTransient, Op: op, Err: err}
}

// Permanent wraps err as a terminal failure.
func Permanent(op string, err error) error {
	return &CrawlError{Kind: FailurePermanent, Op: op, Err: err}
}

// StatusError reports a non-2xx response from an upstream source.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// KindForStatus maps an HTTP status to a failure kind.
// 429, 5xx, 401 and 403 are transient; an expired token is refetched on the
// next attempt. 404 and 410 mean the target is gone. Any other 4xx is permanent.
func KindForStatus(code int) FailureKind {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return FailureTransient
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return FailureTransient
	case code == http.StatusNotFound, code == http.StatusGone:
		return FailurePermanent
	case code >= 400:
		return FailurePermanent
	default:
		return FailureTransient
	}
}

// Classify returns the failure kind for err. Unknown errors are treated as transient
// so a bug in classification costs retries, not data.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureTransient
	}
	var ce *CrawlError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, ErrTargetNotFound) {
		return FailurePermanent
	}
	var se *StatusError
	if errors.As(err, &se) {
		return KindForStatus(se.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return FailureTransient
	}
	return FailureTransient
}
