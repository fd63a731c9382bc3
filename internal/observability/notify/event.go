// Package notify fans out terminal job failures to external sinks.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityError    = "error"
)

// JobFailurePayload is the data emitted when a job fails terminally.
type JobFailurePayload struct {
	JobID      string
	JobType    string
	TargetID   string
	Reason     string
	RetryCount int
	Error      string
	ErrorClass string
	Severity   string
	OccurredAt time.Time
	Metadata   map[string]string
}

// Sink describes a destination capable of consuming job failure notifications.
type Sink interface {
	SendJobFailure(ctx context.Context, payload JobFailurePayload) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, payload JobFailurePayload) error

// SendJobFailure implements Sink.
func (f SinkFunc) SendJobFailure(ctx context.Context, payload JobFailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}

// Multi delivers to every sink and joins their errors.
type Multi []Sink

// SendJobFailure implements Sink.
func (m Multi) SendJobFailure(ctx context.Context, payload JobFailurePayload) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.SendJobFailure(ctx, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PostParams describes one JSON delivery with linear retry.
type PostParams struct {
	Client  *http.Client
	URL     string
	Body    []byte
	Retries int
	// Name labels errors, e.g. "slack".
	Name string
}

// PostJSON posts Body to URL, retrying non-2xx responses and transport errors
// with a linear 200ms step between attempts.
func PostJSON(ctx context.Context, p PostParams) error {
	var lastErr error
	attempts := max(p.Retries, 0) + 1
	for attempt := range attempts {
		if lastErr = postOnce(ctx, p); lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(time.Duration(attempt+1) * 200 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func postOnce(ctx context.Context, p PostParams) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(p.Body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", p.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", p.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s", p.Name, resp.Status, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// FallbackString returns fallback when value is blank.
func FallbackString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
