// Package pagerduty triggers PagerDuty Events API v2 incidents for failed jobs.
package pagerduty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/target/listingsync/internal/observability/notify"
)

// APIEndpoint is the PagerDuty Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

// Config captures runtime configuration for the PagerDuty sink.
type Config struct {
	RoutingKey string
	Source     string
	Component  string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// Endpoint overrides APIEndpoint.
	Endpoint string
}

// Client publishes events via PagerDuty's Events API v2.
type Client struct {
	routingKey string
	source     string
	component  string
	endpoint   string
	retryLimit int
	client     *http.Client
}

var _ notify.Sink = (*Client)(nil)

// NewClient constructs a PagerDuty events client. A routing key is required.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		routingKey: key,
		source:     notify.FallbackString(cfg.Source, "listingsync"),
		component:  notify.FallbackString(cfg.Component, "scheduler"),
		endpoint:   notify.FallbackString(cfg.Endpoint, APIEndpoint),
		retryLimit: max(cfg.RetryLimit, 0),
		client:     hc,
	}, nil
}

// SendJobFailure submits a trigger event. Events for the same target and job
// type share a dedup key so repeated failures collapse into one incident.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	body, err := json.Marshal(c.buildEvent(payload))
	if err != nil {
		return fmt.Errorf("encode pagerduty payload: %w", err)
	}
	return notify.PostJSON(ctx, notify.PostParams{
		Client:  c.client,
		URL:     c.endpoint,
		Body:    body,
		Retries: c.retryLimit,
		Name:    "pagerduty api",
	})
}

func (c *Client) buildEvent(p notify.JobFailurePayload) map[string]any {
	occurredAt := p.OccurredAt.UTC()
	if p.OccurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	custom := map[string]any{
		"job_id":      p.JobID,
		"job_type":    p.JobType,
		"target_id":   p.TargetID,
		"reason":      p.Reason,
		"retry_count": p.RetryCount,
		"error":       p.Error,
		"error_class": p.ErrorClass,
	}
	for k, v := range p.Metadata {
		if _, exists := custom[k]; !exists {
			custom[k] = v
		}
	}

	return map[string]any{
		"routing_key":  c.routingKey,
		"event_action": "trigger",
		"dedup_key":    strings.Trim(p.JobType+":"+p.TargetID, ":"),
		"payload": map[string]any{
			"summary": fmt.Sprintf("%s job for target %s failed (%s)",
				notify.FallbackString(p.JobType, "unknown"),
				notify.FallbackString(p.TargetID, "unknown"),
				notify.FallbackString(p.Reason, "failed"),
			),
			"severity":       notify.FallbackString(strings.ToLower(p.Severity), notify.SeverityCritical),
			"source":         c.source,
			"component":      c.component,
			"timestamp":      occurredAt.Format(time.RFC3339),
			"custom_details": custom,
		},
	}
}
