// Package slack posts job failure notifications to a Slack incoming webhook.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/target/listingsync/internal/observability/notify"
)

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL   string
	Channel      string
	Username     string
	Timeout      time.Duration
	RetryLimit   int
	Client       *http.Client
	JobURLPrefix string
}

// Client delivers job failure notifications to a Slack webhook.
type Client struct {
	webhookURL   string
	channel      string
	username     string
	retryLimit   int
	jobURLPrefix string
	client       *http.Client
}

var _ notify.Sink = (*Client)(nil)

// NewClient builds a Slack webhook client.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
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
		webhookURL:   webhookURL,
		channel:      strings.TrimSpace(cfg.Channel),
		username:     notify.FallbackString(cfg.Username, "listingsync"),
		retryLimit:   max(cfg.RetryLimit, 0),
		jobURLPrefix: strings.TrimSpace(cfg.JobURLPrefix),
		client:       hc,
	}, nil
}

// SendJobFailure posts a formatted message to Slack.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	body, err := json.Marshal(c.formatMessage(payload))
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}
	return notify.PostJSON(ctx, notify.PostParams{
		Client:  c.client,
		URL:     c.webhookURL,
		Body:    body,
		Retries: c.retryLimit,
		Name:    "slack webhook",
	})
}

func (c *Client) formatMessage(p notify.JobFailurePayload) map[string]any {
	ts := p.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}

	var text strings.Builder
	text.WriteString("*Job failed*")
	if job := c.jobRef(p.JobID); job != "" {
		text.WriteString(" ")
		text.WriteString(job)
	}
	if p.JobType != "" {
		fmt.Fprintf(&text, " (%s)", p.JobType)
	}
	text.WriteByte('\n')

	fields := []struct{ label, value string }{
		{"Severity", notify.FallbackString(p.Severity, notify.SeverityCritical)},
		{"Target", escape(p.TargetID)},
		{"Reason", p.Reason},
		{"Retries", strconv.Itoa(p.RetryCount)},
		{"Error class", p.ErrorClass},
		{"Error", escape(p.Error)},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			continue
		}
		fmt.Fprintf(&text, "• %s: %s\n", f.label, f.value)
	}

	if len(p.Metadata) > 0 {
		keys := make([]string, 0, len(p.Metadata))
		for k := range p.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		text.WriteString("• Metadata:\n")
		for _, k := range keys {
			fmt.Fprintf(&text, "    • %s: %s\n", k, escape(p.Metadata[k]))
		}
	}
	text.WriteString("• Timestamp: ")
	text.WriteString(ts.UTC().Format(time.RFC3339))

	msg := map[string]any{"text": text.String(), "username": c.username}
	if c.channel != "" {
		msg["channel"] = c.channel
	}
	return msg
}

// jobRef renders the job id, linked to the admin API when a prefix is configured.
func (c *Client) jobRef(jobID string) string {
	if jobID == "" {
		return ""
	}
	code := "`" + escape(jobID) + "`"
	if c.jobURLPrefix == "" {
		return code
	}
	u, err := url.Parse(c.jobURLPrefix)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return code
	}
	link, err := url.JoinPath(u.String(), jobID)
	if err != nil {
		return code
	}
	return fmt.Sprintf("<%s|%s>", link, escape(jobID))
}

func escape(v string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(v)
}
