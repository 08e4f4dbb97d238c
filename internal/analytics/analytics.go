// Package analytics forwards identify and track calls to the product
// analytics sink.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/campaignkit/campaign-worker/internal/metrics"
)

const defaultSegmentEndpoint = "https://api.segment.io"

// Sink receives analytics events.
type Sink interface {
	Identify(ctx context.Context, userID string, traits map[string]any) error
	Track(ctx context.Context, userID, event string, props map[string]any) error
}

// SegmentClient talks to the Segment HTTP tracking API
type SegmentClient struct {
	endpoint string
	writeKey string
	client   *http.Client
	now      func() time.Time
}

func NewSegmentClient(endpoint, writeKey string, timeout time.Duration) *SegmentClient {
	if endpoint == "" {
		endpoint = defaultSegmentEndpoint
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SegmentClient{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		writeKey: writeKey,
		client:   &http.Client{Timeout: timeout},
		now:      time.Now,
	}
}

func (c *SegmentClient) Identify(ctx context.Context, userID string, traits map[string]any) error {
	return c.post(ctx, "/v1/identify", map[string]any{
		"userId":    userID,
		"traits":    traits,
		"timestamp": c.now().UTC().Format(time.RFC3339),
	})
}

func (c *SegmentClient) Track(ctx context.Context, userID, event string, props map[string]any) error {
	return c.post(ctx, "/v1/track", map[string]any{
		"userId":     userID,
		"event":      event,
		"properties": props,
		"timestamp":  c.now().UTC().Format(time.RFC3339),
	})
}

func (c *SegmentClient) post(ctx context.Context, path string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal analytics payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.writeKey, "")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send analytics event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("analytics returned non-success status: %d", resp.StatusCode)
	}
	return nil
}

// Noop discards events
type Noop struct{}

func (Noop) Identify(ctx context.Context, userID string, traits map[string]any) error { return nil }
func (Noop) Track(ctx context.Context, userID, event string, props map[string]any) error {
	return nil
}

// Reporter applies the best-effort contract: failures are logged and counted.
type Reporter struct {
	sink    Sink
	metrics *metrics.Metrics
}

func NewReporter(sink Sink, m *metrics.Metrics) *Reporter {
	if sink == nil {
		sink = Noop{}
	}
	return &Reporter{sink: sink, metrics: m}
}

func (r *Reporter) Identify(ctx context.Context, userID string, traits map[string]any) {
	if userID == "" {
		slog.Debug("Skipping identify without user id")
		return
	}
	if err := r.sink.Identify(ctx, userID, traits); err != nil {
		r.fail("identify", err)
	}
}

func (r *Reporter) Track(ctx context.Context, userID, event string, props map[string]any) {
	if userID == "" {
		slog.Debug("Skipping track without user id", "event", event)
		return
	}
	if err := r.sink.Track(ctx, userID, event, props); err != nil {
		r.fail("track", err)
	}
}

func (r *Reporter) fail(call string, err error) {
	slog.Error("Analytics call failed", "call", call, "error", err)
	if r.metrics != nil {
		r.metrics.RecordSideEffectFailure("analytics")
	}
}
