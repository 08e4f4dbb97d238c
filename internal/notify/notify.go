// Package notify posts operator-visible alerts. Delivery is best-effort: a
// failing sink is logged and counted, never surfaced to the consumer loop.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/campaignkit/campaign-worker/internal/metrics"
)

// Notification is one alert.
type Notification struct {
	Title   string
	Text    string
	Context map[string]string
}

// Notifier delivers notifications to a sink.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Escalation causes
const (
	CausePermanent = "permanent"
	CauseExhausted = "exhausted"
	CauseUnhandled = "unhandled"
)

// Escalation describes work the worker gave up on.
type Escalation struct {
	Cause       string
	MessageType string
	Subject     string
	Attempts    int
	Err         error
}

// SlackNotifier posts to a Slack incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

func NewSlackNotifier(webhookURL string, timeout time.Duration) *SlackNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
	}
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields,omitempty"`
}

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

func (s *SlackNotifier) Notify(ctx context.Context, n Notification) error {
	keys := make([]string, 0, len(n.Context))
	for k := range n.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attachment := slackAttachment{Color: "#d9534f", Text: n.Text}
	for _, k := range keys {
		attachment.Fields = append(attachment.Fields, slackField{Title: k, Value: n.Context[k], Short: true})
	}

	body, err := json.Marshal(slackPayload{Text: n.Title, Attachments: []slackAttachment{attachment}})
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post to slack: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack returned non-success status: %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier writes notifications to the structured log
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	attrs := []any{"title", n.Title, "text", n.Text}
	for k, v := range n.Context {
		attrs = append(attrs, k, v)
	}
	slog.Warn("Notification", attrs...)
	return nil
}

// Sender wraps a Notifier with the best-effort contract
type Sender struct {
	notifier Notifier
	metrics  *metrics.Metrics
}

func NewSender(n Notifier, m *metrics.Metrics) *Sender {
	if n == nil {
		n = LogNotifier{}
	}
	return &Sender{notifier: n, metrics: m}
}

// Send delivers n and logs failures. It reports whether delivery succeeded.
func (s *Sender) Send(ctx context.Context, n Notification) bool {
	if err := s.notifier.Notify(ctx, n); err != nil {
		slog.Error("Failed to send notification", "title", n.Title, "error", err)
		if s.metrics != nil {
			s.metrics.RecordSideEffectFailure("notify")
		}
		return false
	}
	return true
}

// Escalate sends the operator alert for abandoned work.
func (s *Sender) Escalate(ctx context.Context, e Escalation) {
	if s.metrics != nil {
		s.metrics.RecordEscalation(e.Cause)
	}

	n := Notification{
		Title: fmt.Sprintf("Job escalated: %s", e.Subject),
		Context: map[string]string{
			"cause": e.Cause,
			"type":  e.MessageType,
		},
	}
	if e.Err != nil {
		n.Text = e.Err.Error()
	}
	if e.Attempts > 0 {
		n.Context["attempts"] = strconv.Itoa(e.Attempts)
	}

	slog.Warn("Escalating job", "subject", e.Subject, "cause", e.Cause, "type", e.MessageType, "attempts", e.Attempts, "error", e.Err)
	s.Send(ctx, n)
}
