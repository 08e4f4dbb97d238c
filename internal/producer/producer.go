// Package producer hands typed messages to the work queue.
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/campaignkit/campaign-worker/internal/metrics"
	"github.com/campaignkit/campaign-worker/internal/transport"
	"github.com/campaignkit/campaign-worker/pkg/messages"
	"github.com/google/uuid"
)

// Producer encodes messages and submits them to one queue. It never retries;
// callers that need delivery guarantees check the returned error.
type Producer struct {
	transport transport.Transport
	queueName string
	metrics   *metrics.Metrics
	newID     func() string
}

// New creates a producer for queueName
func New(tp transport.Transport, queueName string, m *metrics.Metrics) *Producer {
	return &Producer{
		transport: tp,
		queueName: queueName,
		metrics:   m,
		newID:     uuid.NewString,
	}
}

// Send encodes msg and submits it with a fresh deduplication id. An empty
// groupKey falls back to the message's own group key.
func (p *Producer) Send(ctx context.Context, msg messages.Message, groupKey string) (transport.Receipt, error) {
	body, err := messages.Encode(msg)
	if err != nil {
		return transport.Receipt{}, err
	}

	if groupKey == "" {
		groupKey = msg.GroupKey()
	}

	out := transport.OutgoingMessage{
		Body:            body,
		GroupKey:        groupKey,
		DeduplicationID: p.newID(),
	}

	start := time.Now()
	receipt, err := p.transport.Send(ctx, p.queueName, out)
	if p.metrics != nil {
		p.metrics.RecordQueueSendDuration(p.queueName, time.Since(start))
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordSendFailure(p.queueName, string(msg.Type()))
		}
		return transport.Receipt{}, fmt.Errorf("failed to send %s to %s: %w", msg.Type(), p.queueName, err)
	}

	if p.metrics != nil {
		p.metrics.RecordMessageSent(p.queueName, string(msg.Type()))
	}
	slog.Debug("Message enqueued",
		"type", msg.Type(),
		"group", groupKey,
		"dedupId", out.DeduplicationID,
		"messageId", receipt.MessageID)
	return receipt, nil
}

// SendBestEffort sends msg and logs instead of returning a failure. It reports
// whether the send succeeded.
func (p *Producer) SendBestEffort(ctx context.Context, msg messages.Message, groupKey string) bool {
	if _, err := p.Send(ctx, msg, groupKey); err != nil {
		slog.Error("Failed to enqueue message", "type", msg.Type(), "error", err)
		return false
	}
	return true
}
