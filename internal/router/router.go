package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/campaignkit/campaign-worker/internal/failure"
	"github.com/campaignkit/campaign-worker/internal/handlers"
	"github.com/campaignkit/campaign-worker/internal/metrics"
	"github.com/campaignkit/campaign-worker/internal/notify"
	"github.com/campaignkit/campaign-worker/internal/transport"
	"github.com/campaignkit/campaign-worker/pkg/messages"
)

// Disposition is the outcome the consumer loop applies to a delivery.
type Disposition int

const (
	// Acked removes the message from the queue.
	Acked Disposition = iota
	// Nacked returns the message for redelivery.
	Nacked
	// Escalated removes the message and alerts an operator.
	Escalated
)

func (d Disposition) String() string {
	switch d {
	case Acked:
		return "acked"
	case Nacked:
		return "nacked"
	case Escalated:
		return "escalated"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Escalator raises the operator alert for abandoned messages.
type Escalator interface {
	Escalate(ctx context.Context, e notify.Escalation)
}

// Router pulls messages off the job queue and dispatches them to handlers
type Router struct {
	transport     transport.Transport
	queueName     string
	transportName string
	registry      handlers.Registry
	escalator     Escalator
	metrics       *metrics.Metrics
}

// NewRouter creates a new router instance
func NewRouter(tp transport.Transport, queueName, transportName string, registry handlers.Registry, esc Escalator, m *metrics.Metrics) *Router {
	if esc == nil {
		esc = notify.NewSender(nil, m)
	}
	return &Router{
		transport:     tp,
		queueName:     queueName,
		transportName: transportName,
		registry:      registry,
		escalator:     esc,
		metrics:       m,
	}
}

// ProcessMessage decodes, dispatches and classifies one delivery. It never
// returns an error: every outcome maps to a Disposition.
func (r *Router) ProcessMessage(ctx context.Context, qm transport.QueueMessage) Disposition {
	if r.metrics != nil {
		r.metrics.IncrementActiveMessages()
		defer r.metrics.DecrementActiveMessages()
	}

	msg, err := messages.Decode(qm.Body)
	if err != nil {
		// Redelivery cannot fix a body we cannot read
		slog.Error("Dropping undecodable message", "msgID", qm.ID, "error", err)
		if r.metrics != nil {
			r.metrics.RecordMessageMalformed(malformedReason(err))
			r.metrics.RecordMessageProcessed("unknown", Acked.String())
		}
		return Acked
	}
	msgType := string(msg.Type())

	handler, ok := r.registry.Lookup(msg.Type())
	if !ok {
		slog.Error("No handler registered", "msgID", qm.ID, "type", msgType)
		r.escalator.Escalate(ctx, notify.Escalation{
			Cause:       notify.CauseUnhandled,
			MessageType: msgType,
			Subject:     msg.GroupKey(),
			Err:         fmt.Errorf("no handler registered for %s", msgType),
		})
		return r.finish(msgType, Escalated)
	}

	start := time.Now()
	err = r.invoke(ctx, handler, msg)
	if r.metrics != nil {
		r.metrics.RecordHandlerDuration(msgType, time.Since(start))
	}

	if err == nil {
		slog.Debug("Message handled", "msgID", qm.ID, "type", msgType)
		return r.finish(msgType, Acked)
	}

	if failure.Classify(err) == failure.Permanent {
		slog.Error("Permanent failure", "msgID", qm.ID, "type", msgType, "error", err)
		r.escalator.Escalate(ctx, notify.Escalation{
			Cause:       notify.CausePermanent,
			MessageType: msgType,
			Subject:     msg.GroupKey(),
			Attempts:    qm.ReceiveCount,
			Err:         err,
		})
		return r.finish(msgType, Escalated)
	}

	slog.Warn("Retryable failure, returning message to queue",
		"msgID", qm.ID,
		"type", msgType,
		"receiveCount", qm.ReceiveCount,
		"error", err)
	return r.finish(msgType, Nacked)
}

// invoke runs the handler, turning a panic into a retryable error.
func (r *Router) invoke(ctx context.Context, h handlers.Handler, msg messages.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Handler panicked", "type", msg.Type(), "panic", p)
			err = &failure.PanicError{Value: p}
		}
	}()
	return h.Handle(ctx, msg)
}

func (r *Router) finish(msgType string, d Disposition) Disposition {
	if r.metrics != nil {
		r.metrics.RecordMessageProcessed(msgType, d.String())
	}
	return d
}

func malformedReason(err error) string {
	var de *messages.DecodeError
	if !errors.As(err, &de) {
		return "unknown"
	}
	switch {
	case de.Type == "":
		return "malformed_envelope"
	case !de.Type.Known():
		return "unknown_type"
	case strings.HasPrefix(de.Reason, "unsupported version"):
		return "unsupported_version"
	default:
		return "invalid_data"
	}
}

// Run consumes from the job queue until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	slog.Info("Starting router", "queue", r.queueName, "transport", r.transportName)

	var consecutiveFailures int
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			slog.Info("Router shutting down", "reason", ctx.Err())
			return ctx.Err()
		default:
			receiveStart := time.Now()
			msg, err := r.transport.Receive(ctx, r.queueName)
			receiveDuration := time.Since(receiveStart)

			if err != nil {
				if ctx.Err() != nil {
					slog.Info("Router shutting down", "reason", ctx.Err())
					return ctx.Err()
				}
				consecutiveFailures++
				backoff := receiveBackoff(consecutiveFailures, maxBackoff)

				slog.Error("Failed to receive message",
					"error", err,
					"consecutiveFailures", consecutiveFailures,
					"backoffSeconds", backoff.Seconds())

				select {
				case <-time.After(backoff):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			consecutiveFailures = 0

			slog.Info("Message received from queue", "msgID", msg.ID, "receiveDuration", receiveDuration)

			if r.metrics != nil {
				r.metrics.RecordMessageReceived(r.queueName, r.transportName)
				r.metrics.RecordQueueReceiveDuration(r.queueName, r.transportName, receiveDuration)
			}

			switch r.ProcessMessage(ctx, msg) {
			case Nacked:
				if err := r.transport.Nack(ctx, msg); err != nil {
					slog.Error("Failed to NACK message", "msgID", msg.ID, "error", err)
				}
			default:
				if err := r.transport.Ack(ctx, msg); err != nil {
					slog.Error("Failed to ACK message", "msgID", msg.ID, "error", err)
				}
			}
		}
	}
}

// receiveBackoff doubles from one second per consecutive failure, capped at max.
func receiveBackoff(failures int, max time.Duration) time.Duration {
	exponent := min(failures-1, 5)
	if exponent < 0 {
		exponent = 0
	}
	backoff := time.Duration(1<<uint(exponent)) * time.Second
	if backoff > max {
		backoff = max
	}
	return backoff
}
