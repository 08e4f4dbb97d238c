// Package reschedule fakes delayed delivery for ordered queues: the current
// message is acknowledged and a fresh one carrying a later wake time is sent.
package reschedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/campaignkit/campaign-worker/internal/metrics"
	"github.com/campaignkit/campaign-worker/internal/transport"
	"github.com/campaignkit/campaign-worker/pkg/messages"
)

// DefaultDelay is the fixed polling cadence for status checks.
const DefaultDelay = 12 * time.Hour

// Reasons recorded for a reschedule.
const (
	ReasonNotDue  = "not_due"
	ReasonPending = "pending"
)

// Deferrable is a message that carries its own wake time.
type Deferrable interface {
	messages.Message
	WakeTime() time.Time
	WithWakeTime(t time.Time) messages.Message
}

// Sender submits messages to the work queue.
type Sender interface {
	Send(ctx context.Context, msg messages.Message, groupKey string) (transport.Receipt, error)
}

// NextWake returns current+delay, or now+delay when current is unset.
func NextWake(current, now time.Time, delay time.Duration) time.Time {
	if current.IsZero() {
		return now.Add(delay)
	}
	return current.Add(delay)
}

// Rescheduler re-plants deferrable messages
type Rescheduler struct {
	sender  Sender
	delay   time.Duration
	metrics *metrics.Metrics
}

func New(sender Sender, delay time.Duration, m *metrics.Metrics) *Rescheduler {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Rescheduler{sender: sender, delay: delay, metrics: m}
}

// Delay returns the fixed delay.
func (r *Rescheduler) Delay() time.Duration {
	return r.delay
}

// Reschedule sends a copy of msg due at NextWake. A send failure is returned
// so the caller can leave the current message for redelivery instead of
// dropping the polling chain.
func (r *Rescheduler) Reschedule(ctx context.Context, msg Deferrable, now time.Time, reason string) (time.Time, error) {
	next := NextWake(msg.WakeTime(), now, r.delay)

	receipt, err := r.sender.Send(ctx, msg.WithWakeTime(next), msg.GroupKey())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to reschedule %s: %w", msg.Type(), err)
	}

	if r.metrics != nil {
		r.metrics.RecordReschedule(string(msg.Type()), reason)
	}
	slog.Info("Message rescheduled",
		"type", msg.Type(),
		"group", msg.GroupKey(),
		"reason", reason,
		"nextWake", next.Format(time.RFC3339),
		"messageId", receipt.MessageID)
	return next, nil
}
