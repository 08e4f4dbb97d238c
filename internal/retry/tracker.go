// Package retry keeps the attempt counter of a unit of work on its record and
// escalates once when the counter crosses the threshold.
package retry

import (
	"context"
	"errors"
	"log/slog"

	"github.com/campaignkit/campaign-worker/internal/failure"
	"github.com/campaignkit/campaign-worker/internal/metrics"
	"github.com/campaignkit/campaign-worker/internal/notify"
	"github.com/campaignkit/campaign-worker/internal/store"
)

// DefaultThreshold is the attempt count at which a record is marked failed.
const DefaultThreshold = 3

// ErrExhausted is returned for work whose attempts already reached the
// threshold. It classifies as retryable, leaving the message to the
// transport's redrive limit and dead-letter queue.
var ErrExhausted = errors.New("attempts exhausted")

// Escalator fires the operator alert.
type Escalator interface {
	Escalate(ctx context.Context, e notify.Escalation)
}

// Tracker records retryable failures against store records
type Tracker struct {
	store     store.Store
	escalator Escalator
	metrics   *metrics.Metrics
	threshold int
}

func NewTracker(s store.Store, esc Escalator, m *metrics.Metrics, threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{store: s, escalator: esc, metrics: m, threshold: threshold}
}

// Exhausted reports whether rec already failed at or past the threshold.
func (t *Tracker) Exhausted(rec *store.Record) bool {
	state := rec.Retry()
	return state.Status == store.StatusFailed && state.Attempts >= t.threshold
}

// Fail records cause against ref and returns the error the handler should
// propagate. Permanent causes move the record to failed without counting an
// attempt; the consumer loop escalates those. Retryable causes add one
// attempt; reaching the threshold moves the record to failed and escalates,
// but the returned error stays retryable so the transport drains the message
// on its own.
func (t *Tracker) Fail(ctx context.Context, msgType string, ref store.Ref, cause error) error {
	if cause == nil {
		return nil
	}
	if failure.Classify(cause) == failure.Permanent {
		if !errors.Is(cause, store.ErrNotFound) {
			if _, err := t.store.Transition(ctx, ref, []store.Status{store.StatusPending, store.StatusActive}, store.StatusFailed); err != nil {
				slog.Error("Failed to mark record failed", "record", ref.String(), "error", err)
			}
		}
		return cause
	}

	state, err := t.store.IncrementAttempts(ctx, ref, cause.Error())
	if err != nil {
		// Nothing left to retry against
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		slog.Error("Failed to record attempt", "record", ref.String(), "error", err)
		return cause
	}
	if t.metrics != nil {
		t.metrics.RecordAttempt(string(ref.Kind))
	}

	slog.Warn("Retryable failure recorded",
		"record", ref.String(),
		"attempts", state.Attempts,
		"threshold", t.threshold,
		"error", cause)

	if state.Attempts < t.threshold {
		return cause
	}

	changed, err := t.store.Transition(ctx, ref, []store.Status{store.StatusPending, store.StatusActive}, store.StatusFailed)
	if err != nil {
		slog.Error("Failed to mark record failed", "record", ref.String(), "error", err)
		return cause
	}
	if changed {
		t.escalator.Escalate(ctx, notify.Escalation{
			Cause:       notify.CauseExhausted,
			MessageType: msgType,
			Subject:     ref.String(),
			Attempts:    state.Attempts,
			Err:         cause,
		})
	}
	return cause
}
