// Package handlers holds one handler per message type. Handlers are safe to
// re-run: redelivery of a message that already completed changes nothing.
package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/campaignkit/campaign-worker/internal/analytics"
	"github.com/campaignkit/campaign-worker/internal/failure"
	"github.com/campaignkit/campaign-worker/internal/idempotency"
	"github.com/campaignkit/campaign-worker/internal/metrics"
	"github.com/campaignkit/campaign-worker/internal/notify"
	"github.com/campaignkit/campaign-worker/internal/providers"
	"github.com/campaignkit/campaign-worker/internal/reschedule"
	"github.com/campaignkit/campaign-worker/internal/retry"
	"github.com/campaignkit/campaign-worker/internal/store"
	"github.com/campaignkit/campaign-worker/pkg/messages"
)

// Handler processes one decoded message.
type Handler interface {
	Handle(ctx context.Context, msg messages.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg messages.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg messages.Message) error {
	return f(ctx, msg)
}

// Registry maps message types to handlers.
type Registry map[messages.Type]Handler

// Lookup returns the handler registered for t.
func (r Registry) Lookup(t messages.Type) (Handler, bool) {
	h, ok := r[t]
	return h, ok
}

// Deps are the collaborators shared by all handlers.
type Deps struct {
	Store       store.Store
	Tracker     *retry.Tracker
	Notifier    *notify.Sender
	Analytics   *analytics.Reporter
	Claims      idempotency.Claimer
	Rescheduler *reschedule.Rescheduler
	Metrics     *metrics.Metrics

	Content    providers.ContentGenerator
	Elections  providers.ElectionAnalyzer
	Viability  providers.ViabilityScorer
	Compliance providers.ComplianceChecker

	// CreateMissing creates a pending record on first sight of a message
	// instead of failing it. Used when records live only in memory.
	CreateMissing bool

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewRegistry wires the handler for every message type.
func NewRegistry(d Deps) Registry {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Claims == nil {
		d.Claims = idempotency.NewMemoryClaimer()
	}
	return Registry{
		messages.TypeGenerateAIContent:     &AIContentHandler{deps: d},
		messages.TypePathToVictory:         &PathToVictoryHandler{deps: d},
		messages.TypeComplianceStatusCheck: &ComplianceHandler{deps: d},
	}
}

// RecordFor returns a new pending record for the work msg targets.
func RecordFor(msg messages.Message, userID string) (*store.Record, error) {
	switch m := msg.(type) {
	case *messages.GenerateAIContent:
		return &store.Record{Ref: AIContentRef(m), CampaignID: m.CampaignID, UserID: userID}, nil
	case *messages.PathToVictory:
		return &store.Record{Ref: PathToVictoryRef(m), CampaignID: m.CampaignID, UserID: userID}, nil
	case *messages.ComplianceStatusCheck:
		return &store.Record{Ref: ComplianceRef(m), CampaignID: m.CampaignID, UserID: userID}, nil
	default:
		return nil, fmt.Errorf("no work record for %T", msg)
	}
}

// load finds the record ref of msg, creating it first when d.CreateMissing
// is set and it does not exist yet.
func load(ctx context.Context, d Deps, msg messages.Message, ref store.Ref) (*store.Record, error) {
	rec, err := d.Store.Find(ctx, ref)
	if err == nil || !d.CreateMissing || !errors.Is(err, store.ErrNotFound) {
		return rec, err
	}

	fresh, err := RecordFor(msg, "")
	if err != nil {
		return nil, err
	}
	if err := d.Store.Create(ctx, fresh); err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, err
	}
	slog.Info("Created missing work record", "record", ref.String())
	return d.Store.Find(ctx, ref)
}

// exhausted stops a redelivery of work that already used up its attempts
// before it reaches the provider or the escalation path again.
func exhausted(d Deps, rec *store.Record) error {
	if !d.Tracker.Exhausted(rec) {
		return nil
	}
	slog.Warn("Attempts exhausted, leaving message for the dead-letter queue",
		"record", rec.Ref.String(),
		"attempts", rec.Retry().Attempts)
	return fmt.Errorf("%s: %w", rec.Ref.String(), retry.ErrExhausted)
}

func unexpected(want messages.Type, got messages.Message) error {
	return failure.MarkPermanent(fmt.Errorf("%s handler received %T", want, got))
}

// notifyOnce sends n unless key was already claimed. Claim errors skip the
// notification rather than risk a duplicate.
func notifyOnce(ctx context.Context, d Deps, key string, n notify.Notification) {
	ok, err := d.Claims.Claim(ctx, key, idempotency.DefaultTTL)
	if err != nil {
		slog.Error("Failed to claim notification", "key", key, "error", err)
		if d.Metrics != nil {
			d.Metrics.RecordSideEffectFailure("idempotency")
		}
		return
	}
	if !ok {
		slog.Debug("Notification already sent", "key", key)
		return
	}
	d.Notifier.Send(ctx, n)
}

// fingerprint is a short stable hash of v's JSON form.
func fingerprint(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
