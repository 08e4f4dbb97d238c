package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/campaignkit/campaign-worker/internal/idempotency"
	"github.com/campaignkit/campaign-worker/internal/notify"
	"github.com/campaignkit/campaign-worker/internal/providers"
	"github.com/campaignkit/campaign-worker/internal/store"
	"github.com/campaignkit/campaign-worker/pkg/messages"
)

// PathToVictoryResult is stored as data.result on pathToVictory records.
type PathToVictoryResult struct {
	Request    messages.PathToVictory `json:"request"`
	Path       providers.VictoryPath  `json:"pathToVictory"`
	Viability  *providers.Viability   `json:"viability,omitempty"`
	ComputedAt time.Time              `json:"computedAt"`
}

// PathToVictoryHandler runs the electoral analysis and, after it is saved,
// the chained viability score
type PathToVictoryHandler struct {
	deps Deps
}

// PathToVictoryRef is the record a PathToVictory message works on.
func PathToVictoryRef(msg *messages.PathToVictory) store.Ref {
	return store.Ref{Kind: store.KindPathToVictory, ID: strconv.FormatInt(msg.CampaignID, 10)}
}

func (h *PathToVictoryHandler) Handle(ctx context.Context, m messages.Message) error {
	msg, ok := m.(*messages.PathToVictory)
	if !ok {
		return unexpected(messages.TypePathToVictory, m)
	}
	d := h.deps
	ref := PathToVictoryRef(msg)
	msgType := string(msg.Type())

	rec, err := load(ctx, d, msg, ref)
	if err != nil {
		return d.Tracker.Fail(ctx, msgType, ref, err)
	}

	// The same request already completed: redelivery is a no-op
	if rec.Status() == store.StatusComplete {
		var prev PathToVictoryResult
		if ok, err := rec.Result(&prev); err == nil && ok && prev.Request == *msg {
			slog.Info("Path to victory already computed, skipping", "record", ref.String())
			return nil
		}
	}
	if err := exhausted(d, rec); err != nil {
		return err
	}

	if _, err := d.Store.Transition(ctx, ref,
		[]store.Status{store.StatusPending, store.StatusFailed, store.StatusComplete}, store.StatusActive); err != nil {
		return d.Tracker.Fail(ctx, msgType, ref, err)
	}

	path, err := d.Elections.Analyze(ctx, *msg)
	if err != nil {
		return d.Tracker.Fail(ctx, msgType, ref, fmt.Errorf("analyze election: %w", err))
	}

	result := PathToVictoryResult{Request: *msg, Path: path, ComputedAt: d.Now().UTC()}
	saved, err := d.Store.SaveResult(ctx, ref, store.StatusComplete, result, true)
	if err != nil {
		return d.Tracker.Fail(ctx, msgType, ref, err)
	}
	slog.Info("Path to victory computed", "record", ref.String(), "winNumber", path.WinNumber)

	// The primary result is durable; from here on nothing fails the message
	if scored, ok := h.scoreViability(ctx, ref, msg.CampaignID, result); ok {
		result = scored.result
		saved = scored.record
	}

	notifyOnce(ctx, d, idempotency.Key("notify", msgType, ref.ID, fingerprint(msg)), notify.Notification{
		Title: "Path to victory complete",
		Text: fmt.Sprintf("Campaign %d (%s, %s): win number %d, voter contact goal %d",
			msg.CampaignID, msg.OfficeName, msg.ElectionState, path.WinNumber, path.VoterContactGoal),
		Context: map[string]string{
			"campaignId": ref.ID,
			"office":     msg.OfficeName,
		},
	})

	traits := map[string]any{
		"winNumber":        path.WinNumber,
		"voterContactGoal": path.VoterContactGoal,
	}
	if result.Viability != nil {
		traits["viabilityScore"] = result.Viability.Score
	}
	d.Analytics.Identify(ctx, saved.UserID, traits)
	return nil
}

type scoredResult struct {
	result PathToVictoryResult
	record *store.Record
}

// scoreViability is the best-effort secondary step. Failures are logged and
// counted only.
func (h *PathToVictoryHandler) scoreViability(ctx context.Context, ref store.Ref, campaignID int64, result PathToVictoryResult) (scoredResult, bool) {
	d := h.deps
	if d.Viability == nil {
		return scoredResult{}, false
	}

	viability, err := d.Viability.Score(ctx, campaignID, result.Path)
	if err != nil {
		slog.Error("Viability score failed", "record", ref.String(), "error", err)
		if d.Metrics != nil {
			d.Metrics.RecordSecondaryFailure("viability_score")
		}
		return scoredResult{}, false
	}

	result.Viability = &viability
	rec, err := d.Store.SaveResult(ctx, ref, store.StatusComplete, result, false)
	if err != nil {
		slog.Error("Failed to save viability score", "record", ref.String(), "error", err)
		if d.Metrics != nil {
			d.Metrics.RecordSecondaryFailure("viability_save")
		}
		return scoredResult{}, false
	}
	return scoredResult{result: result, record: rec}, true
}
