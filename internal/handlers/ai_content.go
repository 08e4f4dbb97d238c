package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/campaignkit/campaign-worker/internal/providers"
	"github.com/campaignkit/campaign-worker/internal/store"
	"github.com/campaignkit/campaign-worker/pkg/messages"
)

// AIContentResult is stored as data.result on aiContent records.
type AIContentResult struct {
	Content     string    `json:"content"`
	Model       string    `json:"model,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// AIContentHandler generates a piece of campaign content
type AIContentHandler struct {
	deps Deps
}

// AIContentRef is the record a GenerateAIContent message works on.
func AIContentRef(msg *messages.GenerateAIContent) store.Ref {
	return store.Ref{Kind: store.KindAIContent, ID: fmt.Sprintf("%d:%s", msg.CampaignID, msg.Slug)}
}

func (h *AIContentHandler) Handle(ctx context.Context, m messages.Message) error {
	msg, ok := m.(*messages.GenerateAIContent)
	if !ok {
		return unexpected(messages.TypeGenerateAIContent, m)
	}
	d := h.deps
	ref := AIContentRef(msg)
	msgType := string(msg.Type())

	rec, err := load(ctx, d, msg, ref)
	if err != nil {
		return d.Tracker.Fail(ctx, msgType, ref, err)
	}
	if rec.Status() == store.StatusComplete && !msg.Regenerate {
		slog.Info("AI content already generated, skipping", "record", ref.String())
		return nil
	}
	if !msg.Regenerate {
		if err := exhausted(d, rec); err != nil {
			return err
		}
	}

	if _, err := d.Store.Transition(ctx, ref,
		[]store.Status{store.StatusPending, store.StatusFailed, store.StatusComplete}, store.StatusActive); err != nil {
		return d.Tracker.Fail(ctx, msgType, ref, err)
	}

	prompt := msg.Slug
	var stored string
	if ok, err := rec.Field("prompt", &stored); err != nil {
		slog.Warn("Ignoring unreadable prompt", "record", ref.String(), "error", err)
	} else if ok && stored != "" {
		prompt = stored
	}

	content, err := d.Content.Generate(ctx, providers.ContentRequest{
		CampaignID: msg.CampaignID,
		Slug:       msg.Slug,
		Prompt:     prompt,
	})
	if err != nil {
		return d.Tracker.Fail(ctx, msgType, ref, fmt.Errorf("generate content: %w", err))
	}

	saved, err := d.Store.SaveResult(ctx, ref, store.StatusComplete, AIContentResult{
		Content:     content.Content,
		Model:       content.Model,
		GeneratedAt: d.Now().UTC(),
	}, true)
	if err != nil {
		return d.Tracker.Fail(ctx, msgType, ref, err)
	}

	slog.Info("AI content generated", "record", ref.String(), "model", content.Model)
	d.Analytics.Track(ctx, saved.UserID, "Campaign AI Content Generated", map[string]any{
		"slug":       msg.Slug,
		"campaignId": msg.CampaignID,
	})
	return nil
}
