package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/campaignkit/campaign-worker/internal/idempotency"
	"github.com/campaignkit/campaign-worker/internal/notify"
	"github.com/campaignkit/campaign-worker/internal/providers"
	"github.com/campaignkit/campaign-worker/internal/reschedule"
	"github.com/campaignkit/campaign-worker/internal/store"
	"github.com/campaignkit/campaign-worker/pkg/messages"
)

// ComplianceResult is stored as data.result on tcrCompliance records.
type ComplianceResult struct {
	State     providers.ComplianceState `json:"status"`
	Reason    string                    `json:"reason,omitempty"`
	CheckedAt time.Time                 `json:"checkedAt"`
}

// ComplianceHandler polls a 10DLC registration until it is approved or
// rejected, re-planting itself every fixed delay while pending
type ComplianceHandler struct {
	deps Deps
}

// ComplianceRef is the record a ComplianceStatusCheck message works on.
func ComplianceRef(msg *messages.ComplianceStatusCheck) store.Ref {
	return store.Ref{Kind: store.KindCompliance, ID: msg.TCRComplianceID}
}

func (h *ComplianceHandler) Handle(ctx context.Context, m messages.Message) error {
	msg, ok := m.(*messages.ComplianceStatusCheck)
	if !ok {
		return unexpected(messages.TypeComplianceStatusCheck, m)
	}
	d := h.deps
	ref := ComplianceRef(msg)
	msgType := string(msg.Type())

	rec, err := load(ctx, d, msg, ref)
	if err != nil {
		return d.Tracker.Fail(ctx, msgType, ref, err)
	}
	if rec.Status().Terminal() {
		slog.Info("Compliance status already final, dropping check", "record", ref.String(), "status", rec.Status())
		return nil
	}

	now := d.Now()
	if now.Before(msg.WakeTime()) {
		slog.Debug("Compliance check not due yet", "record", ref.String(), "wake", msg.WakeTime())
		// A failed send leaves the current message for redelivery
		_, err := d.Rescheduler.Reschedule(ctx, msg, now, reschedule.ReasonNotDue)
		return err
	}

	status, err := d.Compliance.Status(ctx, msg.TCRComplianceID)
	if err != nil {
		return d.Tracker.Fail(ctx, msgType, ref, fmt.Errorf("check compliance status: %w", err))
	}

	result := ComplianceResult{State: status.State, Reason: status.Reason, CheckedAt: now.UTC()}

	if !status.State.Final() {
		if _, err := d.Store.SaveResult(ctx, ref, store.StatusPending, result, true); err != nil {
			return d.Tracker.Fail(ctx, msgType, ref, err)
		}
		_, err := d.Rescheduler.Reschedule(ctx, msg, now, reschedule.ReasonPending)
		return err
	}

	recordStatus := store.StatusComplete
	if status.State == providers.ComplianceRejected {
		recordStatus = store.StatusFailed
	}
	saved, err := d.Store.SaveResult(ctx, ref, recordStatus, result, true)
	if err != nil {
		return d.Tracker.Fail(ctx, msgType, ref, err)
	}
	slog.Info("Compliance status final", "record", ref.String(), "status", status.State)

	notifyOnce(ctx, d, idempotency.Key("notify", msgType, ref.ID, string(status.State)), notify.Notification{
		Title: fmt.Sprintf("10DLC compliance %s", status.State),
		Text:  fmt.Sprintf("Campaign %d registration %s is %s. %s", msg.CampaignID, msg.TCRComplianceID, status.State, status.Reason),
		Context: map[string]string{
			"tcrComplianceId": msg.TCRComplianceID,
			"status":          string(status.State),
		},
	})

	d.Analytics.Track(ctx, saved.UserID, "10DLC Compliance Status Changed", map[string]any{
		"tcrComplianceId": msg.TCRComplianceID,
		"campaignId":      msg.CampaignID,
		"status":          string(status.State),
	})
	return nil
}
