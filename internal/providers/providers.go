package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/campaignkit/campaign-worker/pkg/messages"
)

// ContentRequest asks for one piece of campaign content.
type ContentRequest struct {
	CampaignID int64  `json:"campaignId"`
	Slug       string `json:"slug"`
	Prompt     string `json:"prompt"`
}

type Content struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// ContentGenerator produces AI-written campaign content.
type ContentGenerator interface {
	Generate(ctx context.Context, req ContentRequest) (Content, error)
}

// VictoryPath is the electoral analysis result.
type VictoryPath struct {
	WinNumber             int64   `json:"winNumber"`
	VoterContactGoal      int64   `json:"voterContactGoal"`
	ProjectedTurnout      int64   `json:"projectedTurnout"`
	TotalRegisteredVoters int64   `json:"totalRegisteredVoters,omitempty"`
	DistrictName          string  `json:"districtName,omitempty"`
	Confidence            float64 `json:"confidence,omitempty"`
}

// ElectionAnalyzer computes a path to victory for an office.
type ElectionAnalyzer interface {
	Analyze(ctx context.Context, req messages.PathToVictory) (VictoryPath, error)
}

// Viability is the derived score for a campaign.
type Viability struct {
	Score   float64            `json:"score"`
	Factors map[string]float64 `json:"factors,omitempty"`
}

// ViabilityScorer derives a viability score from a finished analysis.
type ViabilityScorer interface {
	Score(ctx context.Context, campaignID int64, path VictoryPath) (Viability, error)
}

// ComplianceState is the registration state reported by the compliance registry.
type ComplianceState string

const (
	CompliancePending  ComplianceState = "pending"
	ComplianceApproved ComplianceState = "approved"
	ComplianceRejected ComplianceState = "rejected"
)

// Final reports whether the state will not change any more.
func (s ComplianceState) Final() bool {
	return s == ComplianceApproved || s == ComplianceRejected
}

type ComplianceStatus struct {
	State  ComplianceState `json:"status"`
	Reason string          `json:"reason,omitempty"`
}

// ComplianceChecker looks up a 10DLC registration.
type ComplianceChecker interface {
	Status(ctx context.Context, tcrComplianceID string) (ComplianceStatus, error)
}

func (c *Client) Generate(ctx context.Context, req ContentRequest) (Content, error) {
	var out Content
	if err := c.call(ctx, http.MethodPost, "/v1/content", req, &out); err != nil {
		return Content{}, err
	}
	if out.Content == "" {
		return Content{}, fmt.Errorf("%s returned empty content", c.name)
	}
	return out, nil
}

func (c *Client) Analyze(ctx context.Context, req messages.PathToVictory) (VictoryPath, error) {
	var out VictoryPath
	if err := c.call(ctx, http.MethodPost, "/v1/path-to-victory", req, &out); err != nil {
		return VictoryPath{}, err
	}
	return out, nil
}

func (c *Client) Score(ctx context.Context, campaignID int64, path VictoryPath) (Viability, error) {
	in := struct {
		CampaignID int64       `json:"campaignId"`
		Path       VictoryPath `json:"pathToVictory"`
	}{campaignID, path}

	var out Viability
	if err := c.call(ctx, http.MethodPost, "/v1/viability", in, &out); err != nil {
		return Viability{}, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context, tcrComplianceID string) (ComplianceStatus, error) {
	var out ComplianceStatus
	if err := c.call(ctx, http.MethodGet, "/v1/compliance/"+url.PathEscape(tcrComplianceID), nil, &out); err != nil {
		return ComplianceStatus{}, err
	}
	switch out.State {
	case CompliancePending, ComplianceApproved, ComplianceRejected:
		return out, nil
	default:
		return ComplianceStatus{}, fmt.Errorf("%s returned unknown compliance status %q", c.name, out.State)
	}
}
