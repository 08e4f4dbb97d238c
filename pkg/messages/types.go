package messages

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const electionDateLayout = "2006-01-02"

// GenerateAIContent asks the worker to generate one piece of campaign content.
type GenerateAIContent struct {
	CampaignID int64  `json:"campaignId"`
	Slug       string `json:"slug"`
	// Regenerate forces generation even when the content already completed.
	Regenerate bool `json:"regenerate,omitempty"`
}

func (m *GenerateAIContent) Type() Type { return TypeGenerateAIContent }

func (m *GenerateAIContent) Validate() error {
	if m.CampaignID <= 0 {
		return errors.New("invalid campaignId: must be positive")
	}
	if strings.TrimSpace(m.Slug) == "" {
		return errors.New("invalid slug: required")
	}
	return nil
}

func (m *GenerateAIContent) GroupKey() string {
	return fmt.Sprintf("%s-%d", TypeGenerateAIContent, m.CampaignID)
}

// PathToVictory asks the worker to run the electoral analysis for a campaign.
type PathToVictory struct {
	CampaignID           int64  `json:"campaignId"`
	OfficeName           string `json:"officeName"`
	ElectionDate         string `json:"electionDate"`
	ElectionState        string `json:"electionState"`
	ElectionLevel        string `json:"electionLevel,omitempty"`
	ElectionCounty       string `json:"electionCounty,omitempty"`
	ElectionMunicipality string `json:"electionMunicipality,omitempty"`
	SubAreaName          string `json:"subAreaName,omitempty"`
	SubAreaValue         string `json:"subAreaValue,omitempty"`
	PartisanType         string `json:"partisanType,omitempty"`
}

func (m *PathToVictory) Type() Type { return TypePathToVictory }

func (m *PathToVictory) Validate() error {
	if m.CampaignID <= 0 {
		return errors.New("invalid campaignId: must be positive")
	}
	if strings.TrimSpace(m.OfficeName) == "" {
		return errors.New("invalid officeName: required")
	}
	if _, err := time.Parse(electionDateLayout, m.ElectionDate); err != nil {
		return fmt.Errorf("invalid electionDate %q: want YYYY-MM-DD", m.ElectionDate)
	}
	if len(m.ElectionState) != 2 {
		return fmt.Errorf("invalid electionState %q: want two-letter code", m.ElectionState)
	}
	if (m.SubAreaName == "") != (m.SubAreaValue == "") {
		return errors.New("invalid sub-area: subAreaName and subAreaValue go together")
	}
	return nil
}

func (m *PathToVictory) GroupKey() string {
	return fmt.Sprintf("%s-%d", TypePathToVictory, m.CampaignID)
}

// ComplianceStatusCheck polls the registration status of a 10DLC compliance
// record. ProcessTime is the earliest instant the check may run.
type ComplianceStatusCheck struct {
	TCRComplianceID string     `json:"tcrComplianceId"`
	CampaignID      int64      `json:"campaignId"`
	ProcessTime     *time.Time `json:"processTime,omitempty"`
}

func (m *ComplianceStatusCheck) Type() Type { return TypeComplianceStatusCheck }

func (m *ComplianceStatusCheck) Validate() error {
	if strings.TrimSpace(m.TCRComplianceID) == "" {
		return errors.New("invalid tcrComplianceId: required")
	}
	if m.CampaignID <= 0 {
		return errors.New("invalid campaignId: must be positive")
	}
	return nil
}

func (m *ComplianceStatusCheck) GroupKey() string {
	return "tcrCompliance-" + m.TCRComplianceID
}

// WakeTime returns ProcessTime, or the zero time when unset.
func (m *ComplianceStatusCheck) WakeTime() time.Time {
	if m.ProcessTime == nil {
		return time.Time{}
	}
	return *m.ProcessTime
}

// WithWakeTime returns a copy of the message carrying t as ProcessTime.
func (m *ComplianceStatusCheck) WithWakeTime(t time.Time) Message {
	c := *m
	c.ProcessTime = &t
	return &c
}
