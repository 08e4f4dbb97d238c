package messages

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Variants(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Message
	}{
		{
			name: "generate ai content",
			body: `{"type":"generateAiContent","data":{"campaignId":7,"slug":"launch-email"}}`,
			want: &GenerateAIContent{CampaignID: 7, Slug: "launch-email"},
		},
		{
			name: "path to victory with explicit version",
			body: `{"type":"pathToVictory","version":1,"data":{"campaignId":3,"officeName":"Mayor","electionDate":"2026-11-03","electionState":"CA"}}`,
			want: &PathToVictory{CampaignID: 3, OfficeName: "Mayor", ElectionDate: "2026-11-03", ElectionState: "CA"},
		},
		{
			name: "compliance check ignores unknown data fields",
			body: `{"type":"tcrComplianceStatusCheck","data":{"tcrComplianceId":"tcr-1","campaignId":9,"addedLater":true}}`,
			want: &ComplianceStatusCheck{TCRComplianceID: "tcr-1", CampaignID: 9},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{name: "not json", body: `{nope`, reason: "malformed envelope"},
		{name: "unknown type", body: `{"type":"sendPostcards","data":{}}`, reason: "unknown message type"},
		{name: "empty type", body: `{"data":{"campaignId":1}}`, reason: "unknown message type"},
		{name: "future version", body: `{"type":"generateAiContent","version":2,"data":{"campaignId":1,"slug":"x"}}`, reason: "unsupported version"},
		{name: "missing data", body: `{"type":"generateAiContent"}`, reason: "missing data"},
		{name: "null data", body: `{"type":"generateAiContent","data":null}`, reason: "missing data"},
		{name: "wrong data shape", body: `{"type":"generateAiContent","data":{"campaignId":"seven"}}`, reason: "malformed data"},
		{name: "schema violation", body: `{"type":"pathToVictory","data":{"campaignId":1,"officeName":"Mayor","electionDate":"11/03/2026","electionState":"CA"}}`, reason: "validation failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.body))
			require.Error(t, err)
			assert.Nil(t, msg)
			assert.True(t, IsDecodeError(err))
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func TestEncode_RoundTripsThroughDecode(t *testing.T) {
	wake := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	msg := &ComplianceStatusCheck{TCRComplianceID: "tcr-2", CampaignID: 4, ProcessTime: &wake}

	body, err := Encode(msg)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, TypeComplianceStatusCheck, env.Type)
	assert.Equal(t, CurrentVersion, env.Version)

	decoded, err := Decode(body)
	require.NoError(t, err)
	check, ok := decoded.(*ComplianceStatusCheck)
	require.True(t, ok)
	assert.True(t, wake.Equal(check.WakeTime()))
}

func TestEncode_RejectsInvalid(t *testing.T) {
	_, err := Encode(&GenerateAIContent{CampaignID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid slug")

	_, err = Encode(nil)
	require.Error(t, err)
}

func TestGroupKeys(t *testing.T) {
	assert.Equal(t, "generateAiContent-12", (&GenerateAIContent{CampaignID: 12}).GroupKey())
	assert.Equal(t, "pathToVictory-5", (&PathToVictory{CampaignID: 5}).GroupKey())
	assert.Equal(t, "tcrCompliance-abc", (&ComplianceStatusCheck{TCRComplianceID: "abc"}).GroupKey())
}

func TestTypes(t *testing.T) {
	assert.Equal(t, []Type{TypeGenerateAIContent, TypePathToVictory, TypeComplianceStatusCheck}, Types())
	assert.True(t, TypePathToVictory.Known())
	assert.False(t, Type("sendPostcards").Known())
}

func TestComplianceStatusCheck_WakeTimeUnset(t *testing.T) {
	assert.True(t, (&ComplianceStatusCheck{}).WakeTime().IsZero())
}

func TestComplianceStatusCheck_WithWakeTime(t *testing.T) {
	orig := &ComplianceStatusCheck{TCRComplianceID: "tcr-1", CampaignID: 3}
	wake := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	next, ok := orig.WithWakeTime(wake).(*ComplianceStatusCheck)
	assert.True(t, ok)
	assert.True(t, wake.Equal(next.WakeTime()))
	assert.Nil(t, orig.ProcessTime, "original message is not modified")
	assert.Equal(t, orig.GroupKey(), next.GroupKey())
}
