package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/campaignkit/campaign-worker/internal/failure"
	"github.com/campaignkit/campaign-worker/pkg/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-provider", srv.URL, "secret", time.Second)
}

func TestClient_Generate(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/content", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req ContentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "bio", req.Slug)
		_, _ = w.Write([]byte(`{"content":"Jane has served...","model":"m-1"}`))
	})

	out, err := c.Generate(context.Background(), ContentRequest{CampaignID: 1, Slug: "bio", Prompt: "write a bio"})
	require.NoError(t, err)
	assert.Equal(t, "Jane has served...", out.Content)
}

func TestClient_GenerateEmpty(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := c.Generate(context.Background(), ContentRequest{CampaignID: 1, Slug: "bio"})
	require.Error(t, err)
	assert.Equal(t, failure.Retryable, failure.Classify(err))
}

func TestClient_Analyze(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/path-to-victory", r.URL.Path)
		var req messages.PathToVictory
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "CA", req.ElectionState)
		_, _ = w.Write([]byte(`{"winNumber":5100,"voterContactGoal":25500,"projectedTurnout":10200}`))
	})

	out, err := c.Analyze(context.Background(), messages.PathToVictory{CampaignID: 2, OfficeName: "Mayor", ElectionDate: "2026-11-03", ElectionState: "CA"})
	require.NoError(t, err)
	assert.Equal(t, int64(5100), out.WinNumber)
	assert.Equal(t, int64(25500), out.VoterContactGoal)
}

func TestClient_Score(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/viability", r.URL.Path)
		_, _ = w.Write([]byte(`{"score":3.5}`))
	})

	out, err := c.Score(context.Background(), 2, VictoryPath{WinNumber: 10})
	require.NoError(t, err)
	assert.Equal(t, 3.5, out.Score)
}

func TestClient_Status(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/v1/compliance/tcr-1":
			_, _ = w.Write([]byte(`{"status":"approved"}`))
		default:
			_, _ = w.Write([]byte(`{"status":"weird"}`))
		}
	})

	out, err := c.Status(context.Background(), "tcr-1")
	require.NoError(t, err)
	assert.Equal(t, ComplianceApproved, out.State)
	assert.True(t, out.State.Final())
	assert.False(t, CompliancePending.Final())

	_, err = c.Status(context.Background(), "tcr-2")
	assert.Error(t, err)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   failure.Verdict
	}{
		{http.StatusBadRequest, failure.Permanent},
		{http.StatusNotFound, failure.Permanent},
		{http.StatusRequestTimeout, failure.Retryable},
		{http.StatusTooManyRequests, failure.Retryable},
		{http.StatusInternalServerError, failure.Retryable},
		{http.StatusServiceUnavailable, failure.Retryable},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			})

			_, err := c.Score(context.Background(), 1, VictoryPath{})
			require.Error(t, err)
			assert.Equal(t, tt.want, failure.Classify(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient("slow", srv.URL, "", 20*time.Millisecond)
	_, err := c.Score(context.Background(), 1, VictoryPath{})
	require.Error(t, err)
	assert.Equal(t, failure.Retryable, failure.Classify(err))
}
