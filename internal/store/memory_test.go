package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s *MemoryStore, ref Ref, data map[string]json.RawMessage) {
	t.Helper()
	require.NoError(t, s.Create(context.Background(), &Record{Ref: ref, CampaignID: 7, UserID: "u-7", Data: data}))
}

func TestRecord_RetryDefaults(t *testing.T) {
	rec := &Record{Data: map[string]json.RawMessage{}}
	state := rec.Retry()
	assert.Equal(t, RetryStateVersion, state.Version)
	assert.Equal(t, 0, state.Attempts)
	assert.Equal(t, StatusPending, state.Status)

	rec.Data["retry"] = json.RawMessage(`{"attempts":2}`)
	state = rec.Retry()
	assert.Equal(t, 2, state.Attempts)
	assert.Equal(t, StatusPending, state.Status)

	rec.Data["retry"] = json.RawMessage(`not json`)
	assert.Equal(t, StatusPending, rec.Status())
}

func TestRecord_Field(t *testing.T) {
	rec := &Record{Ref: Ref{Kind: KindAIContent, ID: "1:bio"}, Data: map[string]json.RawMessage{
		"prompt": json.RawMessage(`"write a bio"`),
		"empty":  json.RawMessage(`null`),
		"bad":    json.RawMessage(`{`),
	}}

	var prompt string
	ok, err := rec.Field("prompt", &prompt)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "write a bio", prompt)

	ok, err = rec.Field("missing", &prompt)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rec.Field("empty", &prompt)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = rec.Field("bad", &prompt)
	assert.Error(t, err)
}

func TestMemoryStore_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ref := Ref{Kind: KindPathToVictory, ID: "7"}

	_, err := s.Find(ctx, ref)
	assert.True(t, errors.Is(err, ErrNotFound))

	seed(t, s, ref, map[string]json.RawMessage{"notes": json.RawMessage(`"keep me"`)})

	err = s.Create(ctx, &Record{Ref: ref})
	assert.True(t, errors.Is(err, ErrConflict))

	rec, err := s.Find(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.CampaignID)
	assert.Equal(t, "u-7", rec.UserID)
	assert.False(t, rec.CreatedAt.IsZero())

	// Returned records are copies
	rec.Data["notes"] = json.RawMessage(`"changed"`)
	again, err := s.Find(ctx, ref)
	require.NoError(t, err)
	assert.JSONEq(t, `"keep me"`, string(again.Data["notes"]))
}

func TestMemoryStore_IncrementAttempts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ref := Ref{Kind: KindPathToVictory, ID: "7"}
	seed(t, s, ref, nil)

	for want := 1; want <= 3; want++ {
		state, err := s.IncrementAttempts(ctx, ref, "timeout")
		require.NoError(t, err)
		assert.Equal(t, want, state.Attempts)
		assert.Equal(t, "timeout", state.LastError)
		assert.Equal(t, StatusPending, state.Status)
	}

	_, err := s.IncrementAttempts(ctx, Ref{Kind: KindPathToVictory, ID: "missing"}, "x")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStore_IncrementAttemptsConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ref := Ref{Kind: KindCompliance, ID: "tcr-1"}
	seed(t, s, ref, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.IncrementAttempts(ctx, ref, "boom")
		}()
	}
	wg.Wait()

	rec, err := s.Find(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, 20, rec.Retry().Attempts)
}

func TestMemoryStore_Transition(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ref := Ref{Kind: KindPathToVictory, ID: "7"}
	seed(t, s, ref, nil)

	changed, err := s.Transition(ctx, ref, []Status{StatusPending, StatusActive}, StatusFailed)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Transition(ctx, ref, []Status{StatusPending, StatusActive}, StatusFailed)
	require.NoError(t, err)
	assert.False(t, changed, "second transition from a terminal status must not apply")

	rec, err := s.Find(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status())

	_, err = s.Transition(ctx, Ref{Kind: KindPathToVictory, ID: "nope"}, []Status{StatusPending}, StatusActive)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStore_SaveResult(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ref := Ref{Kind: KindPathToVictory, ID: "7"}
	seed(t, s, ref, map[string]json.RawMessage{"notes": json.RawMessage(`"keep me"`)})

	_, err := s.IncrementAttempts(ctx, ref, "timeout")
	require.NoError(t, err)

	rec, err := s.SaveResult(ctx, ref, StatusComplete, map[string]int{"winNumber": 5100}, true)
	require.NoError(t, err)

	state := rec.Retry()
	assert.Equal(t, StatusComplete, state.Status)
	assert.Equal(t, 0, state.Attempts)
	assert.Empty(t, state.LastError)
	assert.JSONEq(t, `{"winNumber":5100}`, string(rec.Data["result"]))
	assert.JSONEq(t, `"keep me"`, string(rec.Data["notes"]))

	_, err = s.IncrementAttempts(ctx, ref, "later")
	require.NoError(t, err)
	rec, err = s.SaveResult(ctx, ref, StatusComplete, map[string]int{"winNumber": 5200}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Retry().Attempts)
}
