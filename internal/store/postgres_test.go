package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPgStore connects to WORKER_TEST_DATABASE_URL or skips the test
func newTestPgStore(t *testing.T) *PgStore {
	t.Helper()

	dsn := os.Getenv("WORKER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WORKER_TEST_DATABASE_URL not set, skipping PostgreSQL tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewPgStore(ctx, dsn, PoolConfig{MaxConns: 4})
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(s.Close)
	return s
}

func uniqueRef(kind Kind) Ref {
	return Ref{Kind: kind, ID: fmt.Sprintf("test-%d", time.Now().UnixNano())}
}

func TestPgStore_RetryLifecycle(t *testing.T) {
	s := newTestPgStore(t)
	ctx := context.Background()
	ref := uniqueRef(KindPathToVictory)

	require.NoError(t, s.Create(ctx, &Record{Ref: ref, CampaignID: 42, UserID: "u-42"}))
	assert.True(t, errors.Is(s.Create(ctx, &Record{Ref: ref}), ErrConflict))

	for want := 1; want <= 3; want++ {
		state, err := s.IncrementAttempts(ctx, ref, "provider timeout")
		require.NoError(t, err)
		assert.Equal(t, want, state.Attempts)
		assert.Equal(t, StatusPending, state.Status)
	}

	changed, err := s.Transition(ctx, ref, []Status{StatusPending, StatusActive}, StatusFailed)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Transition(ctx, ref, []Status{StatusPending, StatusActive}, StatusFailed)
	require.NoError(t, err)
	assert.False(t, changed)

	rec, err := s.SaveResult(ctx, ref, StatusComplete, map[string]any{"winNumber": 5100}, true)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, rec.Status())
	assert.Equal(t, 0, rec.Retry().Attempts)
	assert.Empty(t, rec.Retry().LastError)
	assert.Equal(t, int64(42), rec.CampaignID)
	assert.JSONEq(t, `{"winNumber":5100}`, string(rec.Data["result"]))
}

func TestPgStore_NotFound(t *testing.T) {
	s := newTestPgStore(t)
	ctx := context.Background()
	ref := uniqueRef(KindCompliance)

	_, err := s.Find(ctx, ref)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.IncrementAttempts(ctx, ref, "x")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.Transition(ctx, ref, []Status{StatusPending}, StatusActive)
	assert.True(t, errors.Is(err, ErrNotFound))
}
