package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local runs
type MemoryStore struct {
	mu      sync.Mutex
	records map[Ref]*Record
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[Ref]*Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) Find(ctx context.Context, ref Ref) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[ref]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return rec.clone(), nil
}

func (s *MemoryStore) Create(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.Ref]; ok {
		return fmt.Errorf("%s: %w", rec.Ref, ErrConflict)
	}

	now := s.now()
	c := rec.clone()
	c.CreatedAt = now
	c.UpdatedAt = now
	s.records[rec.Ref] = c

	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

func (s *MemoryStore) IncrementAttempts(ctx context.Context, ref Ref, lastError string) (RetryState, error) {
	var state RetryState
	err := s.mutate(ref, func(rec *Record) {
		state = rec.Retry()
		state.Attempts++
		state.LastError = lastError
		state.UpdatedAt = s.now()
		rec.Data[retryKey] = mustMarshal(state)
	})
	return state, err
}

func (s *MemoryStore) Transition(ctx context.Context, ref Ref, from []Status, to Status) (bool, error) {
	changed := false
	err := s.mutate(ref, func(rec *Record) {
		state := rec.Retry()
		if !slices.Contains(from, state.Status) {
			return
		}
		state.Status = to
		state.UpdatedAt = s.now()
		rec.Data[retryKey] = mustMarshal(state)
		changed = true
	})
	return changed, err
}

func (s *MemoryStore) SaveResult(ctx context.Context, ref Ref, status Status, result any, resetAttempts bool) (*Record, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	var out *Record
	err = s.mutate(ref, func(rec *Record) {
		state := rec.Retry()
		state.Status = status
		state.UpdatedAt = s.now()
		if resetAttempts {
			state.Attempts = 0
			state.LastError = ""
		}
		rec.Data[retryKey] = mustMarshal(state)
		rec.Data[resultKey] = payload
		out = rec.clone()
	})
	return out, err
}

// Put stores rec as-is, replacing any existing record. Tests use it to seed state.
func (s *MemoryStore) Put(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Ref] = rec.clone()
}

func (s *MemoryStore) mutate(ref Ref, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[ref]
	if !ok {
		return fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if rec.Data == nil {
		rec.Data = make(map[string]json.RawMessage)
	}
	fn(rec)
	rec.UpdatedAt = s.now()
	return nil
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
