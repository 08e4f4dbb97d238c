// Package store persists the unit-of-work records that own retry state for
// asynchronous jobs. Retry state lives in the record's free-form data document
// under "retry" and the last computed result under "result"; all other keys
// are left untouched.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when the referenced record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a record with the same key already exists.
	ErrConflict = errors.New("record already exists")
)

// Kind names the family of work a record belongs to.
type Kind string

const (
	KindAIContent     Kind = "aiContent"
	KindPathToVictory Kind = "pathToVictory"
	KindCompliance    Kind = "tcrCompliance"
)

// Ref identifies a record.
type Ref struct {
	Kind Kind
	ID   string
}

func (r Ref) String() string {
	return string(r.Kind) + "/" + r.ID
}

// Status is the processing status kept in data.retry.status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further processing is expected.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// RetryStateVersion is the layout version written to data.retry.
const RetryStateVersion = 1

// RetryState is the typed view of data.retry. Every field is optional on
// disk; missing values read as version 1, zero attempts, pending.
type RetryState struct {
	Version   int       `json:"version"`
	Attempts  int       `json:"attempts"`
	Status    Status    `json:"status"`
	LastError string    `json:"lastError,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s RetryState) withDefaults() RetryState {
	if s.Version == 0 {
		s.Version = RetryStateVersion
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	return s
}

const (
	retryKey  = "retry"
	resultKey = "result"
)

// Record is a durable unit of work.
type Record struct {
	Ref
	CampaignID int64
	UserID     string
	Data       map[string]json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Retry decodes data.retry, applying defaults for absent fields.
func (r *Record) Retry() RetryState {
	var s RetryState
	if raw, ok := r.Data[retryKey]; ok {
		// An unreadable document counts as a fresh state
		_ = json.Unmarshal(raw, &s)
	}
	return s.withDefaults()
}

// Status is shorthand for Retry().Status.
func (r *Record) Status() Status {
	return r.Retry().Status
}

// Field decodes data[key] into v. It reports false when the key is absent.
func (r *Record) Field(key string, v any) (bool, error) {
	raw, ok := r.Data[key]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("failed to decode %s.%s: %w", r.Ref, key, err)
	}
	return true, nil
}

// Result decodes data.result into v.
func (r *Record) Result(v any) (bool, error) {
	return r.Field(resultKey, v)
}

func (r *Record) clone() *Record {
	c := *r
	c.Data = make(map[string]json.RawMessage, len(r.Data))
	for k, v := range r.Data {
		c.Data[k] = v
	}
	return &c
}

// Store is the persistence collaborator. Every mutation of retry state is a
// single atomic read-modify-write.
type Store interface {
	Find(ctx context.Context, ref Ref) (*Record, error)
	Create(ctx context.Context, rec *Record) error
	// IncrementAttempts adds exactly one to data.retry.attempts and records lastError.
	IncrementAttempts(ctx context.Context, ref Ref, lastError string) (RetryState, error)
	// Transition sets the status to `to` only when the current status is one of
	// from. It reports whether the status changed.
	Transition(ctx context.Context, ref Ref, from []Status, to Status) (bool, error)
	// SaveResult stores result under data.result and sets the status. With
	// resetAttempts the attempt counter returns to zero.
	SaveResult(ctx context.Context, ref Ref, status Status, result any, resetAttempts bool) (*Record, error)
}
