// Package failure decides whether a handler error is worth retrying.
package failure

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/campaignkit/campaign-worker/internal/store"
	"github.com/campaignkit/campaign-worker/pkg/messages"
)

// Verdict is the outcome of classifying an error.
type Verdict int

const (
	// Retryable failures leave the message for redelivery.
	Retryable Verdict = iota
	// Permanent failures are escalated and the message is dropped.
	Permanent
)

func (v Verdict) String() string {
	if v == Permanent {
		return "permanent"
	}
	return "retryable"
}

// PermanentError marks an error that redelivery cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// MarkPermanent wraps err so Classify reports Permanent. A nil err stays nil.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// PanicError is a recovered handler panic. It is always Retryable, whatever
// the runtime error text says.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("handler panic: %v", e.Value) }

// invalidInput matches validation failures reported as text by other layers.
var invalidInput = regexp.MustCompile(`(?i)\b(invalid input|validation failed|failed validation|unique constraint)\b`)

// Classify returns Permanent for errors known to be unfixable by redelivery and
// Retryable for everything else, including nil-wrapped unknowns.
func Classify(err error) Verdict {
	if err == nil {
		return Retryable
	}

	var panicked *PanicError
	var permanent *PermanentError
	var decodeErr *messages.DecodeError
	switch {
	case errors.As(err, &panicked):
		return Retryable
	case errors.As(err, &permanent):
		return Permanent
	case errors.As(err, &decodeErr):
		return Permanent
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrConflict):
		return Permanent
	case invalidInput.MatchString(err.Error()):
		return Permanent
	}
	return Retryable
}
