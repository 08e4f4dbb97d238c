// Package messages defines the job messages exchanged over the campaign work
// queue. The Type enumeration and the wire shape of each variant are the only
// contract producers and the worker share; new types are added without
// changing existing ones.
package messages

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Type identifies a message variant on the wire.
type Type string

const (
	TypeGenerateAIContent     Type = "generateAiContent"
	TypePathToVictory         Type = "pathToVictory"
	TypeComplianceStatusCheck Type = "tcrComplianceStatusCheck"
)

// CurrentVersion is the envelope version written by Encode.
const CurrentVersion = 1

// Message is implemented by every payload variant.
type Message interface {
	Type() Type
	Validate() error
	// GroupKey returns the default ordering partition for the message.
	GroupKey() string
}

// Envelope is the outer wire shape: {"type", "version", "data"}.
type Envelope struct {
	Type    Type            `json:"type"`
	Version int             `json:"version,omitempty"`
	Data    json.RawMessage `json:"data"`
}

type variant struct {
	maxVersion int
	new        func() Message
}

var registry = map[Type]variant{
	TypeGenerateAIContent:     {maxVersion: 1, new: func() Message { return &GenerateAIContent{} }},
	TypePathToVictory:         {maxVersion: 1, new: func() Message { return &PathToVictory{} }},
	TypeComplianceStatusCheck: {maxVersion: 1, new: func() Message { return &ComplianceStatusCheck{} }},
}

// Known reports whether t is a registered message type.
func (t Type) Known() bool {
	_, ok := registry[t]
	return ok
}

// Types returns all registered message types in lexical order.
func Types() []Type {
	out := make([]Type, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DecodeError reports a message body that can never be processed: malformed
// JSON, an unknown type, an unsupported version or a payload that fails
// validation.
type DecodeError struct {
	Type   Type
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "invalid message"
	if e.Type != "" {
		msg = fmt.Sprintf("invalid %s message", e.Type)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", msg, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", msg, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is, or wraps, a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Decode parses a queue body into its typed variant. Any error returned is a
// *DecodeError.
func Decode(body []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &DecodeError{Reason: "malformed envelope", Err: err}
	}

	v, ok := registry[env.Type]
	if !ok {
		return nil, &DecodeError{Type: env.Type, Reason: fmt.Sprintf("unknown message type %q", env.Type)}
	}

	version := env.Version
	if version == 0 {
		version = 1
	}
	if version < 0 || version > v.maxVersion {
		return nil, &DecodeError{Type: env.Type, Reason: fmt.Sprintf("unsupported version %d", env.Version)}
	}

	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, &DecodeError{Type: env.Type, Reason: "missing data"}
	}

	msg := v.new()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, &DecodeError{Type: env.Type, Reason: "malformed data", Err: err}
	}
	if err := msg.Validate(); err != nil {
		return nil, &DecodeError{Type: env.Type, Reason: "validation failed", Err: err}
	}

	return msg, nil
}

// Encode validates msg and marshals it into an envelope.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("cannot encode nil message")
	}
	if !msg.Type().Known() {
		return nil, fmt.Errorf("cannot encode unknown message type %q", msg.Type())
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", msg.Type(), err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s data: %w", msg.Type(), err)
	}

	body, err := json.Marshal(Envelope{
		Type:    msg.Type(),
		Version: CurrentVersion,
		Data:    data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return body, nil
}
