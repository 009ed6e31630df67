package ssebackplane

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyPayload is returned when constructing an Envelope without data.
var ErrEmptyPayload = errors.New("ssebackplane: envelope payload is empty")

// Envelope is an event queued for delivery: a payload plus an optional group
// tag. When the group tag is set it is written as the SSE event type, so
// browsers dispatch it to addEventListener(group) instead of onmessage.
//
// An Envelope is immutable once constructed and the same instance is shared
// by every connection queue it is pushed into. Callers must not modify the
// slice returned by Payload.
type Envelope struct {
	group    string
	hasGroup bool
	payload  []byte
}

// NewEnvelope returns an untagged envelope. The payload is copied.
func NewEnvelope(payload []byte) (*Envelope, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	return &Envelope{payload: clone(payload)}, nil
}

// NewGroupEnvelope returns an envelope tagged with group.
func NewGroupEnvelope(group string, payload []byte) (*Envelope, error) {
	e, err := NewEnvelope(payload)
	if err != nil {
		return nil, err
	}
	e.group, e.hasGroup = group, true
	return e, nil
}

// NewJSONEnvelope marshals v as the payload of an untagged envelope.
func NewJSONEnvelope(v any) (*Envelope, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ssebackplane: marshal envelope payload: %w", err)
	}
	return NewEnvelope(b)
}

// MustEnvelope is like NewEnvelope for a string payload but panics on error.
// Intended for tests and static messages.
func MustEnvelope(payload string) *Envelope {
	e, err := NewEnvelope([]byte(payload))
	if err != nil {
		panic(err)
	}
	return e
}

// Group returns the group tag and whether one is set.
func (e *Envelope) Group() (string, bool) {
	return e.group, e.hasGroup
}

// Payload returns the event data. The returned slice is shared and must not
// be modified.
func (e *Envelope) Payload() []byte {
	return e.payload
}

// WithGroup returns an envelope tagged with group that shares e's payload.
// If e already carries that tag, e itself is returned.
func (e *Envelope) WithGroup(group string) *Envelope {
	if e.hasGroup && e.group == group {
		return e
	}
	return &Envelope{group: group, hasGroup: true, payload: e.payload}
}

func (e *Envelope) String() string {
	if e.hasGroup {
		return fmt.Sprintf("Envelope{group=%q, %d bytes}", e.group, len(e.payload))
	}
	return fmt.Sprintf("Envelope{%d bytes}", len(e.payload))
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
