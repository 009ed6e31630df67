package ssebackplane

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeRejectsEmptyPayload(t *testing.T) {
	_, err := NewEnvelope(nil)
	assert.True(t, errors.Is(err, ErrEmptyPayload))

	_, err = NewGroupEnvelope("room1", []byte{})
	assert.True(t, errors.Is(err, ErrEmptyPayload))
}

func TestEnvelopeCopiesPayload(t *testing.T) {
	src := []byte("hello")
	e, err := NewEnvelope(src)
	require.NoError(t, err)

	src[0] = 'j'
	assert.Equal(t, "hello", string(e.Payload()))
}

func TestEnvelopeWithGroup(t *testing.T) {
	e := MustEnvelope("hi")
	_, ok := e.Group()
	assert.False(t, ok)

	tagged := e.WithGroup("room1")
	g, ok := tagged.Group()
	assert.True(t, ok)
	assert.Equal(t, "room1", g)

	// original untouched, payload shared
	_, ok = e.Group()
	assert.False(t, ok)
	assert.Same(t, &e.Payload()[0], &tagged.Payload()[0])

	// same tag is a no-op
	assert.Same(t, tagged, tagged.WithGroup("room1"))
	assert.NotSame(t, tagged, tagged.WithGroup("room2"))
}

func TestNewJSONEnvelope(t *testing.T) {
	e, err := NewJSONEnvelope(struct {
		Message string `json:"message"`
	}{"hi"})
	require.NoError(t, err)
	assert.Equal(t, `{"message":"hi"}`, string(e.Payload()))

	_, err = NewJSONEnvelope(func() {})
	assert.Error(t, err)
}

func TestEnvelopeString(t *testing.T) {
	assert.Equal(t, "Envelope{2 bytes}", MustEnvelope("hi").String())
	assert.Equal(t, `Envelope{group="g", 2 bytes}`, MustEnvelope("hi").WithGroup("g").String())
}
