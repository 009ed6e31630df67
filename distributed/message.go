package distributed

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mroth/ssebackplane"
)

// Kind is the addressing mode of a Message.
type Kind string

const (
	KindClient  Kind = "client"
	KindClients Kind = "clients"
	KindAll     Kind = "all"
	KindGroup   Kind = "group"
	KindGroups  Kind = "groups"

	// KindJoin and KindLeave forward a membership change to the node hosting
	// the connection in Targets. They carry no payload.
	KindJoin  Kind = "join"
	KindLeave Kind = "leave"
)

func (k Kind) valid() bool {
	switch k {
	case KindClient, KindClients, KindAll, KindGroup, KindGroups, KindJoin, KindLeave:
		return true
	}
	return false
}

// Message is the unit exchanged between nodes. Targets holds connection ids
// for client sends and group names for group sends; it is empty for KindAll.
// Group and HasGroup carry the envelope's own event tag.
type Message struct {
	Origin   string   `json:"origin"`
	Kind     Kind     `json:"kind"`
	Targets  []string `json:"targets,omitempty"`
	Group    string   `json:"group,omitempty"`
	HasGroup bool     `json:"hasGroup,omitempty"`
	Payload  []byte   `json:"payload,omitempty"`
}

// ErrInvalidMessage is returned for messages that cannot be delivered.
var ErrInvalidMessage = errors.New("distributed: invalid message")

func newMessage(origin string, kind Kind, targets []string, env *ssebackplane.Envelope) *Message {
	g, ok := env.Group()
	return &Message{
		Origin:   origin,
		Kind:     kind,
		Targets:  targets,
		Group:    g,
		HasGroup: ok,
		Payload:  env.Payload(),
	}
}

// Marshal encodes m for the wire.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalMessage decodes and validates a wire message.
func UnmarshalMessage(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !m.Kind.valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	// without an origin a node cannot recognise its own messages
	if m.Origin == "" {
		return nil, fmt.Errorf("%w: missing origin", ErrInvalidMessage)
	}
	if len(m.Targets) == 0 && m.Kind != KindAll {
		return nil, fmt.Errorf("%w: %s message without targets", ErrInvalidMessage, m.Kind)
	}
	switch m.Kind {
	case KindJoin, KindLeave:
		if m.Group == "" {
			return nil, fmt.Errorf("%w: %s message without group", ErrInvalidMessage, m.Kind)
		}
	default:
		if len(m.Payload) == 0 {
			return nil, fmt.Errorf("%w: empty payload", ErrInvalidMessage)
		}
	}
	return &m, nil
}

// Envelope rebuilds the envelope carried by m.
func (m *Message) Envelope() (*ssebackplane.Envelope, error) {
	if m.HasGroup {
		return ssebackplane.NewGroupEnvelope(m.Group, m.Payload)
	}
	return ssebackplane.NewEnvelope(m.Payload)
}
