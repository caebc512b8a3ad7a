package broker

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeKind discriminates what travels over the cluster bus.
type EnvelopeKind string

const (
	EnvMessage  EnvelopeKind = "message"
	EnvTyping   EnvelopeKind = "typing"
	EnvPresence EnvelopeKind = "presence"
	EnvNotify   EnvelopeKind = "notify"
)

// Channel naming for the cluster bus. Conversation traffic is keyed per
// conversation; presence, typing, and notification signals share one
// cluster-wide channel.
const (
	channelConversation = "chat:conv:%s"
	PatternConversation = "chat:conv:*"
	ChannelCluster      = "chat:cluster"
)

// ConversationChannel returns the bus channel for a conversation.
func ConversationChannel(conversationID string) string {
	return fmt.Sprintf(channelConversation, conversationID)
}

// Envelope is one message on the cluster bus. Origin carries the
// publishing instance id so a process can skip its own echoes: local
// delivery happens at publish time, before the bus round trip.
//
// The bus makes no cross-process ordering promise; consumers order
// message events by sequence number, never by arrival.
type Envelope struct {
	Kind           EnvelopeKind    `json:"kind"`
	Origin         string          `json:"origin"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewEnvelope creates an envelope with the current timestamp.
func NewEnvelope(kind EnvelopeKind, origin, conversationID string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Kind:           kind,
		Origin:         origin,
		ConversationID: conversationID,
		Payload:        data,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// UnmarshalPayload unmarshals the envelope payload into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// TypingSignal is the payload of an EnvTyping envelope. Every instance
// feeds remote signals into its local aggregator, so each process holds
// the full typing set and handles expiry on its own clock.
type TypingSignal struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Username       string `json:"username"`
	Typing         bool   `json:"typing"`
}

// PresenceSignal is the payload of an EnvPresence envelope, published
// only on state transitions.
type PresenceSignal struct {
	UserID string `json:"user_id"`
	State  string `json:"state"`
}

// NotifySignal is the payload of an EnvNotify envelope: a resolved
// notification that must reach the target user's connections on every
// instance.
type NotifySignal struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Tag            string `json:"tag"`
	Sound          bool   `json:"sound"`
}
