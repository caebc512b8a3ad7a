package domain

// ConversationKind classifies a conversation for subscription and
// notification purposes.
type ConversationKind string

const (
	KindChannel        ConversationKind = "channel"
	KindPrivateChannel ConversationKind = "private_channel"
	KindDirect         ConversationKind = "direct"
	KindThread         ConversationKind = "thread"
)

// Conversation is the unit of sequencing and subscription: a channel, a
// DM pair, or a message thread. The sequence counter itself lives in the
// event store, keyed by ID.
type Conversation struct {
	ID   string           `json:"id"`
	Kind ConversationKind `json:"kind"`
}

// IsDirect reports whether every co-member should be alerted to new
// messages even without an explicit mention.
func (c Conversation) IsDirect() bool {
	return c.Kind == KindDirect
}
