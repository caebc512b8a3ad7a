package domain

import "time"

// EventKind discriminates persisted chat events. Edits and deletions are
// appended as new events referencing the original message; delivered
// history is never mutated in place.
type EventKind string

const (
	EventMessageCreated EventKind = "message_created"
	EventMessageEdited  EventKind = "message_edited"
	EventMessageDeleted EventKind = "message_deleted"
)

// Event is one immutable entry in a conversation's append log. Sequence
// is assigned by the event store at append time and is strictly
// increasing within the conversation.
type Event struct {
	ID              string    `json:"id"`
	Kind            EventKind `json:"kind"`
	ConversationID  string    `json:"conversation_id"`
	Sequence        uint64    `json:"sequence"`
	AuthorID        string    `json:"author_id"`
	AuthorName      string    `json:"author_name"`
	BodyRef         string    `json:"body_ref"`
	ParentMessageID string    `json:"parent_message_id,omitempty"`
	AttachmentIDs   []string  `json:"attachment_ids,omitempty"`
	RefID           string    `json:"ref_id,omitempty"` // original message id for edits/deletes
	CreatedAt       time.Time `json:"created_at"`
}

// MentionTrigger names what caused a mention to resolve.
type MentionTrigger string

const (
	TriggerUsername MentionTrigger = "username"
	TriggerHere     MentionTrigger = "here"
	TriggerChannel  MentionTrigger = "channel"
)

// Mention is a resolved notification target for one message. It is
// computed once per message and drives notification fan-out only; it is
// never stored.
type Mention struct {
	MessageID string
	UserID    string
	Trigger   MentionTrigger
}
