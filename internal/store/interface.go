package store

import (
	"context"
	"errors"

	"github.com/DevOcho/d8-chat/internal/domain"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("event store closed")

// EventStore is the durable, strictly-ordered append log of chat events.
// Append assigns the event's sequence number atomically with respect to
// other concurrent appends to the same conversation: two appends to one
// conversation never observe the same sequence.
type EventStore interface {
	// Append persists ev under the next sequence for its conversation
	// and returns the assigned sequence.
	Append(ctx context.Context, conversationID string, ev domain.Event) (uint64, error)

	// ReadRange returns all events with sequence > fromSeqExclusive for
	// the conversation, in ascending sequence order. It is the resync
	// read path: the result has no gaps and no duplicates.
	ReadRange(ctx context.Context, conversationID string, fromSeqExclusive uint64) ([]domain.Event, error)

	// LastSequence returns the highest assigned sequence for the
	// conversation, or zero if it has no events.
	LastSequence(ctx context.Context, conversationID string) (uint64, error)

	Close() error
}
