package roster

import (
	"context"
	"errors"

	"github.com/DevOcho/d8-chat/internal/domain"
)

// ErrUnknownConversation reports a lookup against a conversation the
// roster has never seen.
var ErrUnknownConversation = errors.New("roster: unknown conversation")

// Member is one user belonging to a conversation.
type Member struct {
	UserID   string
	Username string
}

// Provider resolves conversation membership. The dispatch pipeline
// consults it for mention resolution and direct-message notification
// targets.
type Provider interface {
	// Conversation returns the conversation's metadata.
	Conversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	// Members returns the full membership of a conversation.
	Members(ctx context.Context, conversationID string) ([]Member, error)
}
