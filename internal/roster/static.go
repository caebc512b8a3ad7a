package roster

import (
	"context"
	"sync"

	"github.com/DevOcho/d8-chat/internal/domain"
)

// StaticProvider serves membership from memory. Used in tests and in
// single-box deployments that feed the roster from config.
type StaticProvider struct {
	mu      sync.RWMutex
	convs   map[string]domain.Conversation
	members map[string][]Member
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		convs:   make(map[string]domain.Conversation),
		members: make(map[string][]Member),
	}
}

// AddConversation registers a conversation and its members, replacing
// any previous roster for the same id.
func (s *StaticProvider) AddConversation(conv domain.Conversation, members ...Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = conv
	s.members[conv.ID] = append([]Member(nil), members...)
}

func (s *StaticProvider) Conversation(_ context.Context, conversationID string) (domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return domain.Conversation{}, ErrUnknownConversation
	}
	return conv, nil
}

func (s *StaticProvider) Members(_ context.Context, conversationID string) ([]Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.members[conversationID]
	if !ok {
		return nil, ErrUnknownConversation
	}
	return append([]Member(nil), members...), nil
}
