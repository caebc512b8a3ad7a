package store

import (
	"context"
	"sync"

	"github.com/DevOcho/d8-chat/internal/domain"
)

// MemoryStore is an in-memory EventStore with the same sequencing
// contract as PebbleStore. Used in tests and single-process development
// where durability across restarts is not needed.
type MemoryStore struct {
	mu     sync.Mutex
	convs  map[string]*memoryLog
	closed bool
}

type memoryLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*memoryLog)}
}

func (s *MemoryStore) Append(ctx context.Context, conversationID string, ev domain.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l, err := s.logFor(conversationID)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	seq := uint64(len(l.events)) + 1
	ev.Sequence = seq
	ev.ConversationID = conversationID
	l.events = append(l.events, ev)
	return seq, nil
}

func (s *MemoryStore) ReadRange(ctx context.Context, conversationID string, fromSeqExclusive uint64) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, err := s.logFor(conversationID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if fromSeqExclusive >= uint64(len(l.events)) {
		return nil, nil
	}
	tail := l.events[fromSeqExclusive:]
	out := make([]domain.Event, len(tail))
	copy(out, tail)
	return out, nil
}

func (s *MemoryStore) LastSequence(ctx context.Context, conversationID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l, err := s.logFor(conversationID)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.events)), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) logFor(conversationID string) (*memoryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	l, ok := s.convs[conversationID]
	if !ok {
		l = &memoryLog{}
		s.convs[conversationID] = l
	}
	return l, nil
}
