package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/DevOcho/d8-chat/internal/domain"
	"github.com/DevOcho/d8-chat/pkg/log"
)

// PebbleStore is an EventStore backed by a local Pebble database.
//
// Key format: conv:<conversationID>:evt:<20-digit zero-padded sequence>.
// Zero-padding keeps byte order equal to numeric order, so a prefix scan
// yields events in sequence order.
type PebbleStore struct {
	db *pebble.DB

	// seqMu guards the seqs map; each conversation additionally gets its
	// own lock so appends to different conversations never serialize on
	// each other.
	seqMu sync.Mutex
	seqs  map[string]*convSeq

	closed bool
}

type convSeq struct {
	mu   sync.Mutex
	last uint64
	init bool
}

// OpenPebble opens (or creates) a Pebble database at path.
func OpenPebble(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}
	log.L().Info().Str("path", path).Msg("event store opened")
	return &PebbleStore{
		db:   db,
		seqs: make(map[string]*convSeq),
	}, nil
}

func eventKey(conversationID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("conv:%s:evt:%020d", conversationID, seq))
}

func eventPrefix(conversationID string) []byte {
	return []byte(fmt.Sprintf("conv:%s:evt:", conversationID))
}

func (s *PebbleStore) Append(ctx context.Context, conversationID string, ev domain.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cs, err := s.sequencer(conversationID)
	if err != nil {
		return 0, err
	}

	// Single-writer discipline per conversation: the sequence is assigned
	// and the event written while holding the conversation lock.
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.init {
		last, err := s.scanLastSequence(conversationID)
		if err != nil {
			return 0, err
		}
		cs.last = last
		cs.init = true
	}

	seq := cs.last + 1
	ev.Sequence = seq
	ev.ConversationID = conversationID

	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := s.db.Set(eventKey(conversationID, seq), data, pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	cs.last = seq

	log.L().Debug().
		Str(log.FieldConversationID, conversationID).
		Uint64(log.FieldSequence, seq).
		Str(log.FieldMessageID, ev.ID).
		Msg("event appended")

	return seq, nil
}

func (s *PebbleStore) ReadRange(ctx context.Context, conversationID string, fromSeqExclusive uint64) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.seqMu.Lock()
	closed := s.closed
	s.seqMu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	prefix := eventPrefix(conversationID)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var out []domain.Event
	for iter.SeekGE(eventKey(conversationID, fromSeqExclusive+1)); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var ev domain.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("corrupt event at %s: %w", iter.Key(), err)
		}
		out = append(out, ev)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PebbleStore) LastSequence(ctx context.Context, conversationID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cs, err := s.sequencer(conversationID)
	if err != nil {
		return 0, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.init {
		last, err := s.scanLastSequence(conversationID)
		if err != nil {
			return 0, err
		}
		cs.last = last
		cs.init = true
	}
	return cs.last, nil
}

func (s *PebbleStore) Close() error {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *PebbleStore) sequencer(conversationID string) (*convSeq, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	cs, ok := s.seqs[conversationID]
	if !ok {
		cs = &convSeq{}
		s.seqs[conversationID] = cs
	}
	return cs, nil
}

// scanLastSequence recovers the highest assigned sequence from disk by
// seeking to the end of the conversation's key range. Called once per
// conversation per process lifetime.
func (s *PebbleStore) scanLastSequence(conversationID string) (uint64, error) {
	prefix := eventPrefix(conversationID)
	// Upper bound: prefix with the last byte bumped, so SeekLT lands on
	// the conversation's final event key.
	upper := append(append([]byte{}, prefix...), 0xff)

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return 0, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	if !iter.Last() || !bytes.HasPrefix(iter.Key(), prefix) {
		return 0, iter.Error()
	}

	var ev domain.Event
	if err := json.Unmarshal(iter.Value(), &ev); err != nil {
		return 0, fmt.Errorf("corrupt event at %s: %w", iter.Key(), err)
	}
	return ev.Sequence, nil
}
