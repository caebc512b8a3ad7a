package typing

import (
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long a typing indicator survives without renewal.
const DefaultTTL = 1500 * time.Millisecond

// Typist is one user currently composing in a conversation.
type Typist struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type typistEntry struct {
	username string
	expire   *time.Timer
}

// Aggregator tracks who is typing in each conversation. Start signals
// renew a per-user expiry timer; expiry or an explicit stop removes the
// user. Every change to a conversation's typist set fires the onChange
// callback with a fresh snapshot, so each process can rebroadcast the
// full set to its local viewers.
type Aggregator struct {
	mu       sync.Mutex
	ttl      time.Duration
	convs    map[string]map[string]*typistEntry // conversationID -> userID -> entry
	onChange func(conversationID string, typists []Typist)
	stopped  bool
}

func NewAggregator(ttl time.Duration, onChange func(conversationID string, typists []Typist)) *Aggregator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Aggregator{
		ttl:      ttl,
		convs:    make(map[string]map[string]*typistEntry),
		onChange: onChange,
	}
}

// Start marks the user as typing, renewing the expiry if they already
// were. Only an actual set change notifies.
func (a *Aggregator) Start(conversationID, userID, username string) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}

	users, ok := a.convs[conversationID]
	if !ok {
		users = make(map[string]*typistEntry)
		a.convs[conversationID] = users
	}

	if e, ok := users[userID]; ok {
		e.expire.Reset(a.ttl)
		a.mu.Unlock()
		return
	}

	users[userID] = &typistEntry{
		username: username,
		expire: time.AfterFunc(a.ttl, func() {
			a.remove(conversationID, userID)
		}),
	}
	snap := a.snapshotLocked(conversationID)
	a.mu.Unlock()

	a.notify(conversationID, snap)
}

// Stop removes the user's typing indicator immediately.
func (a *Aggregator) Stop(conversationID, userID string) {
	a.remove(conversationID, userID)
}

// Typists returns the current typist set for a conversation, ordered by
// user id for stable output.
func (a *Aggregator) Typists(conversationID string) []Typist {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked(conversationID)
}

// Close cancels every pending expiry. The aggregator ignores further
// signals and fires no more callbacks.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for _, users := range a.convs {
		for _, e := range users {
			e.expire.Stop()
		}
	}
	a.convs = make(map[string]map[string]*typistEntry)
}

func (a *Aggregator) remove(conversationID, userID string) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	users, ok := a.convs[conversationID]
	if !ok {
		a.mu.Unlock()
		return
	}
	e, ok := users[userID]
	if !ok {
		a.mu.Unlock()
		return
	}
	e.expire.Stop()
	delete(users, userID)
	if len(users) == 0 {
		delete(a.convs, conversationID)
	}
	snap := a.snapshotLocked(conversationID)
	a.mu.Unlock()

	a.notify(conversationID, snap)
}

func (a *Aggregator) snapshotLocked(conversationID string) []Typist {
	users := a.convs[conversationID]
	out := make([]Typist, 0, len(users))
	for id, e := range users {
		out = append(out, Typist{UserID: id, Username: e.username})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (a *Aggregator) notify(conversationID string, typists []Typist) {
	if a.onChange != nil {
		a.onChange(conversationID, typists)
	}
}
