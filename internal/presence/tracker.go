package presence

import (
	"sync"
	"time"

	"github.com/DevOcho/d8-chat/pkg/log"
)

// State is a user's presence as derived on this process.
type State string

const (
	StateOnline  State = "online"
	StateAway    State = "away"
	StateOffline State = "offline"
)

// Config tunes the derivation of presence from connection and heartbeat
// activity.
type Config struct {
	// HeartbeatInterval is how often a healthy client is expected to
	// send an application-level ping.
	HeartbeatInterval time.Duration
	// HeartbeatMisses is how many intervals may elapse without a
	// heartbeat before the user is marked offline.
	HeartbeatMisses int
	// IdleAfter is how long without a heartbeat before a connected
	// user is marked away.
	IdleAfter time.Duration
	// DisconnectGrace delays the offline transition after the last
	// connection drops, so a page reload does not flap presence.
	DisconnectGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatMisses:   3,
		// Must stay below HeartbeatInterval*HeartbeatMisses or the
		// offline timer fires first and away is never observed.
		IdleAfter:       time.Minute,
		DisconnectGrace: 10 * time.Second,
	}
}

type entry struct {
	state        State
	connections  int
	lastSeen     time.Time
	awayTimer    *time.Timer
	offlineTimer *time.Timer
	graceTimer   *time.Timer
}

// Tracker derives per-user presence from connection lifecycle events and
// heartbeats. Transitions fire the broadcast callback exactly once per
// state change; repeated heartbeats from an online user are silent.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	users   map[string]*entry
	onState func(userID string, state State)
	stopped bool
}

func NewTracker(cfg Config) *Tracker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatMisses <= 0 {
		cfg.HeartbeatMisses = 3
	}
	return &Tracker{
		cfg:   cfg,
		users: make(map[string]*entry),
	}
}

// SetBroadcast installs the callback invoked on every state transition.
// Must be called before the tracker receives events.
func (t *Tracker) SetBroadcast(fn func(userID string, state State)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

// OnConnect records a new connection for the user. The first connection
// of an offline or unknown user transitions them online.
func (t *Tracker) OnConnect(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	e, ok := t.users[userID]
	if !ok {
		e = &entry{state: StateOffline}
		t.users[userID] = e
	}
	e.connections++
	e.lastSeen = time.Now()
	t.cancelGraceLocked(e)
	t.armTimersLocked(userID, e)
	t.transitionLocked(userID, e, StateOnline)
}

// OnDisconnect records a dropped connection. When the last one goes, the
// user turns offline after a short grace period unless they reconnect.
func (t *Tracker) OnDisconnect(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	e, ok := t.users[userID]
	if !ok {
		return
	}
	if e.connections > 0 {
		e.connections--
	}
	if e.connections > 0 {
		return
	}

	t.cancelGraceLocked(e)
	e.graceTimer = time.AfterFunc(t.cfg.DisconnectGrace, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.stopped {
			return
		}
		e, ok := t.users[userID]
		if !ok || e.connections > 0 {
			return
		}
		t.markOfflineLocked(userID, e)
	})
}

// OnHeartbeat records client activity, re-arming the away and offline
// timers. An away user snaps back to online.
func (t *Tracker) OnHeartbeat(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	e, ok := t.users[userID]
	if !ok || e.connections == 0 {
		return
	}
	e.lastSeen = time.Now()
	t.armTimersLocked(userID, e)
	t.transitionLocked(userID, e, StateOnline)
}

// State returns the user's current presence. Unknown users are offline.
func (t *Tracker) State(userID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.users[userID]; ok {
		return e.state
	}
	return StateOffline
}

// OnlineUserIDs returns every user currently online or away.
func (t *Tracker) OnlineUserIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, e := range t.users {
		if e.state == StateOnline || e.state == StateAway {
			out = append(out, id)
		}
	}
	return out
}

// Stop cancels all pending timers. No transitions fire afterwards.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for _, e := range t.users {
		stopTimer(e.awayTimer)
		stopTimer(e.offlineTimer)
		stopTimer(e.graceTimer)
	}
}

func (t *Tracker) armTimersLocked(userID string, e *entry) {
	stopTimer(e.awayTimer)
	stopTimer(e.offlineTimer)

	if t.cfg.IdleAfter > 0 {
		e.awayTimer = time.AfterFunc(t.cfg.IdleAfter, func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.stopped {
				return
			}
			e, ok := t.users[userID]
			if !ok || e.connections == 0 || e.state != StateOnline {
				return
			}
			t.transitionLocked(userID, e, StateAway)
		})
	}

	deadline := t.cfg.HeartbeatInterval * time.Duration(t.cfg.HeartbeatMisses)
	e.offlineTimer = time.AfterFunc(deadline, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.stopped {
			return
		}
		e, ok := t.users[userID]
		if !ok {
			return
		}
		t.markOfflineLocked(userID, e)
	})
}

func (t *Tracker) markOfflineLocked(userID string, e *entry) {
	stopTimer(e.awayTimer)
	stopTimer(e.offlineTimer)
	t.transitionLocked(userID, e, StateOffline)
	if e.connections == 0 {
		delete(t.users, userID)
	}
}

func (t *Tracker) cancelGraceLocked(e *entry) {
	stopTimer(e.graceTimer)
	e.graceTimer = nil
}

// transitionLocked applies the new state and fires the broadcast if it
// actually changed. The callback runs outside the lock.
func (t *Tracker) transitionLocked(userID string, e *entry, to State) {
	if e.state == to {
		return
	}
	from := e.state
	e.state = to
	log.L().Debug().
		Str(log.FieldUserID, userID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("presence transition")
	if t.onState != nil {
		go t.onState(userID, to)
	}
}

func stopTimer(tm *time.Timer) {
	if tm != nil {
		tm.Stop()
	}
}
