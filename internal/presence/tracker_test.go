package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transition struct {
	userID string
	state  State
}

type transitionRecorder struct {
	mu   sync.Mutex
	seen []transition
}

func (r *transitionRecorder) record(userID string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, transition{userID: userID, state: state})
}

func (r *transitionRecorder) all() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.seen...)
}

func (r *transitionRecorder) lastState(userID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.seen) - 1; i >= 0; i-- {
		if r.seen[i].userID == userID {
			return r.seen[i].state, true
		}
	}
	return "", false
}

func TestConnectTransitionsOnline(t *testing.T) {
	rec := &transitionRecorder{}
	tr := NewTracker(DefaultConfig())
	defer tr.Stop()
	tr.SetBroadcast(rec.record)

	tr.OnConnect("u-alice")

	assert.Equal(t, StateOnline, tr.State("u-alice"))
	assert.Eventually(t, func() bool {
		s, ok := rec.lastState("u-alice")
		return ok && s == StateOnline
	}, time.Second, 10*time.Millisecond)
}

func TestSecondConnectionDoesNotRebroadcast(t *testing.T) {
	rec := &transitionRecorder{}
	tr := NewTracker(DefaultConfig())
	defer tr.Stop()
	tr.SetBroadcast(rec.record)

	tr.OnConnect("u-alice")
	tr.OnConnect("u-alice")
	tr.OnHeartbeat("u-alice")

	assert.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.all(), 1, "only the offline->online transition broadcasts")
}

func TestMissedHeartbeatsTurnUserOffline(t *testing.T) {
	rec := &transitionRecorder{}
	tr := NewTracker(Config{
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatMisses:   2,
		IdleAfter:         time.Hour,
		DisconnectGrace:   time.Hour,
	})
	defer tr.Stop()
	tr.SetBroadcast(rec.record)

	tr.OnConnect("u-alice")
	require.Equal(t, StateOnline, tr.State("u-alice"))

	// No heartbeats: offline after interval * misses.
	assert.Eventually(t, func() bool {
		return tr.State("u-alice") == StateOffline
	}, time.Second, 10*time.Millisecond)

	s, ok := rec.lastState("u-alice")
	require.True(t, ok)
	assert.Equal(t, StateOffline, s)
}

func TestHeartbeatKeepsUserOnline(t *testing.T) {
	tr := NewTracker(Config{
		HeartbeatInterval: 30 * time.Millisecond,
		HeartbeatMisses:   2,
		IdleAfter:         time.Hour,
		DisconnectGrace:   time.Hour,
	})
	defer tr.Stop()
	tr.SetBroadcast(func(string, State) {})

	tr.OnConnect("u-alice")
	for i := 0; i < 5; i++ {
		time.Sleep(25 * time.Millisecond)
		tr.OnHeartbeat("u-alice")
		require.Equal(t, StateOnline, tr.State("u-alice"))
	}
}

func TestIdleUserTurnsAway(t *testing.T) {
	tr := NewTracker(Config{
		HeartbeatInterval: time.Hour,
		HeartbeatMisses:   3,
		IdleAfter:         30 * time.Millisecond,
		DisconnectGrace:   time.Hour,
	})
	defer tr.Stop()
	tr.SetBroadcast(func(string, State) {})

	tr.OnConnect("u-alice")
	assert.Eventually(t, func() bool {
		return tr.State("u-alice") == StateAway
	}, time.Second, 10*time.Millisecond)

	// Activity snaps away back to online.
	tr.OnHeartbeat("u-alice")
	assert.Equal(t, StateOnline, tr.State("u-alice"))
}

func TestLastDisconnectTurnsOfflineAfterGrace(t *testing.T) {
	tr := NewTracker(Config{
		HeartbeatInterval: time.Hour,
		HeartbeatMisses:   3,
		IdleAfter:         time.Hour,
		DisconnectGrace:   30 * time.Millisecond,
	})
	defer tr.Stop()
	tr.SetBroadcast(func(string, State) {})

	tr.OnConnect("u-alice")
	tr.OnConnect("u-alice")

	tr.OnDisconnect("u-alice")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateOnline, tr.State("u-alice"), "one connection still open")

	tr.OnDisconnect("u-alice")
	assert.Eventually(t, func() bool {
		return tr.State("u-alice") == StateOffline
	}, time.Second, 10*time.Millisecond)
}

func TestReconnectWithinGraceCancelsOffline(t *testing.T) {
	rec := &transitionRecorder{}
	tr := NewTracker(Config{
		HeartbeatInterval: time.Hour,
		HeartbeatMisses:   3,
		IdleAfter:         time.Hour,
		DisconnectGrace:   50 * time.Millisecond,
	})
	defer tr.Stop()
	tr.SetBroadcast(rec.record)

	tr.OnConnect("u-alice")
	tr.OnDisconnect("u-alice")
	tr.OnConnect("u-alice")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateOnline, tr.State("u-alice"), "reconnect inside grace must not flap")
}

func TestOnlineUserIDs(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	defer tr.Stop()
	tr.SetBroadcast(func(string, State) {})

	tr.OnConnect("u-alice")
	tr.OnConnect("u-bob")

	assert.ElementsMatch(t, []string{"u-alice", "u-bob"}, tr.OnlineUserIDs())
	assert.Equal(t, StateOffline, tr.State("u-carol"))
}

func TestDefaultIdleThresholdPrecedesOfflineDeadline(t *testing.T) {
	cfg := DefaultConfig()
	offline := cfg.HeartbeatInterval * time.Duration(cfg.HeartbeatMisses)
	assert.Less(t, cfg.IdleAfter, offline, "away would be unreachable if the offline timer fired first")
}
