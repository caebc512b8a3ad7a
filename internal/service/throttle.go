package service

import (
	"sync"
	"time"
)

// notifyThrottle rate-limits notifications per (user, conversation) so a
// burst of mentions in one conversation produces one alert, not one per
// message.
type notifyThrottle struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

func newNotifyThrottle(window time.Duration) *notifyThrottle {
	return &notifyThrottle{
		window: window,
		last:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether a notification may fire now, and records it if
// so.
func (t *notifyThrottle) Allow(userID, conversationID string) bool {
	if t.window <= 0 {
		return true
	}
	key := userID + "|" + conversationID
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.window {
		return false
	}
	t.last[key] = now
	return true
}
