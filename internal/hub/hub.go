package hub

import (
	"encoding/json"
	"sync"

	"github.com/DevOcho/d8-chat/internal/metrics"
	"github.com/DevOcho/d8-chat/pkg/log"
)

// Hub is the per-process connection registry. It owns every connection
// accepted by this process, indexed by connection id, by user, and by
// the one conversation the connection is actively viewing.
//
// Fan-out iterates snapshots taken under RLock and pushes onto buffered
// per-connection queues, so register/deregister never block delivery and
// a delivery racing a deregister degrades to a silent no-op.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client            // connectionID -> client
	byUser  map[string]map[string]*Client // userID -> connectionID -> client
	byConv  map[string]map[string]*Client // conversationID -> connectionID -> client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		byUser:  make(map[string]map[string]*Client),
		byConv:  make(map[string]map[string]*Client),
	}
}

// Register adds a connection to the registry.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c.ID] = c
	if _, ok := h.byUser[c.UserID]; !ok {
		h.byUser[c.UserID] = make(map[string]*Client)
	}
	h.byUser[c.UserID][c.ID] = c

	metrics.ActiveConnections.Inc()
	log.L().Debug().
		Str(log.FieldConnectionID, c.ID).
		Str(log.FieldUserID, c.UserID).
		Msg("connection registered")
}

// Deregister removes a connection. Idempotent: deregistering an unknown
// or already-removed connection is a no-op. Pending deliveries to the
// removed connection land in its buffered queue and are discarded with it.
func (h *Hub) Deregister(connectionID string) {
	h.mu.Lock()
	c, ok := h.clients[connectionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, connectionID)

	if conns, ok := h.byUser[c.UserID]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(h.byUser, c.UserID)
		}
	}
	h.unsubscribeLocked(c)
	h.mu.Unlock()

	c.shutdown()
	metrics.ActiveConnections.Dec()
	log.L().Debug().
		Str(log.FieldConnectionID, connectionID).
		Str(log.FieldUserID, c.UserID).
		Msg("connection deregistered")
}

// Subscribe makes conversationID the connection's active conversation,
// leaving the previous one first so a connection only ever views one
// conversation at a time.
func (h *Hub) Subscribe(connectionID, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connectionID]
	if !ok {
		return
	}
	h.unsubscribeLocked(c)

	if _, ok := h.byConv[conversationID]; !ok {
		h.byConv[conversationID] = make(map[string]*Client)
	}
	h.byConv[conversationID][c.ID] = c
	c.conversationID = conversationID

	log.L().Debug().
		Str(log.FieldConnectionID, connectionID).
		Str(log.FieldConversationID, conversationID).
		Msg("connection subscribed")
}

// Unsubscribe detaches the connection from its active conversation.
func (h *Hub) Unsubscribe(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[connectionID]; ok {
		h.unsubscribeLocked(c)
	}
}

func (h *Hub) unsubscribeLocked(c *Client) {
	if c.conversationID == "" {
		return
	}
	if conns, ok := h.byConv[c.conversationID]; ok {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(h.byConv, c.conversationID)
		}
	}
	c.conversationID = ""
}

// LocalDeliver sends raw payload to every connection viewing the
// conversation and reports how many were reached.
func (h *Hub) LocalDeliver(conversationID string, payload []byte) int {
	return h.deliver(h.Subscribers(conversationID), payload)
}

// DeliverToUser sends raw payload to every connection owned by a user.
func (h *Hub) DeliverToUser(userID string, payload []byte) int {
	h.mu.RLock()
	targets := snapshot(h.byUser[userID])
	h.mu.RUnlock()
	return h.deliver(targets, payload)
}

// BroadcastAll sends raw payload to every connection on this process.
func (h *Hub) BroadcastAll(payload []byte) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	return h.deliver(targets, payload)
}

// DeliverFrame marshals v once and delivers it to the conversation.
func (h *Hub) DeliverFrame(conversationID string, v interface{}) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return h.LocalDeliver(conversationID, data), nil
}

// Subscribers returns a snapshot of the connections viewing a conversation.
func (h *Hub) Subscribers(conversationID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return snapshot(h.byConv[conversationID])
}

// SubscriberUserIDs returns the distinct users with at least one
// connection viewing the conversation.
func (h *Hub) SubscriberUserIDs(conversationID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, c := range h.byConv[conversationID] {
		if _, ok := seen[c.UserID]; ok {
			continue
		}
		seen[c.UserID] = struct{}{}
		out = append(out, c.UserID)
	}
	return out
}

// ActiveConversation returns the conversation the connection currently
// views, or empty if none.
func (h *Hub) ActiveConversation(connectionID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[connectionID]; ok {
		return c.conversationID
	}
	return ""
}

// IsUserViewing reports whether the user has any connection actively
// viewing the conversation. Decides sound-vs-notification for alerts.
func (h *Hub) IsUserViewing(conversationID, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.byConv[conversationID] {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// ConnectionCount returns the number of live connections for a user.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

func (h *Hub) deliver(targets []*Client, payload []byte) int {
	n := 0
	for _, c := range targets {
		if c.enqueue(payload) {
			n++
		}
	}
	if n > 0 {
		metrics.FramesDelivered.Add(float64(n))
	}
	return n
}

func snapshot(m map[string]*Client) []*Client {
	out := make([]*Client, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}
