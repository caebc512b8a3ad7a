package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(h *Hub, id, userID, username string) *Client {
	return NewClient(id, userID, username, h, nil, PumpConfig{
		WriteWait:      time.Second,
		PongWait:       time.Second,
		PingInterval:   time.Second,
		MaxMessageSize: 1024,
		SendBuffer:     16,
	})
}

func drain(c *Client) [][]byte {
	var out [][]byte
	for {
		select {
		case msg := <-c.Send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestRegisterAndDeliver(t *testing.T) {
	h := NewHub()
	c := testClient(h, "conn-1", "u-alice", "alice")
	h.Register(c)
	h.Subscribe("conn-1", "conv-1")

	n := h.LocalDeliver("conv-1", []byte(`{"type":"message"}`))
	assert.Equal(t, 1, n)

	frames := drain(c)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"type":"message"}`, string(frames[0]))
}

func TestDeregisterIsIdempotent(t *testing.T) {
	h := NewHub()
	c := testClient(h, "conn-1", "u-alice", "alice")
	h.Register(c)
	h.Subscribe("conn-1", "conv-1")

	h.Deregister("conn-1")
	h.Deregister("conn-1")
	h.Deregister("conn-unknown")

	assert.Zero(t, h.LocalDeliver("conv-1", []byte("x")))
	assert.Zero(t, h.ConnectionCount("u-alice"))
}

func TestDeliveryAfterDeregisterIsNoOp(t *testing.T) {
	h := NewHub()
	c := testClient(h, "conn-1", "u-alice", "alice")
	h.Register(c)
	h.Subscribe("conn-1", "conv-1")
	h.Deregister("conn-1")

	// A snapshot taken before deregistration may still hold the client;
	// enqueue must silently refuse.
	assert.False(t, c.enqueue([]byte("late")))
	assert.Empty(t, drain(c))
}

func TestSubscribeSwitchesConversation(t *testing.T) {
	h := NewHub()
	c := testClient(h, "conn-1", "u-alice", "alice")
	h.Register(c)

	h.Subscribe("conn-1", "conv-1")
	h.Subscribe("conn-1", "conv-2")

	assert.Zero(t, h.LocalDeliver("conv-1", []byte("a")))
	assert.Equal(t, 1, h.LocalDeliver("conv-2", []byte("b")))
	assert.Equal(t, "conv-2", h.ActiveConversation("conn-1"))
}

func TestDeliverToUserReachesAllConnections(t *testing.T) {
	h := NewHub()
	c1 := testClient(h, "conn-1", "u-alice", "alice")
	c2 := testClient(h, "conn-2", "u-alice", "alice")
	c3 := testClient(h, "conn-3", "u-bob", "bob")
	h.Register(c1)
	h.Register(c2)
	h.Register(c3)

	n := h.DeliverToUser("u-alice", []byte("ping"))
	assert.Equal(t, 2, n)
	assert.Len(t, drain(c1), 1)
	assert.Len(t, drain(c2), 1)
	assert.Empty(t, drain(c3))
}

func TestSubscriberUserIDsDeduplicates(t *testing.T) {
	h := NewHub()
	c1 := testClient(h, "conn-1", "u-alice", "alice")
	c2 := testClient(h, "conn-2", "u-alice", "alice")
	c3 := testClient(h, "conn-3", "u-bob", "bob")
	for _, c := range []*Client{c1, c2, c3} {
		h.Register(c)
		h.Subscribe(c.ID, "conv-1")
	}

	ids := h.SubscriberUserIDs("conv-1")
	assert.ElementsMatch(t, []string{"u-alice", "u-bob"}, ids)
	assert.True(t, h.IsUserViewing("conv-1", "u-alice"))
	assert.False(t, h.IsUserViewing("conv-1", "u-carol"))
}

func TestBroadcastAll(t *testing.T) {
	h := NewHub()
	c1 := testClient(h, "conn-1", "u-alice", "alice")
	c2 := testClient(h, "conn-2", "u-bob", "bob")
	h.Register(c1)
	h.Register(c2)

	n := h.BroadcastAll([]byte("status"))
	assert.Equal(t, 2, n)
}

func TestFullSendQueueDropsFrame(t *testing.T) {
	h := NewHub()
	c := NewClient("conn-1", "u-alice", "alice", h, nil, PumpConfig{SendBuffer: 1})
	h.Register(c)
	h.Subscribe("conn-1", "conv-1")

	assert.Equal(t, 1, h.LocalDeliver("conv-1", []byte("a")))
	// Queue full now; the slow client loses the frame, fan-out continues.
	assert.Equal(t, 0, h.LocalDeliver("conv-1", []byte("b")))
	assert.Len(t, drain(c), 1)
}
