package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DevOcho/d8-chat/pkg/log"
)

// PumpConfig tunes the websocket read/write pumps.
type PumpConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// Client is a single websocket connection bound to an authenticated user.
// The Send queue is buffered; enqueue never blocks so a slow reader only
// loses frames rather than stalling fan-out for everyone else.
type Client struct {
	ID       string
	UserID   string
	Username string

	Hub  *Hub
	Conn *websocket.Conn
	Send chan []byte

	conversationID string // active conversation, guarded by Hub.mu

	config    PumpConfig
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(id, userID, username string, h *Hub, conn *websocket.Conn, cfg PumpConfig) *Client {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return &Client{
		ID:       id,
		UserID:   userID,
		Username: username,
		Hub:      h,
		Conn:     conn,
		Send:     make(chan []byte, cfg.SendBuffer),
		config:   cfg,
		done:     make(chan struct{}),
	}
}

// ReadPump reads frames off the socket and hands them to handler. It
// owns deregistration: when the read loop ends for any reason the
// connection is removed from the registry and closed.
func (c *Client) ReadPump(handler func(*Client, []byte)) {
	defer func() {
		c.Hub.Deregister(c.ID)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.L().Debug().
					Str(log.FieldConnectionID, c.ID).
					Err(err).
					Msg("websocket read error")
			}
			break
		}
		handler(c, message)
	}
}

// WritePump drains the Send queue onto the socket and keeps the
// connection alive with protocol pings. It exits when the client is
// deregistered or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendFrame marshals v and enqueues it for this connection.
func (c *Client) SendFrame(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.enqueue(data)
	return nil
}

// enqueue pushes raw bytes onto the send queue without blocking. It
// reports false when the client is shut down or its queue is full.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- data:
		return true
	default:
		log.L().Warn().
			Str(log.FieldConnectionID, c.ID).
			Str(log.FieldUserID, c.UserID).
			Msg("send queue full, dropping frame")
		return false
	}
}

// shutdown signals the write pump to drain out. Never closes Send, so a
// delivery racing deregistration cannot panic.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}
