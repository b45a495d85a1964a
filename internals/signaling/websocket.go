package signaling

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	appmetrics "github.com/adityaadpandey/ephemeral-relay/internals/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Limits bound a single websocket connection.
type Limits struct {
	ReadLimit      int64
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	PingInterval   time.Duration
	SendBufferSize int
}

func DefaultLimits() Limits {
	return Limits{
		ReadLimit:      10 * 1024 * 1024,
		WriteTimeout:   10 * time.Second,
		PongTimeout:    60 * time.Second,
		PingInterval:   54 * time.Second,
		SendBufferSize: 256,
	}
}

// Client is one websocket connection. Its ID is the session identifier other
// participants see; it lives only as long as the connection.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	// room is the room this connection most recently joined. Owned by the
	// hub loop.
	room string

	hub       *Hub
	limits    Limits
	closeOnce sync.Once
	closed    atomic.Bool
	logger    *zap.Logger
}

func NewClient(hub *Hub, conn *websocket.Conn, limits Limits) *Client {
	return &Client{
		ID:     uuid.NewString(),
		Conn:   conn,
		Send:   make(chan []byte, limits.SendBufferSize),
		hub:    hub,
		limits: limits,
		logger: hub.logger,
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.Send)
	})
}

// queue hands a frame to the write pump without blocking. Only the hub loop
// calls it, so it never races with closeSend.
func (c *Client) queue(frame []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.Send <- frame:
		return true
	default:
		return false
	}
}

// ReadPump decodes frames and hands them to the hub. Malformed frames are
// dropped; the connection stays open.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.Conn.Close()
	}()
	defer c.hub.recoverPanic("read_pump")

	c.Conn.SetReadLimit(c.limits.ReadLimit)
	c.Conn.SetReadDeadline(time.Now().Add(c.limits.PongTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.limits.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket closed",
					zap.String("sessionId", c.ID),
					zap.Error(err),
				)
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.limits.PongTimeout))

		var message Message
		if err := json.Unmarshal(data, &message); err != nil {
			appmetrics.RecordDrop("malformed_frame")
			continue
		}

		c.hub.HandleMessage(c, message)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.limits.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	defer c.hub.recoverPanic("write_pump")

	for {
		select {
		case frame, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.limits.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("Failed to write frame",
					zap.String("sessionId", c.ID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.limits.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// NewUpgrader accepts origins for which allowOrigin returns true.
func NewUpgrader(allowOrigin func(origin string) bool) *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return allowOrigin(origin)
		},
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// HandleWebSocket upgrades the request and starts the client's pumps.
func HandleWebSocket(hub *Hub, upgrader *websocket.Upgrader, limits Limits, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		hub.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(hub, conn, limits)
	if !hub.Register(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
