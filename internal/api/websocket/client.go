package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/OpenScanCore/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message
	authWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards are served from other origins; the token gates access.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client represents a WebSocket client connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	logger *zap.Logger
	addr   string

	principal *auth.Principal

	mu       sync.Mutex
	send     chan []byte
	closed   bool
	surfaces map[string]bool // empty: all surfaces
}

func (c *Client) remoteAddr() string {
	return c.addr
}

// enqueue is a non-blocking send that reports false when the buffer is
// full or the client is gone.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) wants(surface string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return surface == "" || len(c.surfaces) == 0 || c.surfaces[surface]
}

func (c *Client) setSurfaces(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.surfaces = make(map[string]bool, len(names))
	for _, n := range names {
		c.surfaces[n] = true
	}
}

func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	registered := false
	defer func() {
		if registered {
			select {
			case c.hub.unregister <- c:
			case <-c.hub.done:
			}
		}
		// writePump drains what is queued, then closes the connection
		c.closeSend()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(authWait))

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.addr))
			}
			return
		}

		if registered {
			c.handleMessage(msg)
			continue
		}

		// First message MUST be authentication
		if !c.authenticate(msg) {
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})

		select {
		case c.hub.register <- c:
			registered = true
		case <-c.hub.done:
			return
		}
	}
}

func (c *Client) authenticate(msg ClientMessage) bool {
	if msg.Type != "auth" {
		c.sendMessage(NewMessage(MessageTypeAuthFailed, fields{"reason": "First message must be authentication"}))
		return false
	}
	if msg.Token == "" {
		c.sendMessage(NewMessage(MessageTypeAuthFailed, fields{"reason": "Missing token in auth message"}))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), authWait)
	defer cancel()

	principal, err := c.hub.authn.Authenticate(ctx, msg.Token, auth.ClientInfo{IPAddress: c.addr})
	if err != nil {
		c.logger.Warn("WebSocket authentication failed",
			zap.Error(err),
			zap.String("remote_addr", c.addr))
		c.sendMessage(NewMessage(MessageTypeAuthFailed, fields{"reason": "Invalid or expired token"}))
		return false
	}

	c.principal = principal
	if len(msg.Surfaces) > 0 {
		c.setSurfaces(msg.Surfaces)
	}
	c.sendMessage(NewMessage(MessageTypeAuthSuccess, principal))
	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.addr),
		zap.String("principal", principal.Name),
		zap.String("role", string(principal.Role)))
	return true
}

func (c *Client) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		c.setSurfaces(msg.Surfaces)
		c.sendMessage(NewMessage(MessageTypeSubscribed, fields{"surfaces": msg.Surfaces}))
	default:
		c.logger.Debug("Unknown client message",
			zap.String("remote_addr", c.addr),
			zap.String("type", msg.Type))
		c.sendMessage(NewMessage(MessageTypeError, fields{"reason": "unknown message type " + msg.Type}))
	}
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One JSON document per frame
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs handles WebSocket upgrade requests. The client is registered with
// the hub only after its first message authenticated it.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
		addr:   conn.RemoteAddr().String(),
	}

	go client.writePump()
	go client.readPump()
}

type fields = map[string]any
