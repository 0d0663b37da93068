package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/KevinKickass/OpenScanCore/internal/auth"
	"github.com/KevinKickass/OpenScanCore/internal/surface"
	"go.uber.org/zap"
)

// Authenticator validates the token of the first client message.
type Authenticator interface {
	Authenticate(ctx context.Context, token string, client auth.ClientInfo) (*auth.Principal, error)
}

const surfaceBuffer = 64

// Hub maintains active WebSocket clients and broadcasts messages
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Mutex for thread-safe operations
	mu sync.RWMutex

	logger *zap.Logger
	authn  Authenticator

	// Attached surfaces and the cancel funcs of their subscriptions
	surfaces []*surface.Surface
	detach   []func()

	// Closed when Run returns
	done chan struct{}
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger, authn Authenticator) *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		logger:     logger,
		authn:      authn,
		done:       make(chan struct{}),
	}
}

// Attach forwards every update of a surface to the clients until ctx ends.
func (h *Hub) Attach(ctx context.Context, s *surface.Surface) {
	updates, cancel := s.Subscribe(surfaceBuffer)

	h.mu.Lock()
	h.surfaces = append(h.surfaces, s)
	h.detach = append(h.detach, cancel)
	h.mu.Unlock()

	go func() {
		defer cancel()
		for {
			select {
			case u, ok := <-updates:
				if !ok {
					return
				}
				h.Broadcast(FromUpdate(u))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Run starts the hub's main event loop and returns when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket Hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			surfaces := h.surfaces
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", client.remoteAddr()),
				zap.Int("total_clients", total))

			// New clients start from the current state
			for _, s := range surfaces {
				if client.wants(s.Name()) {
					client.sendMessage(FromUpdate(surface.Update{Kind: surface.UpdateSnapshot, Snapshot: s.Snapshot()}))
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.remoteAddr()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(message.Surface) {
					continue
				}
				if !client.enqueue(data) {
					// Client send channel full - unregister slow/dead client
					client.closeSend()
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("remote_addr", client.remoteAddr()))
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, cancel := range h.detach {
		cancel()
	}
	h.detach = nil

	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.logger.Info("WebSocket Hub stopped")
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
