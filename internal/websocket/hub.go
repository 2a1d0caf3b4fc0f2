package websocket

import (
	"context"
	"sync"

	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/realtime"
)

// Hub tracks the websocket clients connected to each room. Events reach
// clients through their own Registry listener; the hub only owns membership
// and shutdown.
type Hub struct {
	registry *realtime.Registry
	log      *logger.Logger

	// rooms maps roomID to the set of clients in that room
	rooms map[string]map[*Client]bool
	mu    sync.RWMutex

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

// NewHub creates a new Hub on top of registry.
func NewHub(registry *realtime.Registry, log *logger.Logger) *Hub {
	return &Hub{
		registry:   registry,
		log:        log.With("service", "WebSocketHub"),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves registrations until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case <-ctx.Done():
			h.closeAll()
			return nil
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[client.RoomID] == nil {
		h.rooms[client.RoomID] = make(map[*Client]bool)
	}
	h.rooms[client.RoomID][client] = true
	h.log.Debug("Client joined room",
		"room_id", client.RoomID, "role", string(client.Role), "subject", client.SubjectID,
		"total", len(h.rooms[client.RoomID]))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	clients, ok := h.rooms[client.RoomID]
	if ok && clients[client] {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, client.RoomID)
		}
	}
	remaining := len(clients)
	h.mu.Unlock()

	client.detach()
	h.log.Debug("Client left room", "room_id", client.RoomID, "subject", client.SubjectID, "remaining", remaining)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	var all []*Client
	for _, clients := range h.rooms {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.rooms = make(map[string]map[*Client]bool)
	h.mu.Unlock()

	for _, c := range all {
		c.detach()
	}
	if len(all) > 0 {
		h.log.Info("Disconnected websocket clients", "count", len(all))
	}
}

// join hands a client to the Run loop. It reports false once the hub stopped.
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		c.detach()
	}
}

// RoomClientCount returns the number of connected clients in a room.
func (h *Hub) RoomClientCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// ClientCount returns the number of connected clients across all rooms.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.rooms {
		n += len(clients)
	}
	return n
}
