// Package websocket pushes a room's message events to browsers.
package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vgabrielk/widget-sub001/internal/models"
)

// Origins are checked by the HTTP middleware in front of the upgrade.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const subscribeTimeout = 10 * time.Second

// Handler upgrades authorized requests and attaches them to the hub.
type Handler struct {
	hub *Hub
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// Serve subscribes to roomID, then upgrades the request and streams the
// room's events to it. Events published after the handshake are never missed.
// The caller has already authorized role/subjectID for the room.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, roomID string, role models.SenderType, subjectID string) {
	client := newClient(h.hub, roomID, role, subjectID)

	ctx, cancel := context.WithTimeout(r.Context(), subscribeTimeout)
	unsub, err := h.hub.registry.Subscribe(ctx, roomID, client.deliver, client.streamError)
	cancel()
	if err != nil {
		h.hub.log.Error("Failed to subscribe websocket client", "room_id", roomID, "error", err)
		http.Error(w, "realtime unavailable", http.StatusServiceUnavailable)
		return
	}
	client.mu.Lock()
	client.unsubscribe = unsub
	client.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.hub.log.Debug("Upgrade failed", "room_id", roomID, "error", err)
		client.detach()
		return
	}
	client.conn = conn

	if !h.hub.join(client) {
		client.detach()
		conn.Close()
		return
	}

	h.hub.log.Info("WebSocket connected", "room_id", roomID, "role", string(role), "subject", subjectID)
	go client.writePump()
	go client.readPump()
}
