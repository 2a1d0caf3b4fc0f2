package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/models"
	"github.com/vgabrielk/widget-sub001/internal/services"
	"github.com/vgabrielk/widget-sub001/internal/websocket"
)

// RealtimeHandler authorizes websocket subscriptions before handing them to the hub.
type RealtimeHandler struct {
	rooms    *services.RoomService
	visitors *services.VisitorService
	ws       *websocket.Handler
	log      *logger.Logger
}

func NewRealtimeHandler(rooms *services.RoomService, visitors *services.VisitorService, ws *websocket.Handler, log *logger.Logger) *RealtimeHandler {
	return &RealtimeHandler{rooms: rooms, visitors: visitors, ws: ws, log: log}
}

// VisitorStream handles GET /ws/widgets/{widgetID}/rooms/{roomID}?visitor_id=
func (h *RealtimeHandler) VisitorStream(w http.ResponseWriter, r *http.Request) {
	visitorID := strings.TrimSpace(r.URL.Query().Get("visitor_id"))
	room, err := h.rooms.GetForVisitor(r.Context(), chi.URLParam(r, "widgetID"), chi.URLParam(r, "roomID"), visitorID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if err := h.visitors.Check(r.Context(), visitorID); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	h.ws.Serve(w, r, room.ID, models.SenderVisitor, visitorID)
}

// AgentStream handles GET /ws/dashboard/widgets/{widgetID}/rooms/{roomID}?token=
func (h *RealtimeHandler) AgentStream(w http.ResponseWriter, r *http.Request) {
	agent, err := currentAgent(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	room, err := h.rooms.Get(r.Context(), chi.URLParam(r, "widgetID"), chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	h.ws.Serve(w, r, room.ID, models.SenderAgent, agent.ID)
}
