package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vgabrielk/widget-sub001/internal/apierr"
	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/models"
	"github.com/vgabrielk/widget-sub001/internal/response"
	"github.com/vgabrielk/widget-sub001/internal/services"
)

const (
	defaultRoomLimit = 50
	maxRoomLimit     = 200
)

// RoomHandler contains HTTP handlers for room operations.
type RoomHandler struct {
	rooms *services.RoomService
	log   *logger.Logger
}

// NewRoomHandler creates a new RoomHandler instance.
func NewRoomHandler(rooms *services.RoomService, log *logger.Logger) *RoomHandler {
	return &RoomHandler{rooms: rooms, log: log}
}

// FindOrCreate handles POST /api/widgets/{widgetID}/rooms
// Returns the visitor's open room: 201 when it was just created, 200 when reused.
func (h *RoomHandler) FindOrCreate(w http.ResponseWriter, r *http.Request) {
	var req models.FindOrCreateRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	widgetID := chi.URLParam(r, "widgetID")
	if req.WidgetID != "" && req.WidgetID != widgetID {
		writeError(w, r, h.log, apierr.Validation("widget_id does not match the request path"))
		return
	}

	vc := visitorContext(r)
	room, created, err := h.rooms.FindOrCreate(r.Context(), widgetID, req.VisitorID, req.Info(), vc)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	response.JSON(w, status, models.RoomResponse{Room: *room})
}

// Update handles PATCH /api/widgets/{widgetID}/rooms/{roomID}
func (h *RoomHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	room, err := h.rooms.UpdateVisitorInfo(r.Context(), chi.URLParam(r, "widgetID"), chi.URLParam(r, "roomID"), req)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	response.JSON(w, http.StatusOK, models.RoomResponse{Room: *room})
}

// Heartbeat handles POST /api/widgets/{widgetID}/rooms/{roomID}/heartbeat
func (h *RoomHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req models.VisitorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if err := h.rooms.Heartbeat(r.Context(), chi.URLParam(r, "widgetID"), chi.URLParam(r, "roomID"), req.VisitorID); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Offline handles POST /api/widgets/{widgetID}/rooms/{roomID}/offline
// Sent when the widget closes so the dashboard stops showing the visitor online.
func (h *RoomHandler) Offline(w http.ResponseWriter, r *http.Request) {
	var req models.VisitorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if err := h.rooms.MarkOffline(r.Context(), chi.URLParam(r, "widgetID"), chi.URLParam(r, "roomID"), req.VisitorID); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /api/dashboard/widgets/{widgetID}/rooms
// Query params:
//   - status: "open" or "closed" (default both)
//   - limit: page size, capped at 200
func (h *RoomHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := models.RoomStatus(q.Get("status"))
	switch status {
	case "", models.RoomOpen, models.RoomClosed:
	default:
		writeError(w, r, h.log, apierr.Validation("status must be open or closed"))
		return
	}
	limit := defaultRoomLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, h.log, apierr.Validation("invalid limit"))
			return
		}
		limit = min(n, maxRoomLimit)
	}

	rooms, err := h.rooms.ListForWidget(r.Context(), chi.URLParam(r, "widgetID"), status, limit)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	response.JSON(w, http.StatusOK, models.ListRoomsResponse{Rooms: rooms})
}

// Get handles GET /api/dashboard/widgets/{widgetID}/rooms/{roomID}
func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	room, err := h.rooms.Get(r.Context(), chi.URLParam(r, "widgetID"), chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	response.JSON(w, http.StatusOK, models.RoomResponse{Room: *room})
}

// Close handles PATCH /api/dashboard/widgets/{widgetID}/rooms/{roomID}/close
func (h *RoomHandler) Close(w http.ResponseWriter, r *http.Request) {
	room, err := h.rooms.Close(r.Context(), chi.URLParam(r, "widgetID"), chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	response.JSON(w, http.StatusOK, models.RoomResponse{Room: *room})
}

// Reopen handles PATCH /api/dashboard/widgets/{widgetID}/rooms/{roomID}/reopen
func (h *RoomHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	room, err := h.rooms.Reopen(r.Context(), chi.URLParam(r, "widgetID"), chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	response.JSON(w, http.StatusOK, models.RoomResponse{Room: *room})
}
