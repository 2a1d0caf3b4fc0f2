package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/middleware"
	"github.com/vgabrielk/widget-sub001/internal/models"
	"github.com/vgabrielk/widget-sub001/internal/response"
	"github.com/vgabrielk/widget-sub001/internal/services"
)

// VisitorHandler serves visitor tracking and agent ban actions.
type VisitorHandler struct {
	visitors *services.VisitorService
	log      *logger.Logger
}

func NewVisitorHandler(visitors *services.VisitorService, log *logger.Logger) *VisitorHandler {
	return &VisitorHandler{visitors: visitors, log: log}
}

// visitorContext captures the request metadata refreshed on every contact.
func visitorContext(r *http.Request) models.VisitorContext {
	return models.VisitorContext{
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// Track handles POST /api/visitors/track
// Upserts the visitor. A banned visitor gets 403 with the ban payload.
func (h *VisitorHandler) Track(w http.ResponseWriter, r *http.Request) {
	var req models.TrackVisitorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	vc := visitorContext(r)
	vc.PageURL = req.PageURL
	vc.PageTitle = req.PageTitle
	vc.FingerprintData = req.FingerprintData

	v, err := h.visitors.ResolveOrCreate(r.Context(), req.VisitorID, vc)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	response.JSON(w, http.StatusOK, models.TrackVisitorResponse{Visitor: *v, Banned: false})
}

// Status handles GET /api/visitors/track?visitor_id=
func (h *VisitorHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.visitors.Status(r.Context(), r.URL.Query().Get("visitor_id"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	response.JSON(w, http.StatusOK, status)
}

// SetBan handles PATCH /api/dashboard/widgets/{widgetID}/visitors/{visitorID}/ban
func (h *VisitorHandler) SetBan(w http.ResponseWriter, r *http.Request) {
	var req models.BanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	visitorID := chi.URLParam(r, "visitorID")
	v, err := h.visitors.SetBan(r.Context(), visitorID, req.Banned, req.Reason)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	h.log.Info("Visitor ban updated", "visitor_id", visitorID, "banned", req.Banned, "widget_id", chi.URLParam(r, "widgetID"))
	response.JSON(w, http.StatusOK, models.VisitorResponse{Visitor: *v})
}
