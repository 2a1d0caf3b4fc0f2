package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vgabrielk/widget-sub001/internal/apierr"
	"github.com/vgabrielk/widget-sub001/internal/auth"
	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/models"
	"github.com/vgabrielk/widget-sub001/internal/response"
	"github.com/vgabrielk/widget-sub001/internal/services"
)

// WidgetHandler serves tenant configuration, for agents and for the embed.
type WidgetHandler struct {
	widgets *services.WidgetService
	log     *logger.Logger
}

func NewWidgetHandler(widgets *services.WidgetService, log *logger.Logger) *WidgetHandler {
	return &WidgetHandler{widgets: widgets, log: log}
}

func currentAgent(r *http.Request) (*auth.Agent, error) {
	agent, ok := auth.AgentFrom(r.Context())
	if !ok {
		return nil, apierr.Unauthorized(errors.New("authentication required"))
	}
	return agent, nil
}

// RequireOwner stops agents from touching another account's widget. It runs
// under a {widgetID} route, after RequireAgent.
func (h *WidgetHandler) RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent, err := currentAgent(r)
		if err != nil {
			writeError(w, r, h.log, err)
			return
		}
		if _, err := h.widgets.GetOwned(r.Context(), agent.ID, chi.URLParam(r, "widgetID")); err != nil {
			writeError(w, r, h.log, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Create handles POST /api/dashboard/widgets
func (h *WidgetHandler) Create(w http.ResponseWriter, r *http.Request) {
	agent, err := currentAgent(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	var req models.WidgetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	widget, err := h.widgets.Create(r.Context(), agent.ID, req)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	response.JSON(w, http.StatusCreated, models.WidgetResponse{Widget: *widget})
}

// List handles GET /api/dashboard/widgets
func (h *WidgetHandler) List(w http.ResponseWriter, r *http.Request) {
	agent, err := currentAgent(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	widgets, err := h.widgets.List(r.Context(), agent.ID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if widgets == nil {
		widgets = []models.Widget{}
	}
	response.JSON(w, http.StatusOK, map[string]interface{}{"widgets": widgets})
}

// Get handles GET /api/dashboard/widgets/{widgetID}
func (h *WidgetHandler) Get(w http.ResponseWriter, r *http.Request) {
	agent, err := currentAgent(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	widget, err := h.widgets.GetOwned(r.Context(), agent.ID, chi.URLParam(r, "widgetID"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	response.JSON(w, http.StatusOK, models.WidgetResponse{Widget: *widget})
}

// Update handles PATCH /api/dashboard/widgets/{widgetID}
func (h *WidgetHandler) Update(w http.ResponseWriter, r *http.Request) {
	agent, err := currentAgent(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	var req models.WidgetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	widget, err := h.widgets.Update(r.Context(), agent.ID, chi.URLParam(r, "widgetID"), req)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	response.JSON(w, http.StatusOK, models.WidgetResponse{Widget: *widget})
}

// Config handles GET /api/widgets/{widgetID}/config
func (h *WidgetHandler) Config(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.widgets.PublicConfig(r.Context(), chi.URLParam(r, "widgetID"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	response.JSON(w, http.StatusOK, cfg)
}
