package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/response"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse represents the health check response structure.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

type HealthHandler struct {
	db  Pinger
	log *logger.Logger
}

func NewHealthHandler(db Pinger, log *logger.Logger) *HealthHandler {
	return &HealthHandler{db: db, log: log}
}

// HealthCheck handles GET /health
// Returns 503 when the database does not answer, so load balancers drain the instance.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.log.Warn("Health check failed", "error", err)
		response.JSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Database: "unreachable"})
		return
	}
	response.JSON(w, http.StatusOK, HealthResponse{Status: "ok", Database: "ok"})
}
