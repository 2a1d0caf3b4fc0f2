// Package handlers exposes the chat services over HTTP.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/vgabrielk/widget-sub001/internal/auth"
	"github.com/vgabrielk/widget-sub001/internal/limiter"
	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/metrics"
	"github.com/vgabrielk/widget-sub001/internal/middleware"
	"github.com/vgabrielk/widget-sub001/internal/services"
	"github.com/vgabrielk/widget-sub001/internal/websocket"
)

// Deps is everything the router wires together.
type Deps struct {
	Log     *logger.Logger
	Metrics *metrics.Metrics
	DB      Pinger
	Auth    *auth.Authenticator

	Widgets  *services.WidgetService
	Visitors *services.VisitorService
	Rooms    *services.RoomService
	Messages *services.MessageService
	Uploads  *services.UploadService

	UploadLimiter *limiter.FixedWindow
	WebSocket     *websocket.Handler

	// DashboardOrigins are the CORS origins of the agent dashboard
	DashboardOrigins []string
}

// NewRouter builds the full HTTP surface.
func NewRouter(d Deps) http.Handler {
	log := d.Log

	health := NewHealthHandler(d.DB, log)
	widgets := NewWidgetHandler(d.Widgets, log)
	visitors := NewVisitorHandler(d.Visitors, log)
	rooms := NewRoomHandler(d.Rooms, log)
	messages := NewMessageHandler(d.Messages, log)
	uploads := NewUploadHandler(d.Uploads, log)
	realtime := NewRealtimeHandler(d.Rooms, d.Visitors, d.WebSocket, log)

	requireAgent := middleware.RequireAgent(d.Auth, log)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(log, d.Metrics))
	r.Use(chimw.Recoverer)

	r.Get("/health", health.HealthCheck)
	r.Handle("/metrics", d.Metrics.Handler())

	r.Route("/api/visitors", func(r chi.Router) {
		r.Use(middleware.PublicCORS())
		r.Post("/track", visitors.Track)
		r.Get("/track", visitors.Status)
	})

	// Visitor-facing, scoped to a tenant's domain allow-list
	r.Route("/api/widgets/{widgetID}", func(r chi.Router) {
		r.Use(middleware.TenantCORS(d.Widgets, log))
		r.Use(middleware.EnforceOrigin(d.Widgets, log))

		r.Get("/config", widgets.Config)
		r.Post("/rooms", rooms.FindOrCreate)
		r.Route("/rooms/{roomID}", func(r chi.Router) {
			r.Patch("/", rooms.Update)
			r.Get("/messages", messages.VisitorList)
			r.Post("/messages", messages.VisitorSend)
			r.Patch("/read", messages.VisitorMarkRead)
			r.Post("/heartbeat", rooms.Heartbeat)
			r.Post("/offline", rooms.Offline)
		})
		// Uploads write to the tenant's bucket, so a missing origin is not
		// trusted once the widget has an allow-list.
		r.With(
			middleware.RequireOrigin(d.Widgets, log),
			middleware.RateLimit(d.UploadLimiter, d.Metrics, log),
		).Post("/uploads", uploads.Upload)
	})

	r.Route("/api/dashboard", func(r chi.Router) {
		r.Use(middleware.DashboardCORS(d.DashboardOrigins))
		r.Use(requireAgent)

		r.Post("/widgets", widgets.Create)
		r.Get("/widgets", widgets.List)
		r.Route("/widgets/{widgetID}", func(r chi.Router) {
			r.Use(widgets.RequireOwner)
			r.Get("/", widgets.Get)
			r.Patch("/", widgets.Update)
			r.Get("/rooms", rooms.List)
			r.Route("/rooms/{roomID}", func(r chi.Router) {
				r.Get("/", rooms.Get)
				r.Get("/messages", messages.AgentList)
				r.Post("/messages", messages.AgentSend)
				r.Patch("/read", messages.AgentMarkRead)
				r.Patch("/close", rooms.Close)
				r.Patch("/reopen", rooms.Reopen)
			})
			r.Patch("/visitors/{visitorID}/ban", visitors.SetBan)
		})
	})

	r.Route("/ws", func(r chi.Router) {
		r.With(middleware.EnforceOrigin(d.Widgets, log)).
			Get("/widgets/{widgetID}/rooms/{roomID}", realtime.VisitorStream)
		r.With(requireAgent, widgets.RequireOwner).
			Get("/dashboard/widgets/{widgetID}/rooms/{roomID}", realtime.AgentStream)
	})

	return r
}
