// Package metrics provides Prometheus metrics for the chat server
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the chat server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// HTTP request metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Chat metrics
	MessagesAppendedTotal *prometheus.CounterVec
	RoomsCreatedTotal     prometheus.Counter
	RoomsClosedTotal      prometheus.Counter
	BannedRejectionsTotal prometheus.Counter

	// Upload metrics
	UploadsTotal          *prometheus.CounterVec
	RateLimitedTotal      prometheus.Counter
	ImagesPurgedTotal     prometheus.Counter
	RealtimePublishErrors prometheus.Counter
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chat_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		MessagesAppendedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_messages_appended_total",
				Help: "Total number of messages appended, by sender role",
			},
			[]string{"sender"},
		),
		RoomsCreatedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_rooms_created_total",
			Help: "Total number of rooms created",
		}),
		RoomsClosedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_rooms_closed_total",
			Help: "Total number of rooms closed",
		}),
		BannedRejectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_banned_rejections_total",
			Help: "Total number of requests refused because the visitor is banned",
		}),

		UploadsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_uploads_total",
				Help: "Total number of image uploads, by outcome",
			},
			[]string{"outcome"},
		),
		RateLimitedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		}),
		ImagesPurgedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_images_purged_total",
			Help: "Total number of stored images removed when rooms close",
		}),
		RealtimePublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_realtime_publish_errors_total",
			Help: "Total number of realtime events that failed to publish",
		}),
	}
}

// RegisterGaugeFunc exposes a value that is computed at scrape time.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	promauto.With(m.Registry).NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// RecordHTTPRequest records a finished request against its route pattern
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (m *Metrics) RecordMessage(sender string) {
	if m == nil {
		return
	}
	m.MessagesAppendedTotal.WithLabelValues(sender).Inc()
}

func (m *Metrics) RecordRoomCreated() {
	if m == nil {
		return
	}
	m.RoomsCreatedTotal.Inc()
}

func (m *Metrics) RecordRoomClosed(purged int) {
	if m == nil {
		return
	}
	m.RoomsClosedTotal.Inc()
	m.ImagesPurgedTotal.Add(float64(purged))
}

func (m *Metrics) RecordBanned() {
	if m == nil {
		return
	}
	m.BannedRejectionsTotal.Inc()
}

// RecordUpload records an upload outcome ("stored", "rejected", "failed").
func (m *Metrics) RecordUpload(outcome string) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}

func (m *Metrics) RecordPublishError() {
	if m == nil {
		return
	}
	m.RealtimePublishErrors.Inc()
}
