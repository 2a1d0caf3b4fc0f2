// Package middleware holds the chi middleware shared by the visitor and
// dashboard routes.
package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/vgabrielk/widget-sub001/internal/apierr"
	"github.com/vgabrielk/widget-sub001/internal/auth"
	"github.com/vgabrielk/widget-sub001/internal/limiter"
	"github.com/vgabrielk/widget-sub001/internal/logger"
	"github.com/vgabrielk/widget-sub001/internal/metrics"
	"github.com/vgabrielk/widget-sub001/internal/response"
)

// OriginChecker decides whether an origin may call a widget's visitor endpoints.
type OriginChecker interface {
	OriginAllowed(ctx context.Context, widgetID, origin string) (bool, error)
}

var (
	allowedMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	allowedHeaders = []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"}
)

// RequestLogger logs every request with a level chosen by status and records
// it in metrics under its route pattern.
func RequestLogger(log *logger.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			duration := time.Since(start)
			m.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), duration)

			fields := []interface{}{
				"method", strings.ToUpper(r.Method),
				"path", route,
				"status", status,
				"duration_ms", duration.Milliseconds(),
			}
			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				fields = append(fields, "request_id", reqID)
			}
			switch {
			case status >= 500:
				log.Error("HTTP request", fields...)
			case status >= 400:
				log.Warn("HTTP request", fields...)
			default:
				log.Debug("HTTP request", fields...)
			}
		})
	}
}

// DashboardCORS allows the configured dashboard origins with credentials.
func DashboardCORS(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   allowedMethods,
		AllowedHeaders:   allowedHeaders,
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}

// PublicCORS echoes any origin. It serves visitor endpoints that are not
// scoped to a widget.
func PublicCORS() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool { return true },
		AllowedMethods:  allowedMethods,
		AllowedHeaders:  allowedHeaders,
		ExposedHeaders:  []string{"Retry-After"},
		MaxAge:          300,
	})
}

// TenantCORS echoes the origin only when it belongs to the widget's domain
// allow-list, preflight included. It must run under a route with a
// {widgetID} parameter.
func TenantCORS(checker OriginChecker, log *logger.Logger) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			ok, err := checker.OriginAllowed(r.Context(), chi.URLParam(r, "widgetID"), origin)
			if err != nil {
				log.Warn("Origin lookup failed", "origin", origin, "error", err)
				return false
			}
			return ok
		},
		AllowedMethods: allowedMethods,
		AllowedHeaders: allowedHeaders,
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	})
}

// EnforceOrigin rejects requests whose Origin (or Referer, when no Origin is
// sent) is not on the widget's allow-list. Requests carrying neither come
// from non-browser clients and pass; see RequireOrigin.
func EnforceOrigin(checker OriginChecker, log *logger.Logger) func(http.Handler) http.Handler {
	return originGuard(checker, log, false)
}

// RequireOrigin also checks requests that carry neither header, so they only
// pass for widgets without an allow-list.
func RequireOrigin(checker OriginChecker, log *logger.Logger) func(http.Handler) http.Handler {
	return originGuard(checker, log, true)
}

func originGuard(checker OriginChecker, log *logger.Logger, strict bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = r.Header.Get("Referer")
			}
			if (origin == "" && !strict) || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			widgetID := chi.URLParam(r, "widgetID")
			ok, err := checker.OriginAllowed(r.Context(), widgetID, origin)
			if err != nil {
				log.Error("Origin lookup failed", "widget_id", widgetID, "error", err)
				response.Error(w, apierr.Internal(err))
				return
			}
			if !ok {
				log.Info("Origin rejected", "widget_id", widgetID, "origin", origin)
				response.Error(w, apierr.Forbidden(errors.New("origin is not allowed for this widget")))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAgent authenticates the dashboard caller from a bearer token or a
// "token" query parameter (websocket upgrades cannot set headers).
func RequireAgent(authn *auth.Authenticator, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := extractToken(r)
			if tokenString == "" {
				response.Error(w, apierr.Unauthorized(errors.New("missing or invalid token")))
				return
			}
			agent, err := authn.Verify(tokenString)
			if err != nil {
				log.Debug("Token rejected", "error", err)
				response.Error(w, apierr.Unauthorized(auth.ErrInvalidToken))
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithAgent(r.Context(), agent)))
		})
	}
}

func extractToken(r *http.Request) string {
	if qToken := r.URL.Query().Get("token"); qToken != "" {
		return qToken
	}
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	return ""
}

// RateLimit applies a fixed-window limit per client address.
func RateLimit(l *limiter.FixedWindow, m *metrics.Metrics, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			ip := ClientIP(r)
			ok, wait := l.Allow(ip)
			if !ok {
				m.RecordRateLimited()
				log.Info("Rate limit exceeded", "ip", ip, "path", r.URL.Path, "retry_after", wait.String())
				response.Error(w, apierr.RateLimited(wait))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP is the caller's address without the port. chi's RealIP middleware
// has already applied X-Forwarded-For / X-Real-IP when present.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
