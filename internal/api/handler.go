// Package api provides HTTP handlers for the MQoL API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/mqol-labs/internal/config"
	"github.com/ashureev/mqol-labs/internal/events"
	"github.com/ashureev/mqol-labs/internal/session"
	"github.com/go-chi/chi/v5"
)

// errRateLimited marks a rejected turn.
var errRateLimited = errors.New("rate limit exceeded")

// Handler serves the session API.
type Handler struct {
	svc           *session.Service
	hub           *events.Hub
	rateLimiter   *RateLimiter
	conns         *connRegistry
	retryDelay    time.Duration
	keepalive     time.Duration
	maxBodySize   int64
	isDev         bool
	allowedOrigin string
}

// NewHandler creates a Handler. A nil cfg selects the defaults.
func NewHandler(svc *session.Service, hub *events.Hub, cfg *config.Config) *Handler {
	h := &Handler{
		svc:         svc,
		hub:         hub,
		conns:       newConnRegistry(),
		retryDelay:  5 * time.Second,
		keepalive:   10 * time.Second,
		maxBodySize: 1 << 20,
		isDev:       true,
	}
	limit, window := 20, time.Minute
	if cfg != nil {
		limit, window = cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration
		h.retryDelay = cfg.SSE.RetryDelay
		h.keepalive = cfg.SSE.KeepaliveInterval
		h.maxBodySize = cfg.MaxRequestBodySize
		h.isDev = cfg.IsDevelopment()
		h.allowedOrigin = cfg.FrontendURL
	}
	h.rateLimiter = NewRateLimiter(limit, window)
	return h
}

// RegisterRoutes mounts the session routes under /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/", h.ListSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/turns", h.PostTurn)
			r.Get("/events", h.StreamEvents)
			r.Get("/ws", h.ServeWS)
			r.Get("/report", h.GetReport)
			r.Get("/reports", h.ListReports)
		})
	})
}

// Close stops background work of the handler and drops live sockets.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
	h.conns.closeAll()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps service errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrReportNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// serviceError writes err with its mapped status. Internal errors are logged
// and not exposed.
func serviceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "path", r.URL.Path, "error", err)
		Error(w, status, "internal error")
		return
	}
	Error(w, status, err.Error())
}
