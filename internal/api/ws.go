package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/ashureev/mqol-labs/internal/events"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// wsMessage is a client frame.
type wsMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ServeWS handles GET /api/sessions/{sessionID}/ws. The socket carries the
// session's live events and accepts {"type":"turn","message":...} frames.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.svc.Get(r.Context(), uid, sessionID); err != nil {
		serviceError(w, r, err)
		return
	}
	if !h.checkOrigin(r) {
		Error(w, http.StatusForbidden, "origin not allowed")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", uid)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", uid)
		}
	}()

	h.conns.register(uid, sessionID, ws)
	defer h.conns.unregister(uid, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, missed := h.hub.Subscribe(sessionID, lastEventID(r))
	defer sub.Close()

	// Replies go through the output loop so that a turn's events are
	// written before its result.
	replies := make(chan any, 4)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, uid, sessionID, replies)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, sub, missed, replies)
	}()
	wg.Wait()
	slog.Info("WebSocket session ended", "user_id", uid, "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, uid, sessionID string, replies chan<- any) {
	reply := func(v any) {
		select {
		case replies <- v:
		case <-ctx.Done():
		}
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", uid)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "user_id", uid)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			reply(map[string]any{"type": "error", "error": "invalid message", "status": http.StatusBadRequest})
			continue
		}

		switch msg.Type {
		case "ping":
			reply(map[string]string{"type": "pong"})
		case "turn":
			reply(h.wsTurn(ctx, uid, sessionID, strings.TrimSpace(msg.Message)))
		default:
			reply(map[string]any{"type": "error", "error": "unknown message type", "status": http.StatusBadRequest})
		}
	}
}

// wsTurn runs one turn and returns the reply frame. Its events reach the
// client through the hub subscription.
func (h *Handler) wsTurn(ctx context.Context, uid, sessionID, message string) map[string]any {
	if message == "" {
		return map[string]any{"type": "error", "error": "message is required", "status": http.StatusBadRequest}
	}
	if !h.rateLimiter.Allow(uid) {
		return map[string]any{"type": "error", "error": errRateLimited.Error(), "status": http.StatusTooManyRequests}
	}
	res, err := h.svc.Turn(ctx, uid, sessionID, message, nil)
	if err != nil {
		status := statusFor(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			slog.Error("WebSocket turn failed", "session_id", sessionID, "error", err)
			msg = "internal error"
		}
		return map[string]any{"type": "error", "error": msg, "status": status}
	}
	return map[string]any{"type": "result", "result": turnResponse(res)}
}

func (h *Handler) outputLoop(ctx context.Context, ws *websocket.Conn, sub *events.Subscription, missed []events.Event, replies <-chan any) {
	for _, ev := range missed {
		if err := h.writeEvent(ctx, ws, ev); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C:
			if err := h.writeEvent(ctx, ws, ev); err != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocket event write error", "error", err, "session_id", sub.SessionID)
				}
				return
			}
		case v := <-replies:
			// Events of a finished turn are already buffered in sub.C.
			if err := h.drain(ctx, ws, sub); err != nil {
				return
			}
			if err := h.writeJSON(ctx, ws, v); err != nil {
				slog.Debug("Failed to write websocket message", "error", err)
				return
			}
		}
	}
}

func (h *Handler) drain(ctx context.Context, ws *websocket.Conn, sub *events.Subscription) error {
	for {
		select {
		case ev := <-sub.C:
			if err := h.writeEvent(ctx, ws, ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (h *Handler) writeEvent(ctx context.Context, ws *websocket.Conn, ev events.Event) error {
	return h.writeJSON(ctx, ws, map[string]any{"type": "event", "event": ev})
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
