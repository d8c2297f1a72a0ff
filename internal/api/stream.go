package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/mqol-labs/internal/events"
	"github.com/go-chi/chi/v5"
)

// sseWriter writes server-sent events. Headers are sent with the first
// event, so a request can still fail with a plain status before that. It
// implements events.Emitter and is safe for concurrent use.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	err     error
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) startLocked() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

// Started reports whether the response headers were sent.
func (s *sseWriter) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Emit implements events.Emitter.
func (s *sseWriter) Emit(_ context.Context, ev events.Event) error {
	return s.WriteJSON(ev.ID, string(ev.Type), ev)
}

// WriteJSON writes one event. A zero id omits the id field.
func (s *sseWriter) WriteJSON(id int64, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	return s.write(func(w io.Writer) error {
		if id > 0 {
			return writeSSEWithID(w, id, event, string(data))
		}
		return writeSSE(w, event, string(data))
	})
}

// Retry sends the reconnection delay hint.
func (s *sseWriter) Retry(d time.Duration) error {
	return s.write(func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "retry: %d\n\n", d.Milliseconds())
		return err
	})
}

func (s *sseWriter) write(fn func(io.Writer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.startLocked()
	if err := fn(s.w); err != nil {
		s.err = err
		return err
	}
	s.flusher.Flush()
	return nil
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}

// lastEventID reads the replay cursor from the Last-Event-ID header or the
// lastEventId query parameter.
func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// StreamEvents handles GET /api/sessions/{sessionID}/events. Events retained
// after Last-Event-ID are replayed before live delivery starts.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.svc.Get(r.Context(), uid, sessionID); err != nil {
		serviceError(w, r, err)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	after := lastEventID(r)
	sub, missed := h.hub.Subscribe(sessionID, after)
	defer sub.Close()

	if err := sse.Retry(h.retryDelay); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "session_id", sessionID)
		return
	}
	if len(missed) > 0 {
		slog.Info("Replaying missed events", "session_id", sessionID, "after", after, "count", len(missed))
	}
	for _, ev := range missed {
		if err := sse.Emit(r.Context(), ev); err != nil {
			return
		}
	}
	if err := sse.WriteJSON(0, "connected", map[string]any{
		"status":        "connected",
		"session_id":    sessionID,
		"last_event_id": h.hub.LastID(),
	}); err != nil {
		return
	}
	slog.Info("SSE connection established", "session_id", sessionID, "reconnect", after > 0)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("SSE stream disconnected", "session_id", sessionID)
			return
		case ev := <-sub.C:
			if err := sse.Emit(r.Context(), ev); err != nil {
				slog.Warn("failed to write SSE event", "error", err, "session_id", sessionID)
				return
			}
		case <-keepalive.C:
			if err := sse.WriteJSON(0, "ping", map[string]string{"status": "alive"}); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "session_id", sessionID)
				return
			}
		}
	}
}
