package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/mqol-labs/internal/domain"
	"github.com/ashureev/mqol-labs/internal/identity"
	"github.com/ashureev/mqol-labs/internal/session"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// TurnRequest is the body of POST /turns.
type TurnRequest struct {
	Message string `json:"message"`
}

// TurnResponse is returned by session creation and turns.
type TurnResponse struct {
	SessionID     string           `json:"session_id"`
	Status        string           `json:"status"`
	State         domain.State     `json:"state"`
	Messages      []domain.Message `json:"messages"`
	ReportVersion int              `json:"report_version,omitempty"`
}

// SessionSummary is one row of the session list.
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	Version   int       `json:"version"`
	QIndex    int       `json:"q_index"`
	PlanLen   int       `json:"plan_len"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func turnResponse(res *session.TurnResult) TurnResponse {
	msgs := res.Messages
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return TurnResponse{
		SessionID:     res.Session.SessionID,
		Status:        string(res.Session.Status),
		State:         res.Session.State,
		Messages:      msgs,
		ReportVersion: res.ReportVersion,
	}
}

func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := identity.UserIDFromContext(r.Context())
	if id == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return id, true
}

// CreateSession handles POST /api/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Create(r.Context(), uid, nil)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, turnResponse(res))
}

// ListSessions handles GET /api/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	sessions, err := h.svc.List(r.Context(), uid)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionSummary{
			SessionID: s.SessionID,
			Status:    string(s.Status),
			Version:   s.Version,
			QIndex:    s.State.QIndex,
			PlanLen:   len(s.State.Plan),
			Done:      s.State.Done,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		})
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// GetSession handles GET /api/sessions/{sessionID}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	sess, err := h.svc.Get(r.Context(), uid, chi.URLParam(r, "sessionID"))
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// PostTurn handles POST /api/sessions/{sessionID}/turns. Clients accepting
// text/event-stream receive the turn's events followed by a result event.
func (h *Handler) PostTurn(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	if !h.rateLimiter.Allow(uid) {
		serviceError(w, r, errRateLimited)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	slog.Info("Session turn request",
		"user_id", uid,
		"session_id", sessionID,
		"message_length", len(req.Message),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)

	if !wantsEventStream(r) {
		res, err := h.svc.Turn(r.Context(), uid, sessionID, req.Message, nil)
		if err != nil {
			serviceError(w, r, err)
			return
		}
		JSON(w, http.StatusOK, turnResponse(res))
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	res, err := h.svc.Turn(r.Context(), uid, sessionID, req.Message, sse)
	if err != nil {
		if !sse.Started() {
			serviceError(w, r, err)
			return
		}
		slog.Warn("Streamed turn failed", "session_id", sessionID, "error", err)
		msg := err.Error()
		if statusFor(err) == http.StatusInternalServerError {
			msg = "internal error"
		}
		if werr := sse.WriteJSON(0, "error", map[string]any{"error": msg, "status": statusFor(err)}); werr != nil {
			slog.Debug("failed to write SSE error event", "error", werr)
		}
		return
	}
	if err := sse.WriteJSON(0, "result", turnResponse(res)); err != nil {
		slog.Debug("failed to write SSE result event", "error", err)
	}
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// GetReport handles GET /api/sessions/{sessionID}/report[?version=N].
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			Error(w, http.StatusBadRequest, "version must be a positive integer")
			return
		}
		version = n
	}
	rv, err := h.svc.Report(r.Context(), uid, chi.URLParam(r, "sessionID"), version)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, rv)
}

// ListReports handles GET /api/sessions/{sessionID}/reports.
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	list, err := h.svc.Reports(r.Context(), uid, chi.URLParam(r, "sessionID"))
	if err != nil {
		serviceError(w, r, err)
		return
	}
	type entry struct {
		VersionNo int       `json:"version_no"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := make([]entry, 0, len(list))
	for _, rv := range list {
		out = append(out, entry{VersionNo: rv.VersionNo, CreatedAt: rv.CreatedAt})
	}
	JSON(w, http.StatusOK, map[string]any{"reports": out})
}
