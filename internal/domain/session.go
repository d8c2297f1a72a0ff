package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of an assessment session.
type SessionStatus string

const (
	// SessionActive is a session that is mid-dialogue.
	SessionActive SessionStatus = "active"
	// SessionPaused is a session that went idle past the TTL.
	SessionPaused SessionStatus = "paused"
	// SessionCompleted is a session whose report has been written.
	SessionCompleted SessionStatus = "completed"
)

// Session is the persisted envelope around a workflow state.
type Session struct {
	SessionID string        `json:"session_id"`
	UserID    string        `json:"user_id"`
	Status    SessionStatus `json:"status"`
	Version   int           `json:"version"`
	State     State         `json:"state"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// StatusFor derives the session status from a workflow state.
func StatusFor(st State) SessionStatus {
	if st.Done {
		return SessionCompleted
	}
	return SessionActive
}

// ReportVersion is one stored snapshot of a session report.
type ReportVersion struct {
	SessionID string         `json:"session_id"`
	VersionNo int            `json:"version_no"`
	Report    map[string]any `json:"report"`
	CreatedAt time.Time      `json:"created_at"`
}
