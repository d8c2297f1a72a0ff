// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/mqol-labs/internal/domain"
)

// TurnRecord is the audit delta produced by one workflow invocation.
// MessageSeq and LogSeq are the positions of the first new message and the
// first new execution log entry within the session.
type TurnRecord struct {
	SessionID  string
	MessageSeq int
	Messages   []domain.Message
	Answers    []domain.Answer
	ItemScores []domain.ItemScore
	LogSeq     int
	Logs       []domain.ExecutionEntry
	At         time.Time
}

// Empty reports whether the record carries no rows.
func (r TurnRecord) Empty() bool {
	return len(r.Messages) == 0 && len(r.Answers) == 0 && len(r.ItemScores) == 0 && len(r.Logs) == 0
}

// Repository defines the interface for persisting users, sessions and their
// audit trail.
type Repository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil when the
	// user does not exist.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// CreateSession inserts a new session with its initial state.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session with its state. It returns nil, nil when
	// the session does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns a user's sessions, most recently updated first.
	ListSessions(ctx context.Context, userID string) ([]*domain.Session, error)

	// SaveSession stores the state snapshot, version and status of a session.
	SaveSession(ctx context.Context, session *domain.Session) error

	// UpdateSessionStatus changes only the lifecycle status.
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error

	// GetIdleSessions returns active sessions not updated within ttl.
	GetIdleSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error)

	// AppendTurn appends the audit rows of one invocation. Rows already
	// stored at the same sequence position are left untouched.
	AppendTurn(ctx context.Context, rec TurnRecord) error

	// ListMessages returns the stored transcript of a session in order.
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)

	// AddReportVersion stores a report snapshot and returns its version number.
	AddReportVersion(ctx context.Context, sessionID string, report map[string]any) (int, error)

	// GetReport returns a report version, or the latest when versionNo is 0.
	// It returns nil, nil when there is no such report.
	GetReport(ctx context.Context, sessionID string, versionNo int) (*domain.ReportVersion, error)

	// ListReports returns every report version of a session, oldest first.
	ListReports(ctx context.Context, sessionID string) ([]domain.ReportVersion, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
