package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/mqol-labs/internal/domain"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites ? placeholders into the dialect's form.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Repository over database/sql for SQLite and Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	// writeMu serializes writers on SQLite to avoid SQLITE_BUSY.
	writeMu sync.Mutex
}

// Open returns the repository for driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, path, databaseURL string) (Repository, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(path)
	case "postgres":
		return NewPostgres(ctx, databaseURL)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func openDB(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func (s *SQLStore) initSchema(stmts []string) error {
	return s.initSchemaContext(context.Background(), stmts)
}

func (s *SQLStore) initSchemaContext(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) lockWrites() func() {
	if s.dialect != dialectSQLite {
		return func() {}
	}
	s.writeMu.Lock()
	return s.writeMu.Unlock
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.queryRow(ctx, `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLStore) UpsertUser(ctx context.Context, user *domain.User) error {
	defer s.lockWrites()()
	return withRetry(ctx, "upsert_user", func() error {
		_, err := s.exec(ctx, `
			INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				username = excluded.username,
				last_seen_at = excluded.last_seen_at,
				updated_at = excluded.updated_at`,
			user.UserID, user.Username, user.LastSeenAt.Unix(),
			user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	defer s.lockWrites()()
	result, err := s.exec(ctx, `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`,
		lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// CreateSession inserts a new session with its initial state.
func (s *SQLStore) CreateSession(ctx context.Context, session *domain.Session) error {
	stateJSON, err := json.Marshal(session.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	defer s.lockWrites()()
	return withRetry(ctx, "create_session", func() error {
		_, err := s.exec(ctx, `
			INSERT INTO sessions (session_id, user_id, status, version, state_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			session.SessionID, session.UserID, string(session.Status), session.Version,
			string(stateJSON), session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

const sessionColumns = `session_id, user_id, status, version, state_json, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var status, stateJSON string
	var createdAt, updatedAt int64
	if err := row.Scan(&sess.SessionID, &sess.UserID, &status, &sess.Version, &stateJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stateJSON), &sess.State); err != nil {
		return nil, fmt.Errorf("decode state of session %s: %w", sess.SessionID, err)
	}
	sess.Status = domain.SessionStatus(status)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return &sess, nil
}

// GetSession retrieves a session with its state.
func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

func (s *SQLStore) listSessions(ctx context.Context, query string, args ...any) ([]*domain.Session, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// ListSessions returns a user's sessions, most recently updated first.
func (s *SQLStore) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	return s.listSessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY updated_at DESC, session_id`, userID)
}

// GetIdleSessions returns active sessions not updated within ttl.
func (s *SQLStore) GetIdleSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error) {
	threshold := time.Now().Add(-ttl).Unix()
	return s.listSessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status = ? AND updated_at < ?`,
		string(domain.SessionActive), threshold)
}

// SaveSession stores the state snapshot, version and status of a session.
func (s *SQLStore) SaveSession(ctx context.Context, session *domain.Session) error {
	stateJSON, err := json.Marshal(session.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	updatedAt := session.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	defer s.lockWrites()()
	return withRetry(ctx, "save_session", func() error {
		result, err := s.exec(ctx, `
			UPDATE sessions SET status = ?, version = ?, state_json = ?, updated_at = ?
			WHERE session_id = ?`,
			string(session.Status), session.Version, string(stateJSON), updatedAt.Unix(), session.SessionID,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("session %s not found", session.SessionID)
		}
		return nil
	})
}

// UpdateSessionStatus changes only the lifecycle status.
func (s *SQLStore) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	defer s.lockWrites()()
	return withRetry(ctx, "update_session_status", func() error {
		_, err := s.exec(ctx, `UPDATE sessions SET status = ? WHERE session_id = ?`, string(status), sessionID)
		if err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		return nil
	})
}

// AppendTurn appends the audit rows of one invocation in a single transaction.
func (s *SQLStore) AppendTurn(ctx context.Context, rec TurnRecord) error {
	if rec.Empty() {
		return nil
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	ts := at.Unix()

	defer s.lockWrites()()
	return withRetry(ctx, "append_turn", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		txExec := func(query string, args ...any) error {
			_, err := tx.ExecContext(ctx, s.dialect.rebind(query), args...)
			return err
		}

		for i, m := range rec.Messages {
			if err := txExec(`
				INSERT INTO messages (session_id, seq, role, content, created_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(session_id, seq) DO NOTHING`,
				rec.SessionID, rec.MessageSeq+i, m.Role, m.Content, ts); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		}
		for _, a := range rec.Answers {
			if err := txExec(`
				INSERT INTO answers (session_id, question_id, dimension, text, score, weight, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(session_id, question_id) DO NOTHING`,
				rec.SessionID, a.QuestionID, a.Dimension, a.Text, a.Score, a.Weight, ts); err != nil {
				return fmt.Errorf("insert answer: %w", err)
			}
		}
		for _, is := range rec.ItemScores {
			if err := txExec(`
				INSERT INTO item_scores (session_id, question_id, dimension, score, weight, confidence, method, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(session_id, question_id) DO NOTHING`,
				rec.SessionID, is.QuestionID, is.Dimension, is.Score, is.Weight, is.Confidence, is.Method, ts); err != nil {
				return fmt.Errorf("insert item score: %w", err)
			}
		}
		for i, e := range rec.Logs {
			var payload any
			if len(e.Payload) > 0 {
				raw, err := json.Marshal(e.Payload)
				if err != nil {
					return fmt.Errorf("encode log payload: %w", err)
				}
				payload = string(raw)
			}
			if err := txExec(`
				INSERT INTO execution_logs (session_id, seq, step, status, payload_json, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(session_id, seq) DO NOTHING`,
				rec.SessionID, rec.LogSeq+i, e.Step, e.Status, payload, ts); err != nil {
				return fmt.Errorf("insert execution log: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit turn: %w", err)
		}
		return nil
	})
}

// ListMessages returns the stored transcript of a session in order.
func (s *SQLStore) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := s.query(ctx, `SELECT role, content FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// AddReportVersion stores a report snapshot under the next version number.
func (s *SQLStore) AddReportVersion(ctx context.Context, sessionID string, report map[string]any) (int, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return 0, fmt.Errorf("encode report: %w", err)
	}

	defer s.lockWrites()()
	var versionNo int
	err = withRetry(ctx, "add_report_version", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, s.dialect.rebind(
			`SELECT COALESCE(MAX(version_no), 0) + 1 FROM report_versions WHERE session_id = ?`), sessionID)
		if err := row.Scan(&versionNo); err != nil {
			return fmt.Errorf("next report version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO report_versions (session_id, version_no, report_json, created_at)
			VALUES (?, ?, ?, ?)`), sessionID, versionNo, string(raw), time.Now().Unix()); err != nil {
			return fmt.Errorf("insert report version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit report version: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return versionNo, nil
}

func scanReport(row rowScanner) (domain.ReportVersion, error) {
	var rv domain.ReportVersion
	var raw string
	var createdAt int64
	if err := row.Scan(&rv.SessionID, &rv.VersionNo, &raw, &createdAt); err != nil {
		return rv, err
	}
	if err := json.Unmarshal([]byte(raw), &rv.Report); err != nil {
		return rv, fmt.Errorf("decode report %s/%d: %w", rv.SessionID, rv.VersionNo, err)
	}
	rv.CreatedAt = time.Unix(createdAt, 0)
	return rv, nil
}

// GetReport returns a report version, or the latest when versionNo is 0.
func (s *SQLStore) GetReport(ctx context.Context, sessionID string, versionNo int) (*domain.ReportVersion, error) {
	var row *sql.Row
	if versionNo > 0 {
		row = s.queryRow(ctx, `
			SELECT session_id, version_no, report_json, created_at
			FROM report_versions WHERE session_id = ? AND version_no = ?`, sessionID, versionNo)
	} else {
		row = s.queryRow(ctx, `
			SELECT session_id, version_no, report_json, created_at
			FROM report_versions WHERE session_id = ? ORDER BY version_no DESC LIMIT 1`, sessionID)
	}
	rv, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan report row: %w", err)
	}
	return &rv, nil
}

// ListReports returns every report version of a session, oldest first.
func (s *SQLStore) ListReports(ctx context.Context, sessionID string) ([]domain.ReportVersion, error) {
	rows, err := s.query(ctx, `
		SELECT session_id, version_no, report_json, created_at
		FROM report_versions WHERE session_id = ? ORDER BY version_no`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close report rows", "error", closeErr)
		}
	}()

	var out []domain.ReportVersion
	for rows.Next() {
		rv, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report row: %w", err)
		}
		out = append(out, rv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return out, nil
}
