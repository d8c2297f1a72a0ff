package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/mqol-labs/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "mqol.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newSession(id, userID string, updatedAt time.Time) *domain.Session {
	st := domain.NewState(id)
	st.AddMessage(domain.RoleAssistant, "你好")
	return &domain.Session{
		SessionID: id,
		UserID:    userID,
		Status:    domain.SessionActive,
		State:     st,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
}

// runRepositoryContract exercises Repository against any backend.
func runRepositoryContract(t *testing.T, repo Repository) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	t.Run("users", func(t *testing.T) {
		got, err := repo.GetUser(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)

		u := &domain.User{UserID: "u1", Username: "guest-1", LastSeenAt: now, CreatedAt: now, UpdatedAt: now}
		require.NoError(t, repo.UpsertUser(ctx, u))
		u.Username = "guest-renamed"
		require.NoError(t, repo.UpsertUser(ctx, u))

		later := now.Add(time.Hour)
		require.NoError(t, repo.UpdateLastSeen(ctx, "u1", later))

		got, err = repo.GetUser(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "guest-renamed", got.Username)
		assert.Equal(t, later.Unix(), got.LastSeenAt.Unix())
	})

	t.Run("sessions", func(t *testing.T) {
		got, err := repo.GetSession(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)

		old := newSession("s-old", "u1", now.Add(-2*time.Hour))
		fresh := newSession("s-new", "u1", now)
		other := newSession("s-other", "u2", now)
		for _, s := range []*domain.Session{old, fresh, other} {
			require.NoError(t, repo.CreateSession(ctx, s))
		}

		fresh.State.QIndex = 2
		fresh.State.Plan = []domain.PlanItem{{QuestionID: "C1", Dimension: "沟通", Weight: 1}}
		fresh.State.Report = map[string]any{"summary": "ok"}
		fresh.Version = 4
		fresh.Status = domain.SessionCompleted
		require.NoError(t, repo.SaveSession(ctx, fresh))

		got, err = repo.GetSession(ctx, "s-new")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, domain.SessionCompleted, got.Status)
		assert.Equal(t, 4, got.Version)
		assert.Equal(t, 2, got.State.QIndex)
		assert.Equal(t, fresh.State.Plan, got.State.Plan)
		assert.Equal(t, "ok", got.State.Report["summary"])
		assert.Equal(t, []domain.Message{{Role: domain.RoleAssistant, Content: "你好"}}, got.State.Messages)

		list, err := repo.ListSessions(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "s-new", list[0].SessionID)

		idle, err := repo.GetIdleSessions(ctx, time.Hour)
		require.NoError(t, err)
		require.Len(t, idle, 1)
		assert.Equal(t, "s-old", idle[0].SessionID)

		require.NoError(t, repo.UpdateSessionStatus(ctx, "s-old", domain.SessionPaused))
		idle, err = repo.GetIdleSessions(ctx, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, idle)

		assert.Error(t, repo.SaveSession(ctx, newSession("s-ghost", "u1", now)))
	})

	t.Run("append turn is idempotent", func(t *testing.T) {
		rec := TurnRecord{
			SessionID:  "s-audit",
			MessageSeq: 0,
			Messages: []domain.Message{
				{Role: domain.RoleUser, Content: "还行"},
				{Role: domain.RoleAssistant, Content: "下一题"},
			},
			Answers:    []domain.Answer{{QuestionID: "C1", Dimension: "沟通", Text: "还行", Score: 3, Weight: 1}},
			ItemScores: []domain.ItemScore{{QuestionID: "C1", Dimension: "沟通", Score: 3, Weight: 1, Confidence: 0.8, Method: "nl_infer"}},
			LogSeq:     0,
			Logs: []domain.ExecutionEntry{
				{Step: "scorer", Status: domain.StatusCompleted, Payload: map[string]any{"q_index": 1}},
				{Step: "interviewer", Status: domain.StatusSkipped},
			},
		}
		require.NoError(t, repo.AppendTurn(ctx, rec))
		require.NoError(t, repo.AppendTurn(ctx, rec))
		require.NoError(t, repo.AppendTurn(ctx, TurnRecord{SessionID: "s-audit"}))

		next := TurnRecord{
			SessionID:  "s-audit",
			MessageSeq: 2,
			Messages:   []domain.Message{{Role: domain.RoleUser, Content: "很好"}},
		}
		require.NoError(t, repo.AppendTurn(ctx, next))

		msgs, err := repo.ListMessages(ctx, "s-audit")
		require.NoError(t, err)
		assert.Equal(t, []string{"还行", "下一题", "很好"}, contents(msgs))
	})

	t.Run("report versions", func(t *testing.T) {
		got, err := repo.GetReport(ctx, "s-report", 0)
		require.NoError(t, err)
		assert.Nil(t, got)

		for i := 1; i <= 3; i++ {
			n, err := repo.AddReportVersion(ctx, "s-report", map[string]any{"summary": fmt.Sprintf("v%d", i)})
			require.NoError(t, err)
			assert.Equal(t, i, n)
		}

		latest, err := repo.GetReport(ctx, "s-report", 0)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, 3, latest.VersionNo)
		assert.Equal(t, "v3", latest.Report["summary"])

		first, err := repo.GetReport(ctx, "s-report", 1)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, "v1", first.Report["summary"])

		all, err := repo.ListReports(ctx, "s-report")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, 2, all[1].VersionNo)
	})

	require.NoError(t, repo.Ping(ctx))
}

func contents(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestSQLiteRepository(t *testing.T) {
	runRepositoryContract(t, newTestStore(t))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "mysql", "", "")
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestRebind(t *testing.T) {
	t.Parallel()

	q := `UPDATE sessions SET status = ? WHERE session_id = ?`
	assert.Equal(t, q, dialectSQLite.rebind(q))
	assert.Equal(t, `UPDATE sessions SET status = $1 WHERE session_id = $2`, dialectPostgres.rebind(q))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "sqlite busy", err: errors.New("exec: SQLITE_BUSY"), want: true},
		{name: "sqlite locked", err: fmt.Errorf("insert: %w", errors.New("database is locked (5)")), want: true},
		{name: "pg serialization", err: fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"}), want: true},
		{name: "pg deadlock", err: &pgconn.PgError{Code: "40P01"}, want: true},
		{name: "pg unique violation", err: &pgconn.PgError{Code: "23505"}, want: false},
		{name: "other", err: errors.New("syntax error"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestWithRetry(t *testing.T) {
	t.Parallel()

	calls := 0
	err := withRetry(context.Background(), "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("SQLITE_BUSY")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = withRetry(context.Background(), "test", func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	require.Error(t, err)
	assert.Equal(t, maxAttempts, calls)

	calls = 0
	err = withRetry(context.Background(), "test", func() error {
		calls++
		return errors.New("constraint failed")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
