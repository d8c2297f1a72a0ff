package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/mqol-labs/internal/domain"
	"github.com/ashureev/mqol-labs/internal/events"
	"github.com/ashureev/mqol-labs/internal/llm/llmtest"
	"github.com/ashureev/mqol-labs/internal/questionbank"
	"github.com/ashureev/mqol-labs/internal/store"
	"github.com/ashureev/mqol-labs/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const greetingReply = `{"ask_next":"您好，先告诉我怎么称呼您吧？"}`

const profileReply = `{"empathic_opening":"谢谢你愿意分享。",
"updated_fields":{"nickname":"小林","gender":"女","age":"34","marital_status":"在婚",
"marriage_type":"初婚","marriage_duration_years":"6","spouse_age":"36","spouse_occupation":"工程师",
"spouse_prior_marriage":"否","children_count":0},
"closing":"我们开始聊聊你最近的困扰吧。"}`

func smallBank() *questionbank.Bank {
	return &questionbank.Bank{
		Name:    "session_test",
		Version: "1.0.0",
		Source:  "test",
		Dimensions: []questionbank.Dimension{
			{Key: "communication", Name: "沟通", Items: []questionbank.Item{
				{ID: "C1", Text: "我们能坦诚交流。", Weight: 1},
				{ID: "C2", Text: "我们经常话不投机。", Reverse: true, Weight: 1},
			}},
		},
	}
}

func newRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newEngine(t *testing.T, client *llmtest.Scripted) *workflow.Engine {
	t.Helper()
	e, err := workflow.NewEngine(workflow.Deps{
		LLM:    client,
		Bank:   questionbank.Static(smallBank()),
		Logger: discardLogger,
	})
	require.NoError(t, err)
	return e
}

type pruneRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (p *pruneRecorder) Prune(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
}

func TestCreateGreetsAndPersists(t *testing.T) {
	t.Parallel()

	repo := newRepo(t)
	rec := &events.Recorder{}
	svc, err := New(Options{Repo: repo, Engine: newEngine(t, llmtest.New()), Emitter: rec, Logger: discardLogger})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := svc.Create(ctx, "anon_a", nil)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, domain.RoleAssistant, res.Messages[0].Role)
	assert.True(t, res.Session.State.AwaitingUserReply)
	assert.Equal(t, domain.SessionActive, res.Session.Status)

	stored, err := repo.GetSession(ctx, res.Session.SessionID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, res.Session.Version, stored.Version)
	assert.Equal(t, res.Session.State.Messages, stored.State.Messages)

	msgs, err := repo.ListMessages(ctx, res.Session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, res.Session.State.Messages, msgs)

	states := rec.OfType(events.TypeState)
	require.NotEmpty(t, states)
	last := states[len(states)-1]
	assert.Empty(t, last.Stage)
	assert.Equal(t, res.Session.Version, last.Payload["version"])
}

func TestTurnRunsAssessmentToReport(t *testing.T) {
	t.Parallel()

	client := llmtest.New().
		On("TASK: receptionist", greetingReply, profileReply).
		On("TASK: problem_exploration", `{"empathic_reply":"听起来很辛苦。","new_notes":["沟通不畅"]}`).
		On("TASK: intent_recognition", `{"intents":["沟通"],"primary_intent":"沟通","confidence_score":0.9}`).
		On("TASK: interviewer", `{"question":"最近你们聊天顺畅吗？"}`).
		On("TASK: scorer", `{"score":4,"confidence":0.9}`).
		On("TASK: report_writer", `{"summary":"整体良好。"}`)
	repo := newRepo(t)
	pruner := &pruneRecorder{}
	svc, err := New(Options{Repo: repo, Engine: newEngine(t, client), Pruner: pruner, Logger: discardLogger})
	require.NoError(t, err)
	ctx := context.Background()

	created, err := svc.Create(ctx, "anon_b", nil)
	require.NoError(t, err)
	id := created.Session.SessionID

	sink := &events.Recorder{}
	res, err := svc.Turn(ctx, "anon_b", id, "我是小林", sink)
	require.NoError(t, err)
	require.NotNil(t, res.Session.State.CurrentQuestion)
	assert.Equal(t, "C1", res.Session.State.CurrentQuestion.QuestionID)
	assert.NotEmpty(t, sink.OfType(events.TypeToken), "per-turn emitter receives stage tokens")
	assert.Len(t, sink.OfType(events.TypeState), 2, "receptionist state plus the turn snapshot")

	for _, answer := range []string{"挺好的", "很少话不投机"} {
		res, err = svc.Turn(ctx, "anon_b", id, answer, nil)
		require.NoError(t, err)
	}

	assert.True(t, res.Session.State.Done)
	assert.Equal(t, domain.SessionCompleted, res.Session.Status)
	assert.Equal(t, 1, res.ReportVersion)

	rv, err := svc.Report(ctx, "anon_b", id, 0)
	require.NoError(t, err)
	assert.Equal(t, "整体良好。", rv.Report["summary"])

	list, err := svc.Reports(ctx, "anon_b", id)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	msgs, err := repo.ListMessages(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, res.Session.State.Messages, msgs, "audit rows mirror the transcript")

	// A turn on a finished session stores no further report.
	again, err := svc.Turn(ctx, "anon_b", id, "谢谢", nil)
	require.NoError(t, err)
	assert.Zero(t, again.ReportVersion)

	svc.Reap(ctx, time.Hour)
	assert.Contains(t, pruner.ids, id)
}

func TestTurnRejectsForeignAndUnknownSessions(t *testing.T) {
	t.Parallel()

	svc, err := New(Options{Repo: newRepo(t), Engine: newEngine(t, llmtest.New()), Logger: discardLogger})
	require.NoError(t, err)
	ctx := context.Background()

	created, err := svc.Create(ctx, "anon_owner", nil)
	require.NoError(t, err)

	_, err = svc.Turn(ctx, "anon_other", created.Session.SessionID, "你好", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.Turn(ctx, "anon_owner", "missing", "你好", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.Report(ctx, "anon_owner", created.Session.SessionID, 0)
	assert.ErrorIs(t, err, ErrReportNotFound)
}

// blockingEngine parks Invoke until release is closed.
type blockingEngine struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingEngine) Invoke(ctx context.Context, st domain.State, _ workflow.SessionConfig) (domain.State, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return st, ctx.Err()
	}
	st.Version++
	return st, nil
}

func TestTurnIsSingleFlightPerSession(t *testing.T) {
	t.Parallel()

	repo := newRepo(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, repo.CreateSession(ctx, &domain.Session{
		SessionID: "s1", UserID: "u", Status: domain.SessionActive,
		State: workflow.StartState("s1"), CreatedAt: now, UpdatedAt: now,
	}))

	eng := &blockingEngine{entered: make(chan struct{}, 2), release: make(chan struct{})}
	svc, err := New(Options{Repo: repo, Engine: eng, Logger: discardLogger})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Turn(ctx, "u", "s1", "第一条", nil)
		done <- err
	}()
	<-eng.entered

	_, err = svc.Turn(ctx, "u", "s1", "第二条", nil)
	assert.ErrorIs(t, err, ErrSessionBusy)

	close(eng.release)
	require.NoError(t, <-done)

	res, err := svc.Turn(ctx, "u", "s1", "第三条", nil)
	require.NoError(t, err)
	<-eng.entered
	assert.Equal(t, 2, res.Session.Version)
}

type failingRepo struct {
	store.Repository
	appendErr error
	saveErr   error
}

func (f *failingRepo) AppendTurn(ctx context.Context, rec store.TurnRecord) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	return f.Repository.AppendTurn(ctx, rec)
}

func (f *failingRepo) SaveSession(ctx context.Context, s *domain.Session) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.Repository.SaveSession(ctx, s)
}

func TestPersistenceFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("audit failure is logged only", func(t *testing.T) {
		t.Parallel()
		repo := &failingRepo{Repository: newRepo(t), appendErr: errors.New("disk full")}
		svc, err := New(Options{Repo: repo, Engine: newEngine(t, llmtest.New()), Logger: discardLogger})
		require.NoError(t, err)

		res, err := svc.Create(ctx, "u", nil)
		require.NoError(t, err)
		msgs, err := repo.ListMessages(ctx, res.Session.SessionID)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("snapshot failure fails the turn", func(t *testing.T) {
		t.Parallel()
		repo := &failingRepo{Repository: newRepo(t), saveErr: errors.New("read-only")}
		svc, err := New(Options{Repo: repo, Engine: newEngine(t, llmtest.New()), Logger: discardLogger})
		require.NoError(t, err)

		_, err = svc.Create(ctx, "u", nil)
		assert.ErrorContains(t, err, "read-only")
	})
}

func TestReapPausesIdleSessions(t *testing.T) {
	t.Parallel()

	repo := newRepo(t)
	pruner := &pruneRecorder{}
	past := time.Now().Add(-3 * time.Hour)
	svc, err := New(Options{
		Repo:    repo,
		Engine:  newEngine(t, llmtest.New()),
		Pruner:  pruner,
		Logger:  discardLogger,
		Now:     func() time.Time { return past },
	})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := svc.Create(ctx, "u", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, svc.Reap(ctx, time.Hour))
	stored, err := repo.GetSession(ctx, res.Session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPaused, stored.Status)
	assert.Equal(t, []string{res.Session.SessionID}, pruner.ids)

	assert.Zero(t, svc.Reap(ctx, time.Hour), "paused sessions are not reaped twice")
}

func TestDelta(t *testing.T) {
	t.Parallel()

	prev := domain.NewState("s")
	prev.AddMessage(domain.RoleAssistant, "你好")
	prev.Log("receptionist", domain.StatusCompleted, nil)

	next := prev.Clone()
	next.AddMessage(domain.RoleUser, "还行")
	next.AddMessage(domain.RoleAssistant, "下一题")
	next.Answers = append(next.Answers, domain.Answer{QuestionID: "C1"})
	next.Log("scorer", domain.StatusCompleted, nil)

	rec := delta("s", prev, next, time.Unix(100, 0))
	assert.Equal(t, 1, rec.MessageSeq)
	assert.Len(t, rec.Messages, 2)
	assert.Len(t, rec.Answers, 1)
	assert.Empty(t, rec.ItemScores)
	assert.Equal(t, 1, rec.LogSeq)
	require.Len(t, rec.Logs, 1)
	assert.Equal(t, "scorer", rec.Logs[0].Step)

	assert.True(t, delta("s", next, next, time.Now()).Empty())
}
