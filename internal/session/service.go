// Package session drives workflow turns for stored assessment sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/mqol-labs/internal/domain"
	"github.com/ashureev/mqol-labs/internal/events"
	"github.com/ashureev/mqol-labs/internal/metrics"
	"github.com/ashureev/mqol-labs/internal/store"
	"github.com/ashureev/mqol-labs/internal/transcript"
	"github.com/ashureev/mqol-labs/internal/workflow"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrSessionBusy is returned when a turn is already running for the session.
	ErrSessionBusy = errors.New("session busy")
	// ErrSessionNotFound is returned for unknown sessions and sessions owned
	// by another user.
	ErrSessionNotFound = errors.New("session not found")
	// ErrReportNotFound is returned when the requested report version does
	// not exist.
	ErrReportNotFound = errors.New("report not found")
)

// Invoker runs the workflow over a state.
type Invoker interface {
	Invoke(ctx context.Context, state domain.State, cfg workflow.SessionConfig) (domain.State, error)
}

// Pruner drops the replay history of a session.
type Pruner interface {
	Prune(sessionID string)
}

// Options configures a Service. Repo and Engine are required.
type Options struct {
	Repo       store.Repository
	Engine     Invoker
	Emitter    events.Emitter
	Pruner     Pruner
	Transcript transcript.Logger
	Workflow   workflow.SessionConfig
	Logger     *slog.Logger
	Now        func() time.Time
	// Channel tags transcript entries, e.g. "http" or "cli".
	Channel string
}

// Service serializes turns per session and persists their results.
type Service struct {
	repo       store.Repository
	engine     Invoker
	emitter    events.Emitter
	pruner     Pruner
	transcript transcript.Logger
	workflow   workflow.SessionConfig
	logger     *slog.Logger
	now        func() time.Time
	channel    string

	mu       sync.Mutex
	inflight map[string]*semaphore.Weighted
	finished map[string]struct{}
}

// TurnResult is the outcome of one turn.
type TurnResult struct {
	Session *domain.Session
	// Messages are the assistant messages produced by the turn.
	Messages []domain.Message
	// ReportVersion is set when the turn stored a new report version.
	ReportVersion int
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Repo == nil {
		return nil, errors.New("session: repository is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("session: workflow engine is required")
	}
	s := &Service{
		repo:       opts.Repo,
		engine:     opts.Engine,
		emitter:    opts.Emitter,
		pruner:     opts.Pruner,
		transcript: opts.Transcript,
		workflow:   opts.Workflow,
		logger:     opts.Logger,
		now:        opts.Now,
		channel:    opts.Channel,
		inflight:   make(map[string]*semaphore.Weighted),
		finished:   make(map[string]struct{}),
	}
	if s.emitter == nil {
		s.emitter = events.Discard
	}
	if s.transcript == nil {
		s.transcript = transcript.Noop
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.channel == "" {
		s.channel = "http"
	}
	return s, nil
}

// acquire takes the per-session slot without waiting.
func (s *Service) acquire(sessionID string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.inflight[sessionID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.inflight[sessionID] = sem
	}
	if !sem.TryAcquire(1) {
		metrics.BusySessions.Inc()
		return nil, ErrSessionBusy
	}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		sem.Release(1)
		delete(s.inflight, sessionID)
	}, nil
}

// Create starts a session for userID and runs its first turn, which greets
// the user.
func (s *Service) Create(ctx context.Context, userID string, emitter events.Emitter) (*TurnResult, error) {
	now := s.now()
	id := uuid.NewString()
	sess := &domain.Session{
		SessionID: id,
		UserID:    userID,
		Status:    domain.SessionActive,
		State:     workflow.StartState(id),
		CreatedAt: now,
		UpdatedAt: now,
	}

	release, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("Session created", "session_id", id, "user_id", userID)
	return s.run(ctx, sess, "", emitter)
}

// Turn applies message to the session and runs the workflow until it pauses
// or finishes.
func (s *Service) Turn(ctx context.Context, userID, sessionID, message string, emitter events.Emitter) (*TurnResult, error) {
	release, err := s.acquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.Get(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, sess, message, emitter)
}

func (s *Service) run(ctx context.Context, sess *domain.Session, message string, emitter events.Emitter) (*TurnResult, error) {
	prev := sess.State
	st := prev
	if message != "" {
		st = workflow.ApplyUserReply(prev, message)
		if len(st.Messages) > len(prev.Messages) {
			s.logTranscript(sess, "outbound", "user_message", message, nil)
		}
	}

	cfg := s.workflow
	cfg.SessionID = sess.SessionID
	cfg.Emitter = emitter

	next, err := s.engine.Invoke(ctx, st, cfg)
	if err != nil {
		return nil, fmt.Errorf("invoke workflow: %w", err)
	}

	rec := delta(sess.SessionID, prev, next, s.now())
	if err := s.repo.AppendTurn(ctx, rec); err != nil {
		s.logger.Error("Failed to append turn audit rows", "session_id", sess.SessionID, "error", err)
	}

	sess.State = next
	sess.Version = next.Version
	sess.Status = domain.StatusFor(next)
	sess.UpdatedAt = s.now()
	if err := s.repo.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	res := &TurnResult{Session: sess}
	for _, m := range rec.Messages {
		if m.Role == domain.RoleAssistant {
			res.Messages = append(res.Messages, m)
			s.logTranscript(sess, "inbound", "assistant_message", m.Content, map[string]any{"version": next.Version})
		}
	}

	if next.Done && !prev.Done && next.Report != nil {
		n, err := s.repo.AddReportVersion(ctx, sess.SessionID, next.Report)
		if err != nil {
			s.logger.Error("Failed to store report version", "session_id", sess.SessionID, "error", err)
		} else {
			res.ReportVersion = n
			s.logTranscript(sess, "inbound", "report", "", map[string]any{"version_no": n})
		}
		s.mu.Lock()
		s.finished[sess.SessionID] = struct{}{}
		s.mu.Unlock()
	}

	ev := events.Event{
		SessionID: sess.SessionID,
		Type:      events.TypeState,
		Payload:   next.Snapshot(),
		Time:      s.now().UTC(),
	}
	if err := events.Multi(s.emitter, emitter).Emit(ctx, ev); err != nil {
		s.logger.Warn("Failed to emit state event", "session_id", sess.SessionID, "error", err)
	}

	s.logger.Info("Session turn completed",
		"session_id", sess.SessionID,
		"version", next.Version,
		"status", sess.Status,
		"new_messages", len(rec.Messages),
		"new_logs", len(rec.Logs),
	)
	return res, nil
}

// delta collects the audit rows next added on top of prev.
func delta(sessionID string, prev, next domain.State, at time.Time) store.TurnRecord {
	return store.TurnRecord{
		SessionID:  sessionID,
		MessageSeq: len(prev.Messages),
		Messages:   tail(next.Messages, len(prev.Messages)),
		Answers:    tail(next.Answers, len(prev.Answers)),
		ItemScores: tail(next.ItemScores, len(prev.ItemScores)),
		LogSeq:     len(prev.ExecutionLog),
		Logs:       tail(next.ExecutionLog, len(prev.ExecutionLog)),
		At:         at,
	}
}

func tail[T any](s []T, from int) []T {
	if from >= len(s) {
		return nil
	}
	return s[from:]
}

func (s *Service) logTranscript(sess *domain.Session, direction, eventType, content string, meta map[string]any) {
	s.transcript.Log(transcript.Entry{
		Timestamp:  s.now().UTC().Format(time.RFC3339Nano),
		UserID:     sess.UserID,
		SessionID:  sess.SessionID,
		Channel:    s.channel,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}

// Get returns a session owned by userID.
func (s *Service) Get(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil || sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// List returns the sessions of userID.
func (s *Service) List(ctx context.Context, userID string) ([]*domain.Session, error) {
	return s.repo.ListSessions(ctx, userID)
}

// Report returns a stored report version; versionNo 0 selects the latest.
func (s *Service) Report(ctx context.Context, userID, sessionID string, versionNo int) (*domain.ReportVersion, error) {
	if _, err := s.Get(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	rv, err := s.repo.GetReport(ctx, sessionID, versionNo)
	if err != nil {
		return nil, fmt.Errorf("load report: %w", err)
	}
	if rv == nil {
		return nil, ErrReportNotFound
	}
	return rv, nil
}

// Reports lists the report versions of a session.
func (s *Service) Reports(ctx context.Context, userID, sessionID string) ([]domain.ReportVersion, error) {
	if _, err := s.Get(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListReports(ctx, sessionID)
}

// Close flushes the transcript.
func (s *Service) Close() error {
	return s.transcript.Close()
}
