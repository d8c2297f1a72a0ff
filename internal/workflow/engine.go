// Package workflow runs the MQoL assessment as a resumable state machine.
//
// Every invocation starts at the receptionist and walks the routing table
// until a stage leaves the session waiting for the user or the report is
// written. Stages that have already achieved their goal skip themselves, so
// the caller resumes a session simply by applying the user's reply to the
// stored state and invoking again.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/mqol-labs/internal/domain"
	"github.com/ashureev/mqol-labs/internal/events"
	"github.com/ashureev/mqol-labs/internal/interventions"
	"github.com/ashureev/mqol-labs/internal/llm"
	"github.com/ashureev/mqol-labs/internal/metrics"
	"github.com/ashureev/mqol-labs/internal/prompts"
	"github.com/ashureev/mqol-labs/internal/questionbank"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrMaxSteps is recorded when an invocation exceeds its step budget.
	ErrMaxSteps = errors.New("workflow step limit exceeded")
	// ErrPlanAlreadySet is reported when the planner finds an existing plan.
	ErrPlanAlreadySet = errors.New("plan already set")
	// errMissingDependency is returned by NewEngine for incomplete Deps.
	errMissingDependency = errors.New("workflow: missing dependency")
)

// BankSource provides the question bank in use.
type BankSource interface {
	Bank() *questionbank.Bank
}

// Deps are the collaborators of the engine. LLM is required; the others
// default to the embedded prompts, the built-in bank and catalog, a discard
// emitter and the global tracer.
type Deps struct {
	LLM      llm.Client
	Prompts  *prompts.Renderer
	Bank     BankSource
	Catalog  *interventions.Catalog
	Emitter  events.Emitter
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Now      func() time.Time
	QueueCap int
}

// Engine executes the stage graph. It holds no per-session state and is safe
// for concurrent use across sessions.
type Engine struct {
	llm      llm.Client
	prompts  *prompts.Renderer
	bank     BankSource
	catalog  *interventions.Catalog
	emitter  events.Emitter
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	queueCap int
	stages   map[Stage]stageFunc
}

// stageFunc transforms a private copy of the state.
type stageFunc func(ctx context.Context, t *turn, st domain.State) (domain.State, error)

// NewEngine validates deps and builds an engine.
func NewEngine(deps Deps) (*Engine, error) {
	if deps.LLM == nil {
		return nil, fmt.Errorf("%w: LLM client", errMissingDependency)
	}
	e := &Engine{
		llm:      deps.LLM,
		prompts:  deps.Prompts,
		bank:     deps.Bank,
		catalog:  deps.Catalog,
		emitter:  deps.Emitter,
		logger:   deps.Logger,
		tracer:   deps.Tracer,
		now:      deps.Now,
		queueCap: deps.QueueCap,
	}
	if e.prompts == nil {
		r, err := prompts.New()
		if err != nil {
			return nil, err
		}
		e.prompts = r
	}
	if e.bank == nil {
		e.bank = questionbank.Static(questionbank.Fallback())
	}
	if e.catalog == nil {
		e.catalog = interventions.Default()
	}
	if e.emitter == nil {
		e.emitter = events.Discard
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/ashureev/mqol-labs/internal/workflow")
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.stages = map[Stage]stageFunc{
		StageReceptionist:       receptionist,
		StageProblemExploration: problemExploration,
		StageIntentRecognition:  intentRecognition,
		StagePlanner:            planner,
		StageInterviewer:        interviewer,
		StageScorer:             scorer,
		StageAggregator:         aggregator,
		StageInterventions:      interventionsStage,
		StageReportWriter:       reportWriter,
	}
	return e, nil
}

// StartState returns the initial state of a new session.
func StartState(sessionID string) domain.State {
	st := domain.NewState(sessionID)
	st.ProfileCompleteness = Completeness(st.Profile)
	return st
}

// ApplyUserReply records the user's reply and releases the pause. A blank
// reply leaves the state unchanged.
func ApplyUserReply(st domain.State, text string) domain.State {
	text = strings.TrimSpace(text)
	out := st.Clone()
	if text == "" {
		return out
	}
	out.AddMessage(domain.RoleUser, text)
	out.LastUserReply = text
	out.AwaitingUserReply = false
	return out
}

// Invoke runs stages from the entry stage until the session pauses or the
// report is done. Stage failures are recorded in the returned state and do
// not surface as errors; the error is non-nil only when ctx ends.
func (e *Engine) Invoke(ctx context.Context, state domain.State, cfg SessionConfig) (domain.State, error) {
	if e == nil || e.llm == nil {
		return state, fmt.Errorf("%w: engine not initialized", errMissingDependency)
	}
	cfg = cfg.withDefaults(state.SessionID, e.now())

	emitter := e.emitter
	if cfg.Emitter != nil {
		emitter = events.Multi(e.emitter, cfg.Emitter)
	}
	t := &turn{engine: e, cfg: cfg, emitter: emitter, runs: make(map[Stage]int)}

	ctx, span := e.tracer.Start(ctx, "workflow.invoke", trace.WithAttributes(
		attribute.String("session.id", cfg.SessionID),
		attribute.Int("state.version", state.Version),
	))
	defer span.End()

	st := state.Clone()
	cur := EntryStage
	outcome := "paused"
	steps := 0
	for {
		if err := ctx.Err(); err != nil {
			metrics.Turns.WithLabelValues("cancelled").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancelled")
			return st, err
		}
		if steps >= cfg.MaxSteps {
			st.RecordError("engine", fmt.Errorf("%w: %d", ErrMaxSteps, cfg.MaxSteps))
			outcome = "max_steps"
			e.logger.Error("Workflow step limit exceeded", "session_id", cfg.SessionID, "stage", cur, "max_steps", cfg.MaxSteps)
			break
		}
		steps++

		st = e.runStage(ctx, t, cur, st)
		next := Route(cur, &st, cfg)
		if next == Pause || next == End {
			if next == End {
				outcome = "done"
			}
			break
		}
		cur = next
	}

	metrics.Turns.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("workflow.outcome", outcome), attribute.Int("workflow.steps", steps))
	e.logger.Info("Workflow invocation finished",
		"session_id", cfg.SessionID,
		"outcome", outcome,
		"steps", steps,
		"last_stage", cur,
		"version", st.Version,
		"q_index", st.QIndex,
		"awaiting_user_reply", st.AwaitingUserReply,
	)
	return st, nil
}

// runStage executes one stage on a copy of st and returns the state to carry
// forward: the stage's result on success, or st plus an error record.
func (e *Engine) runStage(ctx context.Context, t *turn, stage Stage, st domain.State) domain.State {
	ctx, span := e.tracer.Start(ctx, "workflow."+string(stage), trace.WithAttributes(
		attribute.String("session.id", t.cfg.SessionID),
		attribute.Int("workflow.q_index", st.QIndex),
	))
	defer span.End()

	t.stage = stage
	t.runs[stage]++
	t.emit(ctx, events.TypeStageStart, map[string]any{"q_index": st.QIndex, "version": st.Version})

	start := time.Now()
	next, err := e.stages[stage](ctx, t, st.Clone())
	elapsed := time.Since(start)

	status := domain.StatusCompleted
	endPayload := map[string]any{}
	if err != nil {
		status = domain.StatusError
		// Exploration rounds count attempts, so a failed round still uses
		// up the intent loop budget.
		st.ExplorationRound = max(st.ExplorationRound, next.ExplorationRound)
		st.RecordError(string(stage), err)
		endPayload["error"] = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("Workflow stage failed",
			"session_id", t.cfg.SessionID,
			"stage", stage,
			"error", err,
			"transient", llm.IsTransient(err),
		)
	} else {
		if entry, ok := lastEntry(next, len(st.ExecutionLog), stage); ok {
			status = entry.Status
			for k, v := range entry.Payload {
				endPayload[k] = v
			}
		}
		next.Version = st.Version + 1
		st = next
	}
	endPayload["status"] = status

	metrics.StageRuns.WithLabelValues(string(stage), status).Inc()
	metrics.StageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
	span.SetAttributes(attribute.String("workflow.status", status))
	t.emit(ctx, events.TypeStageEnd, endPayload)
	return st
}

// lastEntry returns the newest execution log entry the stage appended.
func lastEntry(st domain.State, before int, stage Stage) (domain.ExecutionEntry, bool) {
	for i := len(st.ExecutionLog) - 1; i >= before; i-- {
		if st.ExecutionLog[i].Step == string(stage) {
			return st.ExecutionLog[i], true
		}
	}
	return domain.ExecutionEntry{}, false
}

// turn is the context of one invocation shared by its stages.
type turn struct {
	engine  *Engine
	cfg     SessionConfig
	emitter events.Emitter
	stage   Stage
	// runs counts executions per stage in this invocation.
	runs map[Stage]int
}

func (t *turn) emit(ctx context.Context, typ events.Type, payload map[string]any) {
	ev := events.Event{
		SessionID: t.cfg.SessionID,
		Type:      typ,
		Stage:     string(t.stage),
		Payload:   payload,
		Time:      time.Now().UTC(),
	}
	if err := t.emitter.Emit(ctx, ev); err != nil {
		t.engine.logger.Warn("Failed to emit workflow event", "session_id", t.cfg.SessionID, "type", typ, "error", err)
	}
}

func (t *turn) render(name string, vars map[string]any) (string, error) {
	return t.engine.prompts.Render(name, vars)
}

// streamJSON streams the model reply as token events and decodes the final
// text. All tokens are delivered before it returns.
func (t *turn) streamJSON(ctx context.Context, prompt string) (map[string]any, error) {
	q := events.NewTokenQueue(ctx, t.emitter, t.cfg.SessionID, string(t.stage), t.engine.queueCap, t.engine.logger)
	text, err := t.engine.llm.StreamText(ctx, prompt, q.Push)
	q.Close()
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", t.stage, err)
	}
	return decodeReply(text)
}

// completeJSON requests a full reply without token events.
func (t *turn) completeJSON(ctx context.Context, prompt string) (map[string]any, error) {
	text, err := t.engine.llm.CompleteText(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("complete %s: %w", t.stage, err)
	}
	return decodeReply(text)
}

func decodeReply(text string) (map[string]any, error) {
	data := map[string]any{}
	if err := llm.DecodeJSON(text, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// skip logs a no-op stage and returns st.
func skip(st domain.State, stage Stage, reason string, extra map[string]any) (domain.State, error) {
	payload := map[string]any{"reason": reason}
	for k, v := range extra {
		payload[k] = v
	}
	st.Log(string(stage), domain.StatusSkipped, payload)
	return st, nil
}
