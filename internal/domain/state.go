package domain

import (
	"strings"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Execution log statuses.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusError     = "error"
)

// Message is one utterance of the dialogue.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PlanItem is a question selected for the session.
type PlanItem struct {
	Dimension     string  `json:"dimension"`
	QuestionID    string  `json:"question_id"`
	QuestionText  string  `json:"question_text"`
	ReverseScored bool    `json:"reverse_scored"`
	Weight        float64 `json:"weight"`
}

// CurrentQuestion records the plan item most recently put to the user.
type CurrentQuestion struct {
	Index         int     `json:"index"`
	Total         int     `json:"total"`
	QuestionID    string  `json:"question_id"`
	Dimension     string  `json:"dimension"`
	Text          string  `json:"text"`
	Prompt        string  `json:"prompt"`
	ReverseScored bool    `json:"reverse_scored"`
	Weight        float64 `json:"weight"`
}

// Anchors are exemplar phrases for the low and high ends of the Likert scale.
type Anchors struct {
	Low  string `json:"low_anchor,omitempty"`
	High string `json:"high_anchor,omitempty"`
}

// IsZero reports whether neither anchor is set.
func (a Anchors) IsZero() bool {
	return a.Low == "" && a.High == ""
}

// ScoreRecord is the outcome of the most recent scoring pass.
type ScoreRecord struct {
	QuestionID   string   `json:"question_id"`
	Dimension    string   `json:"dimension"`
	Score        float64  `json:"score"`
	Weight       float64  `json:"weight"`
	Confidence   float64  `json:"confidence"`
	NeedsClarify bool     `json:"needs_clarify"`
	Method       string   `json:"method"`
	Anchors      *Anchors `json:"anchors,omitempty"`
}

// Clarify is a pending request for a clearer answer to the current item.
type Clarify struct {
	QuestionID string  `json:"question_id"`
	Prompt     string  `json:"prompt"`
	Confidence float64 `json:"confidence"`
}

// Answer is an accepted free-text reply with its final score.
type Answer struct {
	QuestionID string  `json:"question_id"`
	Dimension  string  `json:"dimension"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	Weight     float64 `json:"weight"`
}

// ItemScore is the aggregation input for one accepted item.
type ItemScore struct {
	QuestionID string  `json:"question_id"`
	Dimension  string  `json:"dimension"`
	Score      float64 `json:"score"`
	Weight     float64 `json:"weight"`
	Confidence float64 `json:"confidence"`
	Method     string  `json:"method"`
}

// InterventionCard is a suggested exercise from the intervention catalog.
type InterventionCard struct {
	ID        string   `json:"id" yaml:"id"`
	Dimension string   `json:"dimension" yaml:"dimension"`
	Severity  []string `json:"severity,omitempty" yaml:"severity"`
	Title     string   `json:"title" yaml:"title"`
	Summary   string   `json:"summary,omitempty" yaml:"summary"`
	Steps     []string `json:"steps,omitempty" yaml:"steps"`
	Priority  int      `json:"priority,omitempty" yaml:"priority"`
}

// InterventionGroup holds the cards chosen for one dimension.
type InterventionGroup struct {
	Dimension string             `json:"dimension"`
	Cards     []InterventionCard `json:"cards"`
}

// ExecutionEntry is one row of the audit trail.
type ExecutionEntry struct {
	Step    string         `json:"step"`
	Status  string         `json:"status"`
	Payload map[string]any `json:"payload,omitempty"`
}

// StageError records a stage failure.
type StageError struct {
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// State is the session record passed through every workflow stage.
// Stages receive a private copy (see Clone) and return the updated value.
type State struct {
	SessionID string `json:"session_id"`
	Version   int    `json:"version"`

	Messages            []Message `json:"messages"`
	Profile             Profile   `json:"profile"`
	ProfileCompleteness float64   `json:"profile_completeness"`

	ExplorationNotes    []string `json:"exploration_notes"`
	ExplorationRound    int      `json:"exploration_round"`
	Intents             []string `json:"intents"`
	PrimaryIntent       string   `json:"primary_intent"`
	IntentConfidence    float64  `json:"intent_confidence"`
	NeedMoreExploration bool     `json:"need_more_exploration"`

	Plan            []PlanItem       `json:"plan"`
	QIndex          int              `json:"q_index"`
	CurrentQuestion *CurrentQuestion `json:"current_question,omitempty"`
	LastUserReply   string           `json:"last_user_reply"`
	LastScore       *ScoreRecord     `json:"last_score,omitempty"`
	Clarify         *Clarify         `json:"clarify,omitempty"`
	Answers         []Answer         `json:"answers"`
	ItemScores      []ItemScore      `json:"item_scores"`

	DimScores       map[string]float64  `json:"dim_scores,omitempty"`
	Severity        map[string]string   `json:"severity,omitempty"`
	OverallScore    *float64            `json:"overall_score,omitempty"`
	OverallSeverity string              `json:"overall_severity,omitempty"`
	Interventions   []InterventionGroup `json:"interventions,omitempty"`
	Report          map[string]any      `json:"report,omitempty"`
	ReportDate      string              `json:"report_date,omitempty"`

	AwaitingUserReply bool `json:"awaiting_user_reply"`
	PlanFinished      bool `json:"plan_finished"`
	Done              bool `json:"done"`

	ExecutionLog []ExecutionEntry `json:"execution_log"`
	Errors       []StageError     `json:"errors"`
}

// NewState returns an empty state for a session.
func NewState(sessionID string) State {
	return State{SessionID: sessionID}
}

// AddMessage appends a message, ignoring blank content.
func (s *State) AddMessage(role, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	s.Messages = append(s.Messages, Message{Role: role, Content: content})
}

// LatestUserMessage returns the content of the most recent user message.
func (s *State) LatestUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// Log appends an execution log entry.
func (s *State) Log(step, status string, payload map[string]any) {
	s.ExecutionLog = append(s.ExecutionLog, ExecutionEntry{Step: step, Status: status, Payload: payload})
}

// RecordError appends a stage failure to both audit trails.
func (s *State) RecordError(stage string, err error) {
	msg := err.Error()
	s.Log(stage, StatusError, map[string]any{"message": msg})
	s.Errors = append(s.Errors, StageError{Stage: stage, Error: msg})
}

// CurrentItem returns the plan item under the cursor.
func (s *State) CurrentItem() (PlanItem, bool) {
	if s.QIndex < 0 || s.QIndex >= len(s.Plan) {
		return PlanItem{}, false
	}
	return s.Plan[s.QIndex], true
}

// Snapshot returns the compact progress view published with state events.
func (s *State) Snapshot() map[string]any {
	return map[string]any{
		"version":              s.Version,
		"q_index":              s.QIndex,
		"plan_len":             len(s.Plan),
		"awaiting_user_reply":  s.AwaitingUserReply,
		"plan_finished":        s.PlanFinished,
		"profile_completeness": s.ProfileCompleteness,
		"done":                 s.Done,
	}
}

// Clone returns a deep copy that shares no mutable memory with s.
func (s State) Clone() State {
	out := s
	out.Messages = cloneSlice(s.Messages)
	out.Profile = s.Profile.Clone()
	out.ExplorationNotes = cloneSlice(s.ExplorationNotes)
	out.Intents = cloneSlice(s.Intents)
	out.Plan = cloneSlice(s.Plan)
	out.Answers = cloneSlice(s.Answers)
	out.ItemScores = cloneSlice(s.ItemScores)
	out.Errors = cloneSlice(s.Errors)

	if s.CurrentQuestion != nil {
		cq := *s.CurrentQuestion
		out.CurrentQuestion = &cq
	}
	if s.LastScore != nil {
		ls := *s.LastScore
		if s.LastScore.Anchors != nil {
			a := *s.LastScore.Anchors
			ls.Anchors = &a
		}
		out.LastScore = &ls
	}
	if s.Clarify != nil {
		c := *s.Clarify
		out.Clarify = &c
	}
	if s.OverallScore != nil {
		v := *s.OverallScore
		out.OverallScore = &v
	}
	if s.DimScores != nil {
		out.DimScores = make(map[string]float64, len(s.DimScores))
		for k, v := range s.DimScores {
			out.DimScores[k] = v
		}
	}
	if s.Severity != nil {
		out.Severity = make(map[string]string, len(s.Severity))
		for k, v := range s.Severity {
			out.Severity[k] = v
		}
	}
	if s.Interventions != nil {
		out.Interventions = make([]InterventionGroup, len(s.Interventions))
		for i, g := range s.Interventions {
			cards := make([]InterventionCard, len(g.Cards))
			for j, c := range g.Cards {
				c.Severity = cloneSlice(c.Severity)
				c.Steps = cloneSlice(c.Steps)
				cards[j] = c
			}
			out.Interventions[i] = InterventionGroup{Dimension: g.Dimension, Cards: cards}
		}
	}
	if s.Report != nil {
		out.Report = cloneValue(s.Report).(map[string]any)
	}
	if s.ExecutionLog != nil {
		out.ExecutionLog = make([]ExecutionEntry, len(s.ExecutionLog))
		for i, e := range s.ExecutionLog {
			if e.Payload != nil {
				e.Payload = cloneValue(e.Payload).(map[string]any)
			}
			out.ExecutionLog[i] = e
		}
	}
	return out
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

// cloneValue deep-copies JSON-shaped values.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	case []string:
		return cloneSlice(t)
	default:
		return v
	}
}
