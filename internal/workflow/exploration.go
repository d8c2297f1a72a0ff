package workflow

import (
	"context"
	"slices"
	"strings"

	"github.com/ashureev/mqol-labs/internal/domain"
	"github.com/ashureev/mqol-labs/internal/events"
	"github.com/ashureev/mqol-labs/internal/prompts"
)

// intentNotesWindow is how many recent notes intent recognition reads.
const intentNotesWindow = 5

// problemExploration gathers the user's concerns as structured notes.
func problemExploration(ctx context.Context, t *turn, st domain.State) (domain.State, error) {
	if len(st.Plan) > 0 {
		return skip(st, StageProblemExploration, "plan_exists", nil)
	}

	if latest := st.LatestUserMessage(); latest != "" && !slices.Contains(st.ExplorationNotes, latest) {
		st.ExplorationNotes = append(st.ExplorationNotes, latest)
	}
	st.ExplorationRound++

	prompt, err := t.render(prompts.ProblemExploration, map[string]any{
		"profile":           st.Profile,
		"exploration_notes": st.ExplorationNotes,
		"round":             st.ExplorationRound,
	})
	if err != nil {
		return st, err
	}
	data, err := t.streamJSON(ctx, prompt)
	if err != nil {
		return st, err
	}

	st.ExplorationNotes = append(st.ExplorationNotes, asStrings(data["new_notes"])...)
	probes := asStrings(data["probe_questions"])
	lines := append([]string{asText(data["empathic_reply"])}, probes...)
	st.AddMessage(domain.RoleAssistant, strings.TrimSpace(strings.Join(lines, "\n")))

	if probes == nil {
		probes = []string{}
	}
	summary := map[string]any{
		"round":           st.ExplorationRound,
		"notes_count":     len(st.ExplorationNotes),
		"probe_questions": probes,
	}
	t.emit(ctx, events.TypeSummary, summary)
	st.Log(string(StageProblemExploration), domain.StatusCompleted, summary)
	return st, nil
}

// intentRecognition classifies the recent notes into assessment dimensions.
func intentRecognition(ctx context.Context, t *turn, st domain.State) (domain.State, error) {
	if len(st.Plan) > 0 {
		return skip(st, StageIntentRecognition, "plan_exists", nil)
	}

	notes := st.ExplorationNotes
	if len(notes) > intentNotesWindow {
		notes = notes[len(notes)-intentNotesWindow:]
	}
	prompt, err := t.render(prompts.IntentRecognition, map[string]any{
		"notes": strings.Join(notes, "\n"),
	})
	if err != nil {
		return st, err
	}
	data, err := t.completeJSON(ctx, prompt)
	if err != nil {
		return st, err
	}

	intents := asStrings(data["intents"])
	primary := asText(data["primary_intent"])
	if primary == "" && len(intents) > 0 {
		primary = intents[0]
	}
	confidence, _ := asFloat(data["confidence_score"])
	confidence = clamp(confidence, 0, 1)

	st.Intents = intents
	st.PrimaryIntent = primary
	st.IntentConfidence = confidence
	st.NeedMoreExploration = confidence < t.cfg.IntentThreshold

	if intents == nil {
		intents = []string{}
	}
	summary := map[string]any{
		"primary_intent":        primary,
		"intents":               intents,
		"confidence":            confidence,
		"need_more_exploration": st.NeedMoreExploration,
	}
	t.emit(ctx, events.TypeSummary, summary)
	st.Log(string(StageIntentRecognition), domain.StatusCompleted, summary)
	return st, nil
}
