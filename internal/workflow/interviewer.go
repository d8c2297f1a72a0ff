package workflow

import (
	"context"

	"github.com/ashureev/mqol-labs/internal/domain"
	"github.com/ashureev/mqol-labs/internal/prompts"
)

// interviewer puts the item under the cursor to the user. It never moves the
// cursor.
func interviewer(ctx context.Context, t *turn, st domain.State) (domain.State, error) {
	item, ok := st.CurrentItem()
	if !ok {
		return skip(st, StageInterviewer, "no_plan_or_exhausted", map[string]any{"q_index": st.QIndex})
	}
	if cq := st.CurrentQuestion; cq != nil && cq.Index == st.QIndex && cq.QuestionID == item.QuestionID &&
		st.LastUserReply != "" && t.runs[StageScorer] == 0 {
		// Resumed turn: the question is already on screen and the pending
		// reply belongs to the scorer. Once the scorer has had its pass the
		// question is asked again.
		return skip(st, StageInterviewer, "already_asked", map[string]any{"q_index": st.QIndex})
	}

	vars := map[string]any{
		"dimension_name":  item.Dimension,
		"question_id":     item.QuestionID,
		"question_text":   item.QuestionText,
		"reverse_scored":  item.ReverseScored,
		"progress":        map[string]any{"current": st.QIndex + 1, "total": len(st.Plan)},
		"last_user_reply": st.LastUserReply,
		"needs_clarify":   false,
		"confidence":      nil,
		"anchors":         nil,
		"clarify":         "",
	}
	if ls := st.LastScore; ls != nil {
		vars["needs_clarify"] = ls.NeedsClarify
		vars["confidence"] = ls.Confidence
		if ls.Anchors != nil {
			vars["anchors"] = map[string]any{"low_anchor": ls.Anchors.Low, "high_anchor": ls.Anchors.High}
		}
	}
	if st.Clarify != nil {
		vars["clarify"] = st.Clarify.Prompt
	}

	prompt, err := t.render(prompts.Interviewer, vars)
	if err != nil {
		return st, err
	}
	data, err := t.streamJSON(ctx, prompt)
	if err != nil {
		return st, err
	}

	question := asText(data["question"])
	if question == "" {
		question = item.QuestionText
	}
	st.CurrentQuestion = &domain.CurrentQuestion{
		Index:         st.QIndex,
		Total:         len(st.Plan),
		QuestionID:    item.QuestionID,
		Dimension:     item.Dimension,
		Text:          item.QuestionText,
		Prompt:        question,
		ReverseScored: item.ReverseScored,
		Weight:        item.Weight,
	}
	st.AddMessage(domain.RoleAssistant, question)
	st.Clarify = nil
	st.LastUserReply = ""
	st.AwaitingUserReply = true

	st.Log(string(StageInterviewer), domain.StatusCompleted, map[string]any{
		"q_index":     st.QIndex,
		"question_id": item.QuestionID,
		"dimension":   item.Dimension,
	})
	return st, nil
}
