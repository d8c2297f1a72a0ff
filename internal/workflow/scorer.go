package workflow

import (
	"context"

	"github.com/ashureev/mqol-labs/internal/domain"
	"github.com/ashureev/mqol-labs/internal/events"
	"github.com/ashureev/mqol-labs/internal/prompts"
	"github.com/ashureev/mqol-labs/internal/scoring"
)

const (
	defaultScoreMethod = "nl_infer"
	clarifyPrompt      = "为了准确记录，刚才的意思更接近 1（完全不符合）到 5（完全符合）的哪一分呢？"
	planFinishedText   = "好的，这一部分的问题已经完成啦，我们来看看整体结果～"
)

// scorer infers a Likert score for the current item from the user's reply and
// either accepts it or asks for clarification.
func scorer(ctx context.Context, t *turn, st domain.State) (domain.State, error) {
	item, ok := st.CurrentItem()
	if !ok || st.PlanFinished {
		return skip(st, StageScorer, "no_plan_or_finished", nil)
	}
	reply := st.LastUserReply
	if reply == "" {
		st.AwaitingUserReply = true
		return skip(st, StageScorer, "missing_user_reply", map[string]any{"q_index": st.QIndex})
	}

	clarify := ""
	if st.Clarify != nil {
		clarify = st.Clarify.Prompt
	}
	prompt, err := t.render(prompts.Scorer, map[string]any{
		"question_id":          item.QuestionID,
		"question_text":        item.QuestionText,
		"reverse_scored":       item.ReverseScored,
		"user_reply":           reply,
		"clarify":              clarify,
		"confidence_threshold": t.cfg.ConfidenceThreshold,
	})
	if err != nil {
		return st, err
	}
	data, err := t.streamJSON(ctx, prompt)
	if err != nil {
		return st, err
	}

	raw, ok := asFloat(data["score"])
	if !ok {
		raw = scoring.DefaultScore
	}
	final := scoring.Finalize(raw, item.ReverseScored)
	confidence, _ := asFloat(data["confidence"])
	confidence = clamp(confidence, 0, 1)
	method := asText(data["method"])
	if method == "" {
		method = defaultScoreMethod
	}
	needsClarify := asBool(data["needs_clarify"])

	var anchors *domain.Anchors
	if m := asMap(data["anchors"]); m != nil {
		a := domain.Anchors{Low: asText(m["low_anchor"]), High: asText(m["high_anchor"])}
		if !a.IsZero() {
			anchors = &a
		}
	}

	st.LastScore = &domain.ScoreRecord{
		QuestionID:   item.QuestionID,
		Dimension:    item.Dimension,
		Score:        final,
		Weight:       item.Weight,
		Confidence:   confidence,
		NeedsClarify: needsClarify,
		Method:       method,
		Anchors:      anchors,
	}
	t.emit(ctx, events.TypeScore, map[string]any{
		"question_id":   item.QuestionID,
		"dimension":     item.Dimension,
		"score":         final,
		"confidence":    confidence,
		"needs_clarify": needsClarify,
		"q_index":       st.QIndex,
	})

	if needsClarify {
		text := clarifyPrompt
		if anchors != nil {
			low, high := anchors.Low, anchors.High
			if low == "" {
				low = "低分示例"
			}
			if high == "" {
				high = "高分示例"
			}
			text += "（例如：" + low + " ↔ " + high + "）"
		}
		st.Clarify = &domain.Clarify{QuestionID: item.QuestionID, Prompt: text, Confidence: confidence}
		st.AddMessage(domain.RoleAssistant, text)
		st.AwaitingUserReply = true
		st.LastUserReply = ""
		st.Log(string(StageScorer), domain.StatusCompleted, map[string]any{
			"outcome":     "clarify",
			"question_id": item.QuestionID,
			"confidence":  confidence,
			"q_index":     st.QIndex,
		})
		return st, nil
	}

	st.Answers = append(st.Answers, domain.Answer{
		QuestionID: item.QuestionID,
		Dimension:  item.Dimension,
		Text:       reply,
		Score:      final,
		Weight:     item.Weight,
	})
	st.ItemScores = append(st.ItemScores, domain.ItemScore{
		QuestionID: item.QuestionID,
		Dimension:  item.Dimension,
		Score:      final,
		Weight:     item.Weight,
		Confidence: confidence,
		Method:     method,
	})
	st.Clarify = nil
	st.AwaitingUserReply = false
	st.LastUserReply = ""
	st.QIndex++
	if st.QIndex == len(st.Plan) {
		st.PlanFinished = true
		st.AddMessage(domain.RoleAssistant, planFinishedText)
	}

	st.Log(string(StageScorer), domain.StatusCompleted, map[string]any{
		"outcome":       "accepted",
		"question_id":   item.QuestionID,
		"score":         final,
		"q_index":       st.QIndex,
		"plan_finished": st.PlanFinished,
	})
	return st, nil
}
