package workflow

import (
	"context"
	"errors"
	"slices"

	"github.com/ashureev/mqol-labs/internal/domain"
	"github.com/ashureev/mqol-labs/internal/questionbank"
)

// planner selects the question items for the session.
func planner(_ context.Context, t *turn, st domain.State) (domain.State, error) {
	if len(st.Plan) > 0 {
		return skip(st, StagePlanner, ErrPlanAlreadySet.Error(), map[string]any{"plan_len": len(st.Plan)})
	}

	bank := t.engine.bank.Bank()
	if bank == nil {
		bank = questionbank.Fallback()
	}
	plan := bank.SelectPlan(st.PrimaryIntent, st.Intents, t.cfg.PlannerPerDim)
	if len(plan) == 0 {
		return st, errors.New("question bank produced an empty plan")
	}

	st.Plan = plan
	st.QIndex = 0
	st.PlanFinished = false
	st.CurrentQuestion = nil

	var dims []string
	for _, item := range plan {
		dims = append(dims, item.Dimension)
	}
	slices.Sort(dims)
	dims = slices.Compact(dims)

	st.Log(string(StagePlanner), domain.StatusCompleted, map[string]any{
		"bank":           bank.Source,
		"selected_count": len(plan),
		"primary_intent": st.PrimaryIntent,
		"per_dim":        t.cfg.PlannerPerDim,
		"dims_in_plan":   dims,
	})
	return st, nil
}
