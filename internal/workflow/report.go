package workflow

import (
	"context"

	"github.com/ashureev/mqol-labs/internal/domain"
	"github.com/ashureev/mqol-labs/internal/events"
	"github.com/ashureev/mqol-labs/internal/interventions"
	"github.com/ashureev/mqol-labs/internal/prompts"
	"github.com/ashureev/mqol-labs/internal/scoring"
)

const reportTone = "温和、可操作"

// aggregator turns the accepted item scores into dimension results.
func aggregator(ctx context.Context, t *turn, st domain.State) (domain.State, error) {
	if st.Done {
		return skip(st, StageAggregator, "report_done", nil)
	}

	res := scoring.Aggregate(st.ItemScores)
	st.DimScores = res.DimScores
	st.Severity = res.Severity
	st.OverallScore = res.OverallScore
	st.OverallSeverity = res.OverallSeverity

	summary := map[string]any{
		"dim_scores":       res.DimScores,
		"severity":         res.Severity,
		"overall_score":    res.OverallScore,
		"overall_severity": res.OverallSeverity,
		"items":            len(st.ItemScores),
	}
	t.emit(ctx, events.TypeSummary, summary)
	st.Log(string(StageAggregator), domain.StatusCompleted, summary)
	return st, nil
}

// interventionsStage picks catalog cards for every scored dimension.
func interventionsStage(ctx context.Context, t *turn, st domain.State) (domain.State, error) {
	if st.Done {
		return skip(st, StageInterventions, "report_done", nil)
	}

	var dims []string
	seen := make(map[string]bool)
	for _, s := range st.ItemScores {
		if !seen[s.Dimension] {
			seen[s.Dimension] = true
			dims = append(dims, s.Dimension)
		}
	}
	st.Interventions = t.engine.catalog.Plan(dims, st.Severity, interventions.DefaultTopK)

	count := 0
	for _, g := range st.Interventions {
		count += len(g.Cards)
	}
	t.emit(ctx, events.TypeSummary, map[string]any{"interventions": st.Interventions})
	st.Log(string(StageInterventions), domain.StatusCompleted, map[string]any{
		"count":      count,
		"dimensions": len(dims),
	})
	return st, nil
}

// reportWriter has the model write the final report and ends the session.
func reportWriter(ctx context.Context, t *turn, st domain.State) (domain.State, error) {
	if st.Done {
		return skip(st, StageReportWriter, "report_done", nil)
	}

	meta := map[string]any{
		"user_display_name": st.Profile.DisplayName(),
		"session_id":        st.SessionID,
		"report_date":       t.cfg.ReportDate,
	}
	payload := map[string]any{
		"meta":             meta,
		"profile":          st.Profile,
		"dim_scores":       st.DimScores,
		"severity":         st.Severity,
		"overall_score":    st.OverallScore,
		"overall_severity": st.OverallSeverity,
		"interventions":    st.Interventions,
		"guidance":         map[string]any{"tone": reportTone},
		"thresholds": map[string]any{
			"severe":   scoring.SevereBelow,
			"moderate": scoring.ModerateBelow,
		},
	}
	prompt, err := t.render(prompts.ReportWriter, map[string]any{"payload": payload})
	if err != nil {
		return st, err
	}
	report, err := t.streamJSON(ctx, prompt)
	if err != nil {
		return st, err
	}
	if _, ok := report["meta"]; !ok {
		report["meta"] = meta
	}

	st.Report = report
	st.ReportDate = t.cfg.ReportDate
	st.Done = true
	st.AwaitingUserReply = false

	t.emit(ctx, events.TypeSummary, map[string]any{"report_header": report["header"]})
	st.Log(string(StageReportWriter), domain.StatusCompleted, map[string]any{
		"has_report":       len(report) > 0,
		"overall_severity": st.OverallSeverity,
	})
	return st, nil
}
