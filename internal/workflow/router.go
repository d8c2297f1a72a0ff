package workflow

import "github.com/ashureev/mqol-labs/internal/domain"

// Stage names a workflow step.
type Stage string

// Workflow stages in graph order.
const (
	StageReceptionist       Stage = "receptionist"
	StageProblemExploration Stage = "problem_exploration"
	StageIntentRecognition  Stage = "intent_recognition"
	StagePlanner            Stage = "planner"
	StageInterviewer        Stage = "interviewer"
	StageScorer             Stage = "scorer"
	StageAggregator         Stage = "aggregator"
	StageInterventions      Stage = "interventions"
	StageReportWriter       Stage = "report_writer"
)

// Router targets that end an invocation.
const (
	Pause Stage = "pause"
	End   Stage = "end"
)

// EntryStage is where every invocation starts.
const EntryStage = StageReceptionist

type predicate func(st *domain.State, cfg SessionConfig) bool

// transition is one row of the routing table.
type transition struct {
	from Stage
	when predicate
	to   Stage
}

func always(*domain.State, SessionConfig) bool { return true }

func awaiting(st *domain.State, _ SessionConfig) bool { return st.AwaitingUserReply }

// transitions is evaluated top to bottom; the first matching row for the
// current stage wins.
var transitions = []transition{
	{StageReceptionist, func(st *domain.State, cfg SessionConfig) bool {
		return !st.AwaitingUserReply && st.ProfileCompleteness >= cfg.CompletenessThreshold
	}, StageProblemExploration},
	{StageReceptionist, always, Pause},

	{StageProblemExploration, always, StageIntentRecognition},

	{StageIntentRecognition, func(st *domain.State, cfg SessionConfig) bool {
		return len(st.Plan) == 0 && st.NeedMoreExploration && st.ExplorationRound < cfg.MaxIntentRounds
	}, StageProblemExploration},
	{StageIntentRecognition, always, StagePlanner},

	{StagePlanner, always, StageInterviewer},

	{StageInterviewer, awaiting, Pause},
	{StageInterviewer, always, StageScorer},

	{StageScorer, awaiting, Pause},
	{StageScorer, func(st *domain.State, _ SessionConfig) bool { return st.PlanFinished }, StageAggregator},
	{StageScorer, always, StageInterviewer},

	{StageAggregator, always, StageInterventions},
	{StageInterventions, always, StageReportWriter},
	{StageReportWriter, always, End},
}

// Route returns the stage that follows from, given the state it left behind.
func Route(from Stage, st *domain.State, cfg SessionConfig) Stage {
	for _, t := range transitions {
		if t.from == from && t.when(st, cfg) {
			return t.to
		}
	}
	return End
}
