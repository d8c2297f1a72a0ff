package workflow

import (
	"time"

	"github.com/ashureev/mqol-labs/internal/events"
)

// Defaults for SessionConfig.
const (
	DefaultPlannerPerDim         = 10
	DefaultMaxIntentRounds       = 2
	DefaultIntentThreshold       = 0.6
	DefaultCompletenessThreshold = 0.7
	DefaultConfidenceThreshold   = 0.6
	DefaultMaxSteps              = 64
)

// SessionConfig carries the per-invocation settings.
type SessionConfig struct {
	SessionID             string
	PlannerPerDim         int
	MaxIntentRounds       int
	IntentThreshold       float64
	CompletenessThreshold float64
	ConfidenceThreshold   float64
	// ReportDate is stamped on the report, formatted 2006-01-02.
	ReportDate string
	// MaxSteps bounds the number of stage executions in one invocation.
	MaxSteps int
	// Emitter receives this invocation's events in addition to the
	// engine-wide emitter.
	Emitter events.Emitter
}

func (c SessionConfig) withDefaults(sessionID string, now time.Time) SessionConfig {
	if c.SessionID == "" {
		c.SessionID = sessionID
	}
	if c.PlannerPerDim <= 0 {
		c.PlannerPerDim = DefaultPlannerPerDim
	}
	if c.MaxIntentRounds <= 0 {
		c.MaxIntentRounds = DefaultMaxIntentRounds
	}
	if c.IntentThreshold <= 0 {
		c.IntentThreshold = DefaultIntentThreshold
	}
	if c.CompletenessThreshold <= 0 {
		c.CompletenessThreshold = DefaultCompletenessThreshold
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if c.ReportDate == "" {
		c.ReportDate = now.Format(time.DateOnly)
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	return c
}
