// Package scoring turns Likert answers into dimension scores and severity
// levels.
package scoring

import (
	"math"

	"github.com/ashureev/mqol-labs/internal/domain"
)

// Likert scale bounds.
const (
	MinScore     = 1.0
	MaxScore     = 5.0
	DefaultScore = 3.0
)

// Severity thresholds: below SevereBelow is severe, below ModerateBelow is
// moderate, anything else is mild.
const (
	SevereBelow   = 2.5
	ModerateBelow = 3.5
)

// Severity labels.
const (
	Severe   = "重度"
	Moderate = "中度"
	Mild     = "轻度"
)

// Finalize clamps a raw model score into the Likert range and applies the
// reverse transform when the item is reverse-scored.
func Finalize(raw float64, reverse bool) float64 {
	if math.IsNaN(raw) {
		raw = DefaultScore
	}
	raw = math.Max(MinScore, math.Min(MaxScore, raw))
	if reverse {
		return MinScore + MaxScore - raw
	}
	return raw
}

// SeverityOf buckets a score.
func SeverityOf(score float64) string {
	switch {
	case score < SevereBelow:
		return Severe
	case score < ModerateBelow:
		return Moderate
	default:
		return Mild
	}
}

// Result is the aggregate over all accepted items.
type Result struct {
	DimScores       map[string]float64
	Severity        map[string]string
	OverallScore    *float64
	OverallSeverity string
	// Dimensions lists scored dimensions in order of first appearance.
	Dimensions []string
}

// Aggregate computes weighted means per dimension and overall. A weight that
// is zero or negative counts as 1. With no items the overall score is nil.
func Aggregate(items []domain.ItemScore) Result {
	type acc struct{ sum, weight float64 }

	res := Result{
		DimScores: make(map[string]float64),
		Severity:  make(map[string]string),
	}
	dims := make(map[string]*acc)
	var total acc
	for _, it := range items {
		w := it.Weight
		if w <= 0 {
			w = 1
		}
		a, ok := dims[it.Dimension]
		if !ok {
			a = &acc{}
			dims[it.Dimension] = a
			res.Dimensions = append(res.Dimensions, it.Dimension)
		}
		a.sum += it.Score * w
		a.weight += w
		total.sum += it.Score * w
		total.weight += w
	}

	for name, a := range dims {
		score := round(a.sum / a.weight)
		res.DimScores[name] = score
		res.Severity[name] = SeverityOf(score)
	}
	if total.weight > 0 {
		overall := round(total.sum / total.weight)
		res.OverallScore = &overall
		res.OverallSeverity = SeverityOf(overall)
	}
	return res
}

// round trims float noise to three decimals.
func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
