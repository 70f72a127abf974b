package citation

import "github.com/opencouncil/civicdata/internal/model"

// Fixed numeric scores for the three confidence tiers. Conversion is
// bidirectional: ScoreToConfidence(ConfidenceScore(tier)) == tier.
const (
	scoreHigh   = 0.9
	scoreMedium = 0.7
	scoreLow    = 0.4
)

// ConfidenceScore converts a textual tier to its numeric score. Unknown
// tiers map to the low score.
func ConfidenceScore(c model.Confidence) float64 {
	switch c {
	case model.ConfidenceHigh:
		return scoreHigh
	case model.ConfidenceMedium:
		return scoreMedium
	default:
		return scoreLow
	}
}

// ScoreToConfidence converts a numeric score back to the textual tier.
// Thresholds sit between the fixed scores so round-tripping is exact.
func ScoreToConfidence(score float64) model.Confidence {
	switch {
	case score >= 0.8:
		return model.ConfidenceHigh
	case score >= 0.55:
		return model.ConfidenceMedium
	default:
		return model.ConfidenceLow
	}
}
