package ranking

import (
	"math"
	"time"

	"github.com/sells-group/adbroker/internal/model"
)

// Relevance weights. They sum to 1 so rankScore stays in [0,1].
const (
	weightSimilarity   = 0.35
	weightIntent       = 0.25
	weightQuality      = 0.15
	weightPolicy       = 0.10
	weightFreshness    = 0.10
	weightAvailability = 0.05
)

// unknownFreshness is used when an offer carries no freshness timestamp.
const unknownFreshness = 0.45

// Features computes the normalized ranking inputs of c.
func Features(c model.Candidate, intentScore float64, now time.Time) model.RankFeatures {
	avail := 0.0
	if c.Availability == model.AvailabilityActive {
		avail = 1
	}
	return model.RankFeatures{
		IntentScore:  clamp01(intentScore),
		Similarity:   clamp01(math.Max(c.FusedScore, math.Max(c.VectorScore, c.LexicalScore))),
		Quality:      NormalizeQuality(c.Quality),
		PolicyWeight: clamp01((c.PolicyWeight + 2) / 4),
		Freshness:    Freshness(c.FreshnessAt, now),
		Availability: avail,
	}
}

// Score blends features into the relevance score.
func Score(f model.RankFeatures) float64 {
	return weightSimilarity*f.Similarity +
		weightIntent*f.IntentScore +
		weightQuality*f.Quality +
		weightPolicy*f.PolicyWeight +
		weightFreshness*f.Freshness +
		weightAvailability*f.Availability
}

// NormalizeQuality accepts a 0-1 or 0-100 scale.
func NormalizeQuality(q float64) float64 {
	if q > 1 {
		q /= 100
	}
	return clamp01(q)
}

// Freshness decays in steps with the age of ts.
func Freshness(ts *time.Time, now time.Time) float64 {
	if ts == nil || ts.IsZero() {
		return unknownFreshness
	}
	age := now.Sub(*ts)
	switch {
	case age <= 24*time.Hour:
		return 1
	case age <= 72*time.Hour:
		return 0.8
	case age <= 7*24*time.Hour:
		return 0.55
	case age <= 14*24*time.Hour:
		return 0.35
	default:
		return 0.15
	}
}

// EconomicScore is relevance times the log-damped payout.
func EconomicScore(rankScore, bidHint float64) float64 {
	return rankScore * math.Log1p(math.Max(bidHint, 0))
}

// ExpectedRevenue is the payout discounted by relevance.
func ExpectedRevenue(rankScore, bidHint float64) float64 {
	return math.Max(bidHint, 0) * rankScore
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
