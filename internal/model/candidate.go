package model

// RankFeatures are the normalized inputs of the relevance score.
type RankFeatures struct {
	IntentScore  float64 `json:"intent_score"`
	Similarity   float64 `json:"similarity"`
	Quality      float64 `json:"quality"`
	PolicyWeight float64 `json:"policy_weight"`
	Freshness    float64 `json:"freshness"`
	Availability float64 `json:"availability"`
}

// Candidate is an offer annotated with retrieval and ranking scores. It lives
// for a single request.
type Candidate struct {
	UnifiedOffer
	LexicalScore  float64      `json:"lexical_score"`
	VectorScore   float64      `json:"vector_score"`
	FusedScore    float64      `json:"fused_score"`
	RankScore     float64      `json:"rank_score"`
	EconomicScore float64      `json:"economic_score"`
	RankFeatures  RankFeatures `json:"rank_features"`
}

// NewCandidate wraps an offer with zero scores.
func NewCandidate(o UnifiedOffer) Candidate {
	return Candidate{UnifiedOffer: o}
}
