package retrieval

import (
	"sort"

	"github.com/sells-group/adbroker/internal/model"
)

// DefaultRRFK is the rank constant of Reciprocal Rank Fusion.
const DefaultRRFK = 60

// Hit is one row of a ranked list. Lists are ordered best first.
type Hit struct {
	Offer model.UnifiedOffer
	Score float64
}

// Fuse merges a lexical and a vector list with Reciprocal Rank Fusion: each
// offer scores the sum of 1/(k+rank) over the lists containing it, with
// 1-indexed ranks. Candidates are ordered by fused score, then vector score,
// then lexical score, all descending, then offer id ascending. topK <= 0
// keeps everything.
func Fuse(lexical, vector []Hit, k, topK int) []model.Candidate {
	if k <= 0 {
		k = DefaultRRFK
	}

	byID := make(map[string]*model.Candidate, len(lexical)+len(vector))
	var order []string
	get := func(o model.UnifiedOffer) *model.Candidate {
		if c, ok := byID[o.OfferID]; ok {
			return c
		}
		c := model.NewCandidate(o)
		byID[o.OfferID] = &c
		order = append(order, o.OfferID)
		return &c
	}

	seen := make(map[string]bool, len(lexical))
	for i, h := range lexical {
		if seen[h.Offer.OfferID] {
			continue
		}
		seen[h.Offer.OfferID] = true
		c := get(h.Offer)
		c.LexicalScore = h.Score
		c.FusedScore += 1 / float64(k+i+1)
	}
	seen = make(map[string]bool, len(vector))
	for i, h := range vector {
		if seen[h.Offer.OfferID] {
			continue
		}
		seen[h.Offer.OfferID] = true
		c := get(h.Offer)
		c.VectorScore = h.Score
		c.FusedScore += 1 / float64(k+i+1)
	}

	out := make([]model.Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	SortCandidates(out)

	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

// SortCandidates applies the deterministic fused ordering in place.
func SortCandidates(cs []model.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.FusedScore != b.FusedScore {
			return a.FusedScore > b.FusedScore
		}
		if a.VectorScore != b.VectorScore {
			return a.VectorScore > b.VectorScore
		}
		if a.LexicalScore != b.LexicalScore {
			return a.LexicalScore > b.LexicalScore
		}
		return a.OfferID < b.OfferID
	})
}
