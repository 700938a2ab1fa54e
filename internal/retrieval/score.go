package retrieval

import (
	"sort"

	"github.com/sells-group/adbroker/internal/model"
)

// ScoreOffers ranks offers that arrived without store scores, such as live
// connector results, against query. Lexical score is the share of distinct
// query tokens found in the offer text; vector score is the cosine of the
// hashed embeddings. Offers matching neither way are dropped.
func ScoreOffers(query string, offers []model.UnifiedOffer, cfg Config) []model.Candidate {
	cfg = cfg.withDefaults()

	qTokens := unique(Tokenize(query))
	qVec := Embed(query, cfg.Dims)

	var lexical, vector []Hit
	for _, o := range offers {
		text := o.SearchText()
		if ls := overlap(qTokens, Tokenize(text)); ls > 0 {
			lexical = append(lexical, Hit{Offer: o, Score: ls})
		}
		if vs := Cosine(qVec, Embed(text, cfg.Dims)); vs > 0 {
			vector = append(vector, Hit{Offer: o, Score: vs})
		}
	}
	sortHits(lexical)
	sortHits(vector)

	return Fuse(lexical, vector, cfg.RRFK, cfg.FinalTopK)
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Offer.OfferID < hits[j].Offer.OfferID
	})
}

func unique(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func overlap(query, doc []string) float64 {
	if len(query) == 0 {
		return 0
	}
	in := make(map[string]bool, len(doc))
	for _, t := range doc {
		in[t] = true
	}
	var hits int
	for _, t := range query {
		if in[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
