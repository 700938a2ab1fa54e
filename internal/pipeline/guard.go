package pipeline

import (
	"github.com/sells-group/adbroker/internal/model"
	"github.com/sells-group/adbroker/internal/ner"
	"github.com/sells-group/adbroker/internal/retrieval"
)

// SemanticGuard drops candidates that mention a brand extracted from the
// query but are a different kind of thing than the query asks about, such as
// a cloud hosting offer answering a question about the same company's stock.
// It returns the kept candidates and the number removed.
func SemanticGuard(candidates []model.Candidate, ext ner.Extraction) ([]model.Candidate, int) {
	brands := ext.Brands()
	if len(brands) == 0 || ext.QueryEntityType == "" || ext.QueryEntityType == ner.TypeUnknown {
		return candidates, 0
	}

	kept := candidates[:0:0]
	filtered := 0
	for _, c := range candidates {
		if mentionsAny(c.UnifiedOffer, brands) && !ner.Compatible(ext.QueryEntityType, offerEntityType(c.UnifiedOffer)) {
			filtered++
			continue
		}
		kept = append(kept, c)
	}
	return kept, filtered
}

// offerEntityType prefers a declared type and otherwise classifies the offer
// text. Offers with no signal are treated as products.
func offerEntityType(o model.UnifiedOffer) string {
	if t := lower(o.Metadata["entity_type"]); t != "" {
		return t
	}
	if t := ner.TypeOf(o.SearchText()); t != ner.TypeUnknown {
		return t
	}
	return ner.TypeProduct
}

func mentionsAny(o model.UnifiedOffer, brands []string) bool {
	tokens := make(map[string]bool)
	for _, t := range retrieval.Tokenize(o.SearchText()) {
		tokens[t] = true
	}
	for _, b := range brands {
		parts := retrieval.Tokenize(b)
		if len(parts) == 0 {
			continue
		}
		all := true
		for _, p := range parts {
			if !tokens[p] {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}
