// Package intent scores how commercially actionable a conversation turn is.
package intent

import (
	"sort"
	"strings"
	"unicode"
)

// Intent classes.
const (
	ClassGifting            = "gifting"
	ClassPurchaseIntent     = "purchase_intent"
	ClassShopping           = "shopping"
	ClassProductExploration = "product_exploration"
	ClassNonCommercial      = "non_commercial"
)

const (
	baseCommercial    = 0.34
	baseNonCommercial = 0.06
	perHit            = 0.12
)

// keywords per category. Entries with a space match as phrases.
var keywords = map[string][]string{
	ClassGifting: {
		"gift", "gifts", "gifting", "present", "presents", "birthday", "anniversary",
		"christmas", "holiday", "wedding", "valentine", "valentines", "stocking",
		"mothers day", "fathers day", "gift ideas",
	},
	ClassShopping: {
		"buy", "buying", "shop", "shopping", "order", "cart", "deal", "deals",
		"discount", "coupon", "sale", "cheap", "price", "prices", "store",
		"checkout", "shipping", "promo code",
	},
	ClassPurchaseIntent: {
		"pricing", "plan", "plans", "subscribe", "subscription", "trial", "signup",
		"sign up", "quote", "demo", "upgrade", "license", "purchase", "book", "booking",
	},
	ClassProductExploration: {
		"best", "top", "review", "reviews", "compare", "comparison", "vs", "versus",
		"recommend", "recommendation", "recommendations", "alternative",
		"alternatives", "options", "ranking", "rated",
	},
}

// Input is the text an opportunity is scored on.
type Input struct {
	Query      string `json:"query"`
	AnswerText string `json:"answer_text,omitempty"`
}

// RuleResult is the output of InferByRules.
type RuleResult struct {
	Class   string         `json:"class"`
	Score   float64        `json:"score"`
	Hits    map[string]int `json:"hits"`
	Matched []string       `json:"matched,omitempty"`
}

// InferByRules classifies input by keyword matching. Each keyword counts at
// most once. Class precedence is gifting, then purchase intent (its own
// keywords or shopping together with exploration), then shopping, then
// exploration. The score is a base plus a fixed amount per hit, clamped to
// [0,1].
func InferByRules(in Input) RuleResult {
	tokens := normalize(in.Query + " " + in.AnswerText)
	tokenSet := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = true
	}
	padded := " " + strings.Join(tokens, " ") + " "

	res := RuleResult{Hits: make(map[string]int, len(keywords))}
	matched := make(map[string]bool)
	total := 0
	for class, words := range keywords {
		for _, w := range words {
			var hit bool
			if strings.Contains(w, " ") {
				hit = strings.Contains(padded, " "+w+" ")
			} else {
				hit = tokenSet[w]
			}
			if hit {
				res.Hits[class]++
				total++
				matched[w] = true
			}
		}
	}
	for w := range matched {
		res.Matched = append(res.Matched, w)
	}
	sort.Strings(res.Matched)

	switch {
	case res.Hits[ClassGifting] > 0:
		res.Class = ClassGifting
	case res.Hits[ClassPurchaseIntent] > 0,
		res.Hits[ClassShopping] > 0 && res.Hits[ClassProductExploration] > 0:
		res.Class = ClassPurchaseIntent
	case res.Hits[ClassShopping] > 0:
		res.Class = ClassShopping
	case res.Hits[ClassProductExploration] > 0:
		res.Class = ClassProductExploration
	default:
		res.Class = ClassNonCommercial
	}

	base := baseCommercial
	if res.Class == ClassNonCommercial {
		base = baseNonCommercial
	}
	res.Score = clamp01(base + perHit*float64(total))
	return res
}

// normalize lowercases text, drops apostrophes and splits on anything that
// is not a letter or digit.
func normalize(text string) []string {
	text = strings.NewReplacer("'", "", "’", "").Replace(strings.ToLower(text))
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
