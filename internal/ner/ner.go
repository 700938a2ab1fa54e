// Package ner extracts named entities and the entity type a query is about.
// The pipeline uses it to reject offers that share a brand name with the
// query but belong to a different kind of thing.
package ner

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// Entity types.
const (
	TypeFinancialInstrument = "financial_instrument"
	TypeProduct             = "product"
	TypeOrganization        = "organization"
	TypeUnknown             = "unknown"
)

// Entity is one extracted mention.
type Entity struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

// Input is the text to extract from.
type Input struct {
	Query      string `json:"query"`
	AnswerText string `json:"answer_text,omitempty"`
}

// Extraction is the answer of a Provider.
type Extraction struct {
	Entities        []Entity `json:"entities"`
	QueryEntityType string   `json:"query_entity_type"`
	Model           string   `json:"model,omitempty"`
	FallbackUsed    bool     `json:"fallbackUsed"`
	FallbackReason  string   `json:"fallbackReason,omitempty"`
}

// Brands returns the lowercased entity texts.
func (e Extraction) Brands() []string {
	out := make([]string, 0, len(e.Entities))
	for _, ent := range e.Entities {
		out = append(out, strings.ToLower(ent.Text))
	}
	return out
}

// Provider extracts entities. Implementations may be remote.
type Provider interface {
	Extract(ctx context.Context, in Input) (Extraction, error)
}

var typeKeywords = []struct {
	typ   string
	words []string
}{
	{TypeFinancialInstrument, []string{
		"stock", "stocks", "share", "shares", "earnings", "dividend", "dividends",
		"ticker", "nasdaq", "nyse", "etf", "invest", "investing", "investment",
		"portfolio", "valuation", "ipo", "bond", "bonds", "market cap", "stock price",
		"share price", "stock performance",
	}},
	{TypeProduct, []string{
		"buy", "price", "review", "reviews", "deal", "deals", "best", "shoes",
		"laptop", "phone", "subscription", "plan", "plans", "software", "app",
	}},
	{TypeOrganization, []string{
		"company", "ceo", "headquarters", "founded", "careers", "jobs", "employees",
	}},
}

// RuleExtractor is the built-in extractor. Capitalized words that do not
// start a sentence, and any configured known brands, become entities; the
// query entity type comes from keyword sets checked in a fixed order.
type RuleExtractor struct {
	known map[string]bool
}

// NewRuleExtractor creates a RuleExtractor recognising knownBrands
// regardless of case.
func NewRuleExtractor(knownBrands ...string) *RuleExtractor {
	known := make(map[string]bool, len(knownBrands))
	for _, b := range knownBrands {
		known[strings.ToLower(b)] = true
	}
	return &RuleExtractor{known: known}
}

// Extract implements Provider. It never fails.
func (r *RuleExtractor) Extract(_ context.Context, in Input) (Extraction, error) {
	return Extraction{
		Entities:        r.entities(in.Query),
		QueryEntityType: r.queryType(in.Query),
		Model:           "rules",
	}, nil
}

func (r *RuleExtractor) entities(text string) []Entity {
	words := strings.FieldsFunc(text, func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '-' && c != '&' && c != '.'
	})
	typ := r.queryType(text)
	if typ == TypeUnknown {
		typ = TypeOrganization
	}

	seen := make(map[string]bool)
	var out []Entity
	for i, w := range words {
		w = strings.Trim(w, ".-&")
		if w == "" {
			continue
		}
		lower := strings.ToLower(w)
		runes := []rune(w)
		if len(runes) < 2 {
			continue
		}
		capitalized := unicode.IsUpper(runes[0]) && i > 0
		allCaps := len(runes) >= 2 && strings.ToUpper(w) == w && unicode.IsLetter(runes[0])
		if !r.known[lower] && !capitalized && !allCaps {
			continue
		}
		if seen[lower] {
			continue
		}
		seen[lower] = true
		out = append(out, Entity{Text: w, Type: typ})
	}
	sort.SliceStable(out, func(i, j int) bool { return strings.ToLower(out[i].Text) < strings.ToLower(out[j].Text) })
	return out
}

func (r *RuleExtractor) queryType(text string) string {
	return TypeOf(text)
}

// TypeOf classifies text by keyword sets checked in a fixed order.
func TypeOf(text string) string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	padded := " " + strings.Join(tokens, " ") + " "

	for _, tk := range typeKeywords {
		for _, w := range tk.words {
			if strings.Contains(w, " ") {
				if strings.Contains(padded, " "+w+" ") {
					return tk.typ
				}
				continue
			}
			if set[w] {
				return tk.typ
			}
		}
	}
	return TypeUnknown
}

// Compatible reports whether an offer of offerType may answer a query about
// queryType. Financial instruments only match financial offers; products and
// organizations are interchangeable.
func Compatible(queryType, offerType string) bool {
	if queryType == TypeUnknown || queryType == "" || offerType == TypeUnknown || offerType == "" {
		return true
	}
	if queryType == TypeFinancialInstrument || offerType == TypeFinancialInstrument {
		return queryType == offerType
	}
	return true
}

// WithFallback returns a Provider that uses primary and, when it fails or
// reports its own fallback, secondary.
func WithFallback(primary, secondary Provider) Provider {
	return fallbackProvider{primary: primary, secondary: secondary}
}

type fallbackProvider struct {
	primary, secondary Provider
}

func (f fallbackProvider) Extract(ctx context.Context, in Input) (Extraction, error) {
	if f.primary != nil {
		ext, err := f.primary.Extract(ctx, in)
		if err == nil && !ext.FallbackUsed {
			return ext, nil
		}
		reason := "provider_fallback"
		if err != nil {
			reason = "provider_error"
		} else if ext.FallbackReason != "" {
			reason = ext.FallbackReason
		}
		ext, err2 := f.secondary.Extract(ctx, in)
		ext.FallbackUsed = true
		ext.FallbackReason = reason
		return ext, err2
	}
	return f.secondary.Extract(ctx, in)
}
