// Package ranking scores candidates for relevance, applies the policy and
// floor gates, and picks an auction winner.
package ranking

import (
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/adbroker/internal/model"
)

// Reason codes returned in Output.ReasonCode.
const (
	ReasonServed           = "served"
	ReasonInventoryNoMatch = "inventory_no_match"
	ReasonRankBelowFloor   = "rank_below_floor"
	ReasonPolicyBlocked    = "policy_blocked"
)

// Defaults.
const (
	DefaultScoreFloor    = 0.32
	DefaultNearTieMargin = 0.03
	DefaultCTAText       = "Learn More"
)

// Config tunes the engine. Zero fields take defaults.
type Config struct {
	ScoreFloor    float64 `mapstructure:"score_floor"`
	NearTieMargin float64 `mapstructure:"near_tie_margin"`
	CTAText       string  `mapstructure:"cta_text"`
}

func (c Config) withDefaults() Config {
	if c.ScoreFloor <= 0 {
		c.ScoreFloor = DefaultScoreFloor
	}
	if c.NearTieMargin <= 0 {
		c.NearTieMargin = DefaultNearTieMargin
	}
	if c.CTAText == "" {
		c.CTAText = DefaultCTAText
	}
	return c
}

// Input is one ranking request.
type Input struct {
	Candidates    []model.Candidate
	IntentScore   float64
	BlockedTopics []string
	Query         string
	AnswerText    string
	// ScoreFloor overrides the engine floor when positive.
	ScoreFloor float64
	// Placement is stamped on the synthesized bid.
	Placement string
}

// Winner is the chosen candidate and its synthesized bid.
type Winner struct {
	Candidate model.Candidate `json:"candidate"`
	Bid       model.Bid       `json:"bid"`
}

// Debug explains a ranking outcome.
type Debug struct {
	CandidateCount int     `json:"candidate_count"`
	EligibleCount  int     `json:"eligible_count"`
	BlockedTopic   string  `json:"blocked_topic,omitempty"`
	ScoreFloor     float64 `json:"score_floor"`
	TopRankScore   float64 `json:"top_rank_score"`
	NearTieCount   int     `json:"near_tie_count"`
	TieBreak       string  `json:"tie_break,omitempty"` // "relevance" or "economic"
}

// Output is the ranking result. Winner is nil unless ReasonCode is served.
type Output struct {
	Winner     *Winner           `json:"winner"`
	Ranked     []model.Candidate `json:"ranked"`
	ReasonCode string            `json:"reason_code"`
	Debug      Debug             `json:"debug"`
}

// Engine ranks candidates. It is stateless and safe for concurrent use.
type Engine struct {
	cfg     Config
	nowFunc func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults(), nowFunc: time.Now}
}

// WithClock replaces the time source used for freshness. Intended for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.nowFunc = now
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Rank runs the policy gate, eligibility filter, scoring, floor check and
// economic tie-break.
func (e *Engine) Rank(in Input) Output {
	floor := e.cfg.ScoreFloor
	if in.ScoreFloor > 0 {
		floor = in.ScoreFloor
	}
	out := Output{Debug: Debug{CandidateCount: len(in.Candidates), ScoreFloor: floor}}

	if topic, ok := BlockedTopic(in.Query+" "+in.AnswerText, in.BlockedTopics); ok {
		out.ReasonCode = ReasonPolicyBlocked
		out.Debug.BlockedTopic = topic
		return out
	}

	if len(in.Candidates) == 0 {
		out.ReasonCode = ReasonInventoryNoMatch
		return out
	}

	now := e.nowFunc()
	ranked := make([]model.Candidate, 0, len(in.Candidates))
	for _, c := range in.Candidates {
		if !Eligible(c) {
			continue
		}
		c.RankFeatures = Features(c, in.IntentScore, now)
		c.RankScore = Score(c.RankFeatures)
		c.EconomicScore = EconomicScore(c.RankScore, c.BidHint)
		ranked = append(ranked, c)
	}
	out.Debug.EligibleCount = len(ranked)
	if len(ranked) == 0 {
		out.ReasonCode = ReasonPolicyBlocked
		return out
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.RankScore != b.RankScore {
			return a.RankScore > b.RankScore
		}
		if a.FusedScore != b.FusedScore {
			return a.FusedScore > b.FusedScore
		}
		return a.OfferID < b.OfferID
	})
	out.Ranked = ranked

	top := ranked[0]
	out.Debug.TopRankScore = top.RankScore
	if top.RankScore < floor {
		out.ReasonCode = ReasonRankBelowFloor
		return out
	}

	winner, contenders := e.pickWinner(ranked, floor)
	out.Debug.NearTieCount = contenders
	out.Debug.TieBreak = "relevance"
	if winner.OfferID != top.OfferID {
		out.Debug.TieBreak = "economic"
		zap.L().Debug("ranking: economic tie-break",
			zap.String("relevance_leader", top.OfferID),
			zap.String("winner", winner.OfferID),
			zap.Float64("gap", top.RankScore-winner.RankScore),
		)
	}

	out.ReasonCode = ReasonServed
	out.Winner = &Winner{Candidate: winner, Bid: e.SynthesizeBid(winner, in.Placement)}
	return out
}

// pickWinner lets candidates within the near-tie margin of the leader
// compete on economic score. Outside the margin relevance decides.
func (e *Engine) pickWinner(ranked []model.Candidate, floor float64) (model.Candidate, int) {
	const eps = 1e-9
	top := ranked[0]
	best := top
	n := 1
	for _, c := range ranked[1:] {
		if top.RankScore-c.RankScore > e.cfg.NearTieMargin+eps {
			break
		}
		if c.RankScore < floor {
			break
		}
		n++
		if c.EconomicScore > best.EconomicScore+eps {
			best = c
		}
	}
	return best, n
}

// SynthesizeBid builds the bid served for a winning candidate.
func (e *Engine) SynthesizeBid(c model.Candidate, placement string) model.Bid {
	desc := c.Description
	if strings.TrimSpace(desc) == "" {
		desc = c.Title
	}
	return model.Bid{
		BidID:       c.OfferID,
		Price:       c.BidHint,
		Advertiser:  c.Metadata["advertiser"],
		Headline:    c.Title,
		Description: desc,
		CTAText:     e.cfg.CTAText,
		URL:         c.TargetURL,
		DSP:         c.SourceNetwork,
		Placement:   placement,
		Pricing: model.Pricing{
			BidHint:         c.BidHint,
			RankScore:       c.RankScore,
			EconomicScore:   c.EconomicScore,
			ExpectedRevenue: ExpectedRevenue(c.RankScore, c.BidHint),
			Currency:        c.Currency,
			Model:           "cpc",
		},
	}
}

// Eligible reports whether c can be served at all.
func Eligible(c model.Candidate) bool {
	return strings.TrimSpace(c.Title) != "" &&
		strings.TrimSpace(c.TargetURL) != "" &&
		c.Availability == model.AvailabilityActive
}

// BlockedTopic returns the first blocked topic found in text, ignoring case.
func BlockedTopic(text string, topics []string) (string, bool) {
	lower := strings.ToLower(text)
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && strings.Contains(lower, t) {
			return t, true
		}
	}
	return "", false
}
