// Package pipeline resolves one ad placement opportunity into at most one
// served ad: score intent, fetch every network concurrently, normalize, rank
// and decide. It never fails the caller.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/adbroker/internal/connector"
	"github.com/sells-group/adbroker/internal/frequency"
	"github.com/sells-group/adbroker/internal/intent"
	"github.com/sells-group/adbroker/internal/metrics"
	"github.com/sells-group/adbroker/internal/model"
	"github.com/sells-group/adbroker/internal/ner"
	"github.com/sells-group/adbroker/internal/ranking"
	"github.com/sells-group/adbroker/internal/resilience"
	"github.com/sells-group/adbroker/internal/retrieval"
	"github.com/sells-group/adbroker/internal/snapshot"
)

// Decision reasons added by the pipeline on top of the ranking reason codes.
const (
	ReasonIntentBelowThreshold = "intent_below_threshold"
	ReasonBelowMinRevenue      = "below_min_expected_revenue"
	ReasonPipelineError        = "pipeline_error"
	DetailAllNetworksFailed    = "all_networks_failed"
)

// Config tunes the pipeline.
type Config struct {
	Health    resilience.HealthPolicy
	Intent    intent.Options
	Retrieval retrieval.Config
	// Networks is used when a placement names none.
	Networks []string
	// OfferLimit caps offers per network.
	OfferLimit int
	// FetchTimeout bounds the whole network fan-out.
	FetchTimeout time.Duration
}

const (
	defaultOfferLimit   = 20
	defaultFetchTimeout = 3 * time.Second
)

// Debug explains a run. It is for observability only.
type Debug struct {
	Intent              intent.Score                        `json:"intent"`
	Entities            ner.Extraction                      `json:"entities"`
	Frequency           frequency.Verdict                   `json:"frequency"`
	NetworksQueried     []string                            `json:"networks_queried"`
	NetworkHits         map[string]int                      `json:"network_hits"`
	NetworkErrors       map[string][]connector.ErrorEntry   `json:"network_errors"`
	SnapshotUsage       map[string]bool                     `json:"snapshot_usage"`
	SnapshotCacheStatus map[string]string                   `json:"snapshot_cache_status"`
	Connectors          map[string]connector.Debug          `json:"connectors,omitempty"`
	OfferCount          int                                 `json:"offer_count"`
	CandidateCount      int                                 `json:"candidate_count"`
	SemanticFilteredOut int                                 `json:"semantic_filtered_out"`
	Ranking             ranking.Debug                       `json:"ranking"`
	Health              []resilience.NetworkHealthState     `json:"health"`
	LatencyMs           int64                               `json:"latency_ms"`
}

// Outcome is the result of Run.
type Outcome struct {
	Response model.AdResponse `json:"response"`
	Decision model.Decision   `json:"decision"`
	Debug    Debug            `json:"debug"`
}

// Pipeline is the ads retrieval orchestrator. It is safe for concurrent use.
type Pipeline struct {
	cfg        Config
	monitor    *resilience.Monitor
	connectors *connector.Registry
	snapshots  snapshot.Cache
	scorer     *intent.Scorer
	extractor  ner.Provider
	engine     *ranking.Engine
	capper     *frequency.Capper
	metrics    *metrics.Metrics
}

// New creates a Pipeline. snapshots, capper and m may be nil. extractor
// defaults to the rule extractor.
func New(
	cfg Config,
	monitor *resilience.Monitor,
	connectors *connector.Registry,
	snapshots snapshot.Cache,
	scorer *intent.Scorer,
	extractor ner.Provider,
	engine *ranking.Engine,
	capper *frequency.Capper,
	m *metrics.Metrics,
) *Pipeline {
	if cfg.OfferLimit <= 0 {
		cfg.OfferLimit = defaultOfferLimit
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if extractor == nil {
		extractor = ner.NewRuleExtractor()
	}
	if scorer == nil {
		scorer = intent.NewScorer(nil)
	}
	if engine == nil {
		engine = ranking.NewEngine(ranking.Config{})
	}
	return &Pipeline{
		cfg:        cfg,
		monitor:    monitor,
		connectors: connectors,
		snapshots:  snapshots,
		scorer:     scorer,
		extractor:  extractor,
		engine:     engine,
		capper:     capper,
		metrics:    m,
	}
}

// Run resolves req against placement. Upstream failures and internal
// panics become a Decision; Run never returns an error.
func (p *Pipeline) Run(ctx context.Context, req model.AdRequest, placement model.Placement) (out Outcome) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.PlacementID == "" {
		req.PlacementID = placement.ID
	}
	log := zap.L().With(zap.String("request_id", req.RequestID), zap.String("placement", req.PlacementID))

	out.Response = model.AdResponse{RequestID: req.RequestID, Ads: []model.Ad{}}
	out.Debug = newDebug()

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline: recovered panic", zap.Any("panic", r), zap.Stack("stack"))
			out.Response.Ads = []model.Ad{}
			out.Decision = model.Decision{
				Result:       model.ResultError,
				Reason:       ReasonPipelineError,
				ReasonDetail: fmt.Sprint(r),
				IntentScore:  out.Debug.Intent.Score,
			}
		}
		out.Debug.LatencyMs = time.Since(start).Milliseconds()
		if p.monitor != nil {
			out.Debug.Health = p.monitor.GetAllHealth()
		}
		p.metrics.Decision(string(out.Decision.Result), out.Decision.Reason)
		log.Info("pipeline: decision",
			zap.String("result", string(out.Decision.Result)),
			zap.String("reason", out.Decision.Reason),
			zap.Int("ads", len(out.Response.Ads)),
			zap.Int64("latency_ms", out.Debug.LatencyMs),
		)
	}()

	verdict := p.capper.Allow(ctx, req.PlacementID, req.SessionID, placement.FrequencyCap, placement.Trigger.CooldownSeconds)
	out.Debug.Frequency = verdict
	if !verdict.Allowed {
		out.Decision = model.Decision{Result: model.ResultNoFill, Reason: verdict.Reason}
		return out
	}

	// ===== ScoreIntent =====
	score := p.scorer.ScoreOpportunityFirst(ctx, intent.Input{Query: req.Query, AnswerText: req.AnswerText}, p.cfg.Intent)
	out.Debug.Intent = score
	if score.Score < placement.Trigger.IntentThreshold {
		out.Decision = model.Decision{
			Result:       model.ResultNoFill,
			Reason:       ReasonIntentBelowThreshold,
			ReasonDetail: fmt.Sprintf("%.2f < %.2f", score.Score, placement.Trigger.IntentThreshold),
			IntentScore:  score.Score,
		}
		return out
	}

	ext := p.extract(ctx, req)
	out.Debug.Entities = ext

	// ===== FetchNetworks =====
	networks := placement.Networks
	if len(networks) == 0 {
		networks = p.cfg.Networks
	}
	params := connector.Params{
		Query:    req.Query,
		Keywords: ext.Brands(),
		Market:   req.Market,
		Language: req.Language,
		Currency: req.Currency,
		Limit:    p.cfg.OfferLimit,
	}
	results := p.fetchAll(ctx, p.connectors.Select(networks), params)
	offers, allFailed := p.collect(results, &out.Debug)

	// ===== Normalize =====
	candidates := retrieval.ScoreOffers(req.Query, offers, p.cfg.Retrieval)
	candidates, filtered := SemanticGuard(candidates, ext)
	out.Debug.SemanticFilteredOut = filtered
	out.Debug.CandidateCount = len(candidates)

	// ===== Rank =====
	ranked := p.engine.Rank(ranking.Input{
		Candidates:    candidates,
		IntentScore:   score.Score,
		BlockedTopics: placement.Trigger.BlockedTopics,
		Query:         req.Query,
		AnswerText:    req.AnswerText,
		Placement:     req.PlacementID,
	})
	out.Debug.Ranking = ranked.Debug

	// ===== Decide =====
	out.Decision = decide(ranked, score.Score)
	if ranked.Winner == nil {
		if allFailed && ranked.ReasonCode == ranking.ReasonInventoryNoMatch {
			out.Decision.ReasonDetail = DetailAllNetworksFailed
		}
		return out
	}

	bid := ranked.Winner.Bid
	if minRev := placement.Trigger.MinExpectedRevenue; minRev > 0 && bid.Pricing.ExpectedRevenue < minRev {
		out.Decision = model.Decision{
			Result:       model.ResultNoFill,
			Reason:       ReasonBelowMinRevenue,
			ReasonDetail: fmt.Sprintf("%.4f < %.4f", bid.Pricing.ExpectedRevenue, minRev),
			IntentScore:  score.Score,
		}
		return out
	}

	out.Response.Ads = []model.Ad{toAd(bid, ranked.Winner.Candidate)}
	if err := p.capper.Record(ctx, req.PlacementID, req.SessionID, placement.FrequencyCap, placement.Trigger.CooldownSeconds); err != nil {
		log.Warn("pipeline: frequency record failed", zap.Error(err))
	}
	return out
}

func (p *Pipeline) extract(ctx context.Context, req model.AdRequest) ner.Extraction {
	ext, err := p.extractor.Extract(ctx, ner.Input{Query: req.Query, AnswerText: req.AnswerText})
	if err != nil {
		zap.L().Warn("pipeline: entity extraction failed", zap.Error(err))
		ext, _ = ner.NewRuleExtractor().Extract(ctx, ner.Input{Query: req.Query, AnswerText: req.AnswerText})
		ext.FallbackUsed = true
		ext.FallbackReason = "provider_error"
	}
	return ext
}

func decide(r ranking.Output, intentScore float64) model.Decision {
	d := model.Decision{Reason: r.ReasonCode, IntentScore: intentScore}
	switch r.ReasonCode {
	case ranking.ReasonServed:
		d.Result = model.ResultServed
	case ranking.ReasonPolicyBlocked:
		d.Result = model.ResultBlocked
		d.ReasonDetail = r.Debug.BlockedTopic
	default:
		d.Result = model.ResultNoFill
	}
	return d
}

func toAd(bid model.Bid, c model.Candidate) model.Ad {
	return model.Ad{
		AdID:        bid.BidID,
		Headline:    bid.Headline,
		Description: bid.Description,
		CTAText:     bid.CTAText,
		URL:         bid.URL,
		TrackingURL: c.TrackingURL,
		Advertiser:  bid.Advertiser,
		Network:     bid.DSP,
		Price:       bid.Price,
	}
}

func newDebug() Debug {
	return Debug{
		NetworkHits:         map[string]int{},
		NetworkErrors:       map[string][]connector.ErrorEntry{},
		SnapshotUsage:       map[string]bool{},
		SnapshotCacheStatus: map[string]string{},
		Connectors:          map[string]connector.Debug{},
	}
}

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
