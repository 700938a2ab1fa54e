package intent

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Score sources.
const (
	SourceRules            = "rules"
	SourceLLM              = "llm"
	SourceRulesLLMFallback = "rules_llm_fallback"
	SourceRulesLLMError    = "rules_llm_error"
	SourceRulesLLMTimeout  = "rules_llm_timeout"
)

// Fallback bounds.
const (
	DefaultLLMFallbackThreshold = 0.45
	DefaultLLMTimeout           = 300 * time.Millisecond
	MinLLMTimeout               = 120 * time.Millisecond
	MaxLLMTimeout               = 1200 * time.Millisecond
)

// Inference is the answer of an intent provider.
type Inference struct {
	IntentClass      string   `json:"intent_class"`
	IntentScore      float64  `json:"intent_score"`
	PreferenceFacets []string `json:"preference_facets,omitempty"`
	FallbackUsed     bool     `json:"fallbackUsed"`
	FallbackReason   string   `json:"fallbackReason,omitempty"`
	Model            string   `json:"model,omitempty"`
}

// Provider is an external intent model, treated as a black box.
type Provider interface {
	Infer(ctx context.Context, in Input) (Inference, error)
}

// Options controls ScoreOpportunityFirst.
type Options struct {
	UseLLMFallback       bool          `mapstructure:"use_llm_fallback"`
	LLMFallbackThreshold float64       `mapstructure:"llm_fallback_threshold"`
	LLMTimeout           time.Duration `mapstructure:"llm_timeout"`
}

// Score is the result of ScoreOpportunityFirst.
type Score struct {
	Score            float64  `json:"score"`
	Class            string   `json:"class"`
	Source           string   `json:"source"`
	Model            string   `json:"model,omitempty"`
	PreferenceFacets []string `json:"preference_facets,omitempty"`
	FallbackReason   string   `json:"fallback_reason,omitempty"`
	LatencyMs        int64    `json:"latency_ms"`
	RuleLatencyMs    int64    `json:"rule_latency_ms"`
	LLMLatencyMs     int64    `json:"llm_latency_ms"`
}

// Scorer runs the rule path and, for low-confidence results, an optional
// provider call.
type Scorer struct {
	provider Provider
	nowFunc  func() time.Time
}

// NewScorer creates a Scorer. provider may be nil.
func NewScorer(provider Provider) *Scorer {
	return &Scorer{provider: provider, nowFunc: time.Now}
}

// ClampTimeout applies the default and bounds to a provider timeout.
func ClampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultLLMTimeout
	}
	if d < MinLLMTimeout {
		return MinLLMTimeout
	}
	if d > MaxLLMTimeout {
		return MaxLLMTimeout
	}
	return d
}

// ScoreOpportunityFirst always scores by rules first. The provider is asked
// only when the fallback is enabled and the rule score is below the
// threshold; a provider error, timeout or self-reported fallback keeps the
// rule result.
func (s *Scorer) ScoreOpportunityFirst(ctx context.Context, in Input, opts Options) Score {
	start := s.nowFunc()
	rules := InferByRules(in)
	ruleDone := s.nowFunc()

	out := Score{
		Score:         rules.Score,
		Class:         rules.Class,
		Source:        SourceRules,
		RuleLatencyMs: ruleDone.Sub(start).Milliseconds(),
	}

	threshold := opts.LLMFallbackThreshold
	if threshold <= 0 {
		threshold = DefaultLLMFallbackThreshold
	}
	if !opts.UseLLMFallback || s.provider == nil || rules.Score >= threshold {
		out.LatencyMs = s.nowFunc().Sub(start).Milliseconds()
		return out
	}

	inf, err := s.infer(ctx, in, ClampTimeout(opts.LLMTimeout))
	out.LLMLatencyMs = s.nowFunc().Sub(ruleDone).Milliseconds()

	switch {
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		out.Source = SourceRulesLLMTimeout
		zap.L().Debug("intent: provider timed out", zap.Int64("llm_latency_ms", out.LLMLatencyMs))
	case err != nil:
		out.Source = SourceRulesLLMError
		zap.L().Warn("intent: provider failed", zap.Error(err))
	case inf.FallbackUsed || inf.IntentClass == "":
		out.Source = SourceRulesLLMFallback
		out.FallbackReason = inf.FallbackReason
		out.Model = inf.Model
	default:
		out.Score = clamp01(inf.IntentScore)
		out.Class = inf.IntentClass
		out.Source = SourceLLM
		out.Model = inf.Model
		out.PreferenceFacets = inf.PreferenceFacets
	}

	out.LatencyMs = s.nowFunc().Sub(start).Milliseconds()
	return out
}

type inferResult struct {
	inf Inference
	err error
}

// infer calls the provider under timeout and stops waiting when it expires
// even if the provider ignores its context.
func (s *Scorer) infer(ctx context.Context, in Input, timeout time.Duration) (Inference, error) {
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan inferResult, 1)
	go func() {
		inf, err := s.provider.Infer(ictx, in)
		done <- inferResult{inf, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ictx.Err() != nil {
			return Inference{}, ictx.Err()
		}
		return r.inf, r.err
	case <-ictx.Done():
		return Inference{}, ictx.Err()
	}
}
