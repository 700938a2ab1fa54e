// Package retrieval finds candidate offers by fusing lexical and vector
// search with Reciprocal Rank Fusion.
package retrieval

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/adbroker/internal/model"
)

// Retrieval modes reported in Debug.Mode.
const (
	ModeHybrid           = "hybrid"
	ModeStoreUnavailable = "inventory_store_unavailable"
	ModeLiveFallback     = "connector_live_fallback"
)

// Filters restrict which inventory rows are searched.
type Filters struct {
	Networks []string `json:"networks,omitempty"`
	Market   string   `json:"market,omitempty"`
	Language string   `json:"language,omitempty"`
}

// Query is one retrieval request.
type Query struct {
	Text    string  `json:"text"`
	Filters Filters `json:"filters"`
	// TopK overrides Config.FinalTopK when positive.
	TopK int `json:"top_k,omitempty"`
}

// Row is an inventory row with the score of the search that produced it.
type Row struct {
	Offer model.UnifiedOffer
	Score float64
}

// InventoryStore is the search surface the retriever needs. Rows come back
// best first.
type InventoryStore interface {
	SearchLexical(ctx context.Context, text string, f Filters, limit int) ([]Row, error)
	SearchVector(ctx context.Context, embedding []float64, f Filters, limit int) ([]Row, error)
}

// FallbackProvider supplies offers when the inventory store is unavailable,
// typically by sweeping live connectors.
type FallbackProvider interface {
	Sweep(ctx context.Context, q Query) ([]model.UnifiedOffer, error)
}

// Config tunes retrieval.
type Config struct {
	LexicalTopK int `mapstructure:"lexical_top_k"`
	VectorTopK  int `mapstructure:"vector_top_k"`
	FinalTopK   int `mapstructure:"final_top_k"`
	RRFK        int `mapstructure:"rrf_k"`
	Dims        int `mapstructure:"dims"`
}

// DefaultConfig returns the retrieval defaults.
func DefaultConfig() Config {
	return Config{
		LexicalTopK: 30,
		VectorTopK:  30,
		FinalTopK:   24,
		RRFK:        DefaultRRFK,
		Dims:        DefaultDims,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LexicalTopK <= 0 {
		c.LexicalTopK = d.LexicalTopK
	}
	if c.VectorTopK <= 0 {
		c.VectorTopK = d.VectorTopK
	}
	if c.FinalTopK <= 0 {
		c.FinalTopK = d.FinalTopK
	}
	if c.RRFK <= 0 {
		c.RRFK = d.RRFK
	}
	if c.Dims <= 0 {
		c.Dims = d.Dims
	}
	return c
}

// Debug describes how a retrieval went.
type Debug struct {
	Mode         string `json:"mode"`
	LexicalCount int    `json:"lexical_count"`
	VectorCount  int    `json:"vector_count"`
	FusedCount   int    `json:"fused_count"`
	Error        string `json:"error,omitempty"`
	LatencyMs    int64  `json:"latency_ms"`
}

// Result is the output of Retrieve.
type Result struct {
	Candidates []model.Candidate `json:"candidates"`
	Debug      Debug             `json:"debug"`
}

// Retriever runs hybrid search against an inventory store.
type Retriever struct {
	store    InventoryStore
	fallback FallbackProvider
	cfg      Config
}

// New creates a Retriever. store may be nil, in which case every call
// degrades.
func New(store InventoryStore, cfg Config) *Retriever {
	return &Retriever{store: store, cfg: cfg.withDefaults()}
}

// WithFallback sets the provider used when the store is unavailable.
func (r *Retriever) WithFallback(fb FallbackProvider) *Retriever {
	r.fallback = fb
	return r
}

// Config returns the effective configuration.
func (r *Retriever) Config() Config {
	return r.cfg
}

// Retrieve never fails: store errors degrade to an empty result or to the
// fallback provider, and the mode is recorded in Debug.
func (r *Retriever) Retrieve(ctx context.Context, q Query) Result {
	start := time.Now()
	topK := r.cfg.FinalTopK
	if q.TopK > 0 {
		topK = q.TopK
	}

	res, err := r.hybrid(ctx, q, topK)
	if err != nil {
		zap.L().Warn("retrieval: inventory store unavailable",
			zap.String("query", q.Text),
			zap.Error(err),
		)
		res = r.degrade(ctx, q, topK, err)
	}
	res.Debug.LatencyMs = time.Since(start).Milliseconds()
	return res
}

func (r *Retriever) hybrid(ctx context.Context, q Query, topK int) (Result, error) {
	if r.store == nil {
		return Result{}, eris.New("retrieval: no inventory store configured")
	}

	var lexRows, vecRows []Row
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := r.store.SearchLexical(gctx, q.Text, q.Filters, r.cfg.LexicalTopK)
		if err != nil {
			return eris.Wrap(err, "retrieval: lexical search")
		}
		lexRows = rows
		return nil
	})
	g.Go(func() error {
		rows, err := r.store.SearchVector(gctx, Embed(q.Text, r.cfg.Dims), q.Filters, r.cfg.VectorTopK)
		if err != nil {
			return eris.Wrap(err, "retrieval: vector search")
		}
		vecRows = rows
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	candidates := Fuse(toHits(lexRows), toHits(vecRows), r.cfg.RRFK, topK)
	return Result{
		Candidates: candidates,
		Debug: Debug{
			Mode:         ModeHybrid,
			LexicalCount: len(lexRows),
			VectorCount:  len(vecRows),
			FusedCount:   len(candidates),
		},
	}, nil
}

func (r *Retriever) degrade(ctx context.Context, q Query, topK int, storeErr error) Result {
	res := Result{Debug: Debug{Mode: ModeStoreUnavailable, Error: storeErr.Error()}}
	if r.fallback == nil {
		return res
	}

	offers, err := r.fallback.Sweep(ctx, q)
	if err != nil {
		zap.L().Warn("retrieval: live fallback failed", zap.Error(err))
		res.Debug.Error = eris.Wrap(err, storeErr.Error()).Error()
		return res
	}

	cfg := r.cfg
	cfg.FinalTopK = topK
	res.Candidates = ScoreOffers(q.Text, offers, cfg)
	res.Debug.Mode = ModeLiveFallback
	res.Debug.FusedCount = len(res.Candidates)
	return res
}

func toHits(rows []Row) []Hit {
	hits := make([]Hit, len(rows))
	for i, row := range rows {
		hits[i] = Hit(row)
	}
	return hits
}
