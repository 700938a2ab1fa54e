package main

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/adbroker/internal/bidding"
	"github.com/sells-group/adbroker/internal/connector"
	"github.com/sells-group/adbroker/internal/fetcher"
	"github.com/sells-group/adbroker/internal/frequency"
	"github.com/sells-group/adbroker/internal/intent"
	"github.com/sells-group/adbroker/internal/metrics"
	"github.com/sells-group/adbroker/internal/model"
	"github.com/sells-group/adbroker/internal/ner"
	"github.com/sells-group/adbroker/internal/pipeline"
	"github.com/sells-group/adbroker/internal/placement"
	"github.com/sells-group/adbroker/internal/ranking"
	"github.com/sells-group/adbroker/internal/resilience"
	"github.com/sells-group/adbroker/internal/retrieval"
	"github.com/sells-group/adbroker/internal/snapshot"
	"github.com/sells-group/adbroker/internal/store"
)

// appEnv holds everything the serve/decide/bid/probe commands share.
type appEnv struct {
	Monitor    *resilience.Monitor
	Connectors *connector.Registry
	Snapshots  snapshot.Cache
	Refresher  *snapshot.Refresher
	Inventory  store.Inventory // may be nil
	Retriever  *retrieval.Retriever // house inventory only
	Search     *retrieval.Retriever // falls back to a health-gated live sweep
	Engine     *ranking.Engine
	Pipeline   *pipeline.Pipeline
	Aggregator *bidding.Aggregator
	Placements *placement.Set
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry

	redis *redis.Client
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Refresher != nil {
		e.Refresher.Stop()
	}
	if e.Inventory != nil {
		_ = e.Inventory.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
}

// initEnv builds the monitor, connectors, caches, retriever, engine,
// pipeline and aggregator from cfg. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &appEnv{Registry: prometheus.NewRegistry()}
	env.Metrics = metrics.New(env.Registry)

	env.Monitor = resilience.NewMonitor()
	env.Monitor.OnStateChange = func(network string, from, to resilience.HealthStatus) {
		env.Metrics.CircuitTransition(network, string(to))
		zap.L().Info("health: state change",
			zap.String("network", network),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	}
	healthPolicy := resilience.FromHealthConfig(cfg.Health.FailureThreshold, cfg.Health.CircuitOpenMs, cfg.Health.HealthCheckIntervalMs)
	retry := resilience.FromRetryConfig(cfg.Retry.MaxRetries, cfg.Retry.BaseDelayMs, cfg.Retry.MaxJitterMs)

	inv, err := store.Open(ctx, store.Config{
		Driver:   cfg.Inventory.Driver,
		DSN:      cfg.Inventory.DatabaseURL,
		MaxConns: cfg.Inventory.MaxConns,
		MinConns: cfg.Inventory.MinConns,
		Dims:     cfg.Retrieval.Dims,
	})
	if err == nil {
		if err = inv.Migrate(ctx); err != nil {
			_ = inv.Close()
		}
	}
	if err != nil {
		// House inventory is optional; retrieval degrades to a live sweep.
		zap.L().Warn("inventory store unavailable, continuing without house inventory", zap.Error(err))
	} else {
		env.Inventory = inv
	}

	live := liveConnectors(retry)
	retrievalCfg := retrieval.Config{
		LexicalTopK: cfg.Retrieval.LexicalTopK,
		VectorTopK:  cfg.Retrieval.VectorTopK,
		FinalTopK:   cfg.Retrieval.FinalTopK,
		RRFK:        cfg.Retrieval.RRFK,
		Dims:        cfg.Retrieval.Dims,
	}
	var inventoryStore retrieval.InventoryStore
	if env.Inventory != nil {
		inventoryStore = env.Inventory
	}
	env.Retriever, env.Search, env.Connectors = buildRetrieval(inventoryStore, retrievalCfg, live, env.Monitor, healthPolicy)

	var capper *frequency.Capper
	mem := snapshot.NewMemoryCache(cfg.Snapshot.MemorySize, time.Duration(cfg.Snapshot.TTLSecs)*time.Second)
	env.Snapshots = mem
	if cfg.Redis.Addr != "" {
		env.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		env.Snapshots = snapshot.NewTiered(mem, snapshot.NewRedisCache(env.redis, time.Duration(cfg.Snapshot.TTLSecs)*time.Second))
		if cfg.Frequency.Enabled {
			capper = frequency.NewCapper(env.redis)
		}
	} else {
		zap.L().Debug("ADBROKER_REDIS_ADDR not set, snapshots are process-local and frequency caps are off")
	}

	scorer, err := intentScorer()
	if err != nil {
		env.Close()
		return nil, err
	}
	extractor, err := entityExtractor()
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Engine = ranking.NewEngine(ranking.Config{
		ScoreFloor:    cfg.Ranking.ScoreFloor,
		NearTieMargin: cfg.Ranking.NearTieMargin,
		CTAText:       cfg.Ranking.CTAText,
	})

	env.Pipeline = pipeline.New(
		pipeline.Config{
			Health: healthPolicy,
			Intent: intent.Options{
				UseLLMFallback:       cfg.Intent.UseLLMFallback,
				LLMFallbackThreshold: cfg.Intent.LLMFallbackThreshold,
				LLMTimeout:           time.Duration(cfg.Intent.LLMTimeoutMs) * time.Millisecond,
			},
			Retrieval:    retrievalCfg,
			Networks:     cfg.Networks.Enabled,
			OfferLimit:   cfg.Pipeline.OfferLimit,
			FetchTimeout: time.Duration(cfg.Pipeline.FetchTimeoutMs) * time.Millisecond,
		},
		env.Monitor,
		env.Connectors,
		env.Snapshots,
		scorer,
		extractor,
		env.Engine,
		capper,
		env.Metrics,
	)

	env.Aggregator = bidding.NewAggregator(
		bidding.NewHTTPFactory(nil),
		bidding.NewInventoryHouse(env.Retriever, env.Engine),
		env.Metrics,
	)

	env.Placements, err = placement.Load(cfg.Placements.Path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			env.Close()
			return nil, err
		}
		zap.L().Warn("placements file not found, no placements configured", zap.String("path", cfg.Placements.Path))
		env.Placements = &placement.Set{Placements: map[string]model.Placement{}}
	}

	env.Refresher = snapshot.NewRefresher(env.Monitor, env.Snapshots, env.Connectors.Select(cfg.Networks.Enabled), snapshot.RefresherConfig{
		Schedule: cfg.Refresh.Schedule,
		Warmup:   connector.Params{Query: cfg.Refresh.WarmupQuery, Limit: cfg.Pipeline.OfferLimit},
		Timeout:  time.Duration(cfg.Refresh.TimeoutSecs) * time.Second,
		Policy:   healthPolicy,
	})

	zap.L().Info("environment ready",
		zap.Strings("networks", cfg.Networks.Enabled),
		zap.Bool("inventory", env.Inventory != nil),
		zap.Bool("redis", env.redis != nil),
		zap.Int("placements", len(env.Placements.Placements)),
	)
	return env, nil
}

// buildRetrieval returns the house retriever, the search retriever and the
// connector registry. The house connector never sweeps live networks: the
// pipeline fetches those itself, gated by the monitor, and a second path
// would bypass open circuits and credit their offers to house.
func buildRetrieval(inv retrieval.InventoryStore, rcfg retrieval.Config, live []connector.Connector, monitor *resilience.Monitor, policy resilience.HealthPolicy) (house, search *retrieval.Retriever, reg *connector.Registry) {
	house = retrieval.New(inv, rcfg)
	search = retrieval.New(inv, rcfg).WithFallback(connector.NewLiveSweep(monitor, policy, live...))
	all := append(append([]connector.Connector{}, live...), connector.NewHouse(house))
	reg = connector.NewRegistry(all...)
	return house, search, reg
}

// liveConnectors builds the affiliate network connectors, one fetcher.Client
// per network.
func liveConnectors(retry resilience.RetryConfig) []connector.Connector {
	n := cfg.Networks
	timeout := time.Duration(n.TimeoutMs) * time.Millisecond
	newClient := func(network string, rps float64) *fetcher.Client {
		return fetcher.NewClient(fetcher.Options{
			Network:   network,
			UserAgent: n.UserAgent,
			Timeout:   timeout,
			Retry:     retry,
			RateLimit: rate.Limit(rps),
			Burst:     1,
		})
	}

	return []connector.Connector{
		connector.NewCJ(newClient("cj", n.CJ.RateLimit), connector.CJConfig{
			LinkBaseURL:    n.CJ.LinkBaseURL,
			ProductBaseURL: n.CJ.ProductBaseURL,
			Token:          n.CJ.Token,
			WebsiteID:      n.CJ.WebsiteID,
			AdvertiserIDs:  n.CJ.AdvertiserIDs,
			PageSize:       n.CJ.PageSize,
		}),
		connector.NewPartnerStack(newClient("partnerstack", n.PartnerStack.RateLimit), connector.PartnerStackConfig{
			BaseURL:  n.PartnerStack.BaseURL,
			APIKey:   n.PartnerStack.APIKey,
			PageSize: n.PartnerStack.PageSize,
		}),
	}
}

func intentScorer() (*intent.Scorer, error) {
	if cfg.Intent.Endpoint == "" {
		return intent.NewScorer(nil), nil
	}
	ep, err := parseEndpoint(cfg.Intent.Endpoint)
	if err != nil {
		return nil, eris.Wrap(err, "intent endpoint")
	}
	client := fetcher.NewClient(fetcher.Options{
		Network: "intent",
		Timeout: time.Duration(cfg.Intent.LLMTimeoutMs) * time.Millisecond,
		Retry:   resilience.RetryConfig{MaxRetries: 0},
	})
	return intent.NewScorer(intent.NewHTTPProvider(client, ep, cfg.Intent.APIKey)), nil
}

func entityExtractor() (ner.Provider, error) {
	rules := ner.NewRuleExtractor(cfg.NER.KnownBrands...)
	if cfg.NER.Endpoint == "" {
		return rules, nil
	}
	ep, err := parseEndpoint(cfg.NER.Endpoint)
	if err != nil {
		return nil, eris.Wrap(err, "ner endpoint")
	}
	client := fetcher.NewClient(fetcher.Options{
		Network: "ner",
		Timeout: time.Duration(cfg.NER.TimeoutMs) * time.Millisecond,
		Retry:   resilience.RetryConfig{MaxRetries: 0},
	})
	return ner.WithFallback(ner.NewHTTPProvider(client, ep, cfg.NER.APIKey), rules), nil
}

func parseEndpoint(raw string) (fetcher.Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fetcher.Endpoint{}, eris.Wrapf(err, "parse %q", raw)
	}
	if u.Scheme == "" || u.Host == "" {
		return fetcher.Endpoint{}, eris.Errorf("%q is not an absolute url", raw)
	}
	return fetcher.Endpoint{BaseURL: u.Scheme + "://" + u.Host, Path: u.EscapedPath()}, nil
}
