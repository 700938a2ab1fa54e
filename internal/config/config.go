package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Health     HealthConfig     `yaml:"health" mapstructure:"health"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Networks   NetworksConfig   `yaml:"networks" mapstructure:"networks"`
	Inventory  InventoryConfig  `yaml:"inventory" mapstructure:"inventory"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Snapshot   SnapshotConfig   `yaml:"snapshot" mapstructure:"snapshot"`
	Frequency  FrequencyConfig  `yaml:"frequency" mapstructure:"frequency"`
	Intent     IntentConfig     `yaml:"intent" mapstructure:"intent"`
	NER        NERConfig        `yaml:"ner" mapstructure:"ner"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" mapstructure:"retrieval"`
	Ranking    RankingConfig    `yaml:"ranking" mapstructure:"ranking"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Placements PlacementsConfig `yaml:"placements" mapstructure:"placements"`
	Refresh    RefreshConfig    `yaml:"refresh" mapstructure:"refresh"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port                int      `yaml:"port" mapstructure:"port"`
	ShutdownTimeoutSecs int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
	CORSOrigins         []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// HealthConfig configures the per-network circuit breaker.
type HealthConfig struct {
	FailureThreshold      int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CircuitOpenMs         int `yaml:"circuit_open_ms" mapstructure:"circuit_open_ms"`
	HealthCheckIntervalMs int `yaml:"health_check_interval_ms" mapstructure:"health_check_interval_ms"`
}

// RetryConfig configures upstream retries.
type RetryConfig struct {
	MaxRetries  int `yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelayMs int `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxJitterMs int `yaml:"max_jitter_ms" mapstructure:"max_jitter_ms"`
}

// NetworksConfig holds the affiliate network credentials.
type NetworksConfig struct {
	Enabled      []string           `yaml:"enabled" mapstructure:"enabled"`
	UserAgent    string             `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutMs    int                `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	CJ           CJConfig           `yaml:"cj" mapstructure:"cj"`
	PartnerStack PartnerStackConfig `yaml:"partnerstack" mapstructure:"partnerstack"`
}

// CJConfig holds CJ API settings.
type CJConfig struct {
	LinkBaseURL    string   `yaml:"link_base_url" mapstructure:"link_base_url"`
	ProductBaseURL string   `yaml:"product_base_url" mapstructure:"product_base_url"`
	Token          string   `yaml:"token" mapstructure:"token"`
	WebsiteID      string   `yaml:"website_id" mapstructure:"website_id"`
	AdvertiserIDs  []string `yaml:"advertiser_ids" mapstructure:"advertiser_ids"`
	PageSize       int      `yaml:"page_size" mapstructure:"page_size"`
	RateLimit      float64  `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// PartnerStackConfig holds PartnerStack API settings.
type PartnerStackConfig struct {
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey    string  `yaml:"api_key" mapstructure:"api_key"`
	PageSize  int     `yaml:"page_size" mapstructure:"page_size"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// InventoryConfig configures the house inventory store.
type InventoryConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the shared Redis. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// SnapshotConfig configures the last-known-good offer cache.
type SnapshotConfig struct {
	MemorySize int `yaml:"memory_size" mapstructure:"memory_size"`
	TTLSecs    int `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// FrequencyConfig toggles per-session frequency capping.
type FrequencyConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// IntentConfig configures the optional remote intent classifier.
type IntentConfig struct {
	Endpoint             string  `yaml:"endpoint" mapstructure:"endpoint"`
	APIKey               string  `yaml:"api_key" mapstructure:"api_key"`
	UseLLMFallback       bool    `yaml:"use_llm_fallback" mapstructure:"use_llm_fallback"`
	LLMFallbackThreshold float64 `yaml:"llm_fallback_threshold" mapstructure:"llm_fallback_threshold"`
	LLMTimeoutMs         int     `yaml:"llm_timeout_ms" mapstructure:"llm_timeout_ms"`
}

// NERConfig configures entity extraction.
type NERConfig struct {
	Endpoint    string   `yaml:"endpoint" mapstructure:"endpoint"`
	APIKey      string   `yaml:"api_key" mapstructure:"api_key"`
	TimeoutMs   int      `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	KnownBrands []string `yaml:"known_brands" mapstructure:"known_brands"`
}

// RetrievalConfig tunes hybrid retrieval.
type RetrievalConfig struct {
	LexicalTopK int `yaml:"lexical_top_k" mapstructure:"lexical_top_k"`
	VectorTopK  int `yaml:"vector_top_k" mapstructure:"vector_top_k"`
	FinalTopK   int `yaml:"final_top_k" mapstructure:"final_top_k"`
	RRFK        int `yaml:"rrf_k" mapstructure:"rrf_k"`
	Dims        int `yaml:"dims" mapstructure:"dims"`
}

// RankingConfig tunes the auction engine.
type RankingConfig struct {
	ScoreFloor    float64 `yaml:"score_floor" mapstructure:"score_floor"`
	NearTieMargin float64 `yaml:"near_tie_margin" mapstructure:"near_tie_margin"`
	CTAText       string  `yaml:"cta_text" mapstructure:"cta_text"`
}

// PipelineConfig tunes the ads retrieval pipeline.
type PipelineConfig struct {
	OfferLimit     int `yaml:"offer_limit" mapstructure:"offer_limit"`
	FetchTimeoutMs int `yaml:"fetch_timeout_ms" mapstructure:"fetch_timeout_ms"`
}

// PlacementsConfig points at the placement definitions.
type PlacementsConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// RefreshConfig configures the out-of-band health probe and snapshot warmup.
type RefreshConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Schedule    string `yaml:"schedule" mapstructure:"schedule"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	WarmupQuery string `yaml:"warmup_query" mapstructure:"warmup_query"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ADBROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_secs", 10)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("health.failure_threshold", 2)
	v.SetDefault("health.circuit_open_ms", 30000)
	v.SetDefault("health.health_check_interval_ms", 10000)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay_ms", 250)
	v.SetDefault("retry.max_jitter_ms", 100)
	v.SetDefault("networks.enabled", []string{"cj", "partnerstack"})
	v.SetDefault("networks.user_agent", "adbroker/1.0")
	v.SetDefault("networks.timeout_ms", 2500)
	v.SetDefault("networks.cj.link_base_url", "https://link-search.api.cj.com")
	v.SetDefault("networks.cj.product_base_url", "https://product-search.api.cj.com")
	v.SetDefault("networks.cj.token", "")
	v.SetDefault("networks.cj.website_id", "")
	v.SetDefault("networks.cj.page_size", 50)
	v.SetDefault("networks.cj.rate_limit", 5)
	v.SetDefault("networks.partnerstack.base_url", "https://api.partnerstack.com")
	v.SetDefault("networks.partnerstack.api_key", "")
	v.SetDefault("networks.partnerstack.page_size", 50)
	v.SetDefault("networks.partnerstack.rate_limit", 5)
	v.SetDefault("inventory.driver", "sqlite")
	v.SetDefault("inventory.database_url", "adbroker.db")
	v.SetDefault("inventory.max_conns", 10)
	v.SetDefault("inventory.min_conns", 2)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("snapshot.memory_size", 64)
	v.SetDefault("snapshot.ttl_secs", 3600)
	v.SetDefault("frequency.enabled", true)
	v.SetDefault("intent.endpoint", "")
	v.SetDefault("intent.api_key", "")
	v.SetDefault("intent.use_llm_fallback", false)
	v.SetDefault("intent.llm_fallback_threshold", 0.45)
	v.SetDefault("intent.llm_timeout_ms", 400)
	v.SetDefault("ner.endpoint", "")
	v.SetDefault("ner.api_key", "")
	v.SetDefault("ner.timeout_ms", 300)
	v.SetDefault("retrieval.lexical_top_k", 30)
	v.SetDefault("retrieval.vector_top_k", 30)
	v.SetDefault("retrieval.final_top_k", 24)
	v.SetDefault("retrieval.rrf_k", 60)
	v.SetDefault("retrieval.dims", 512)
	v.SetDefault("ranking.score_floor", 0.32)
	v.SetDefault("ranking.near_tie_margin", 0.03)
	v.SetDefault("ranking.cta_text", "Learn More")
	v.SetDefault("pipeline.offer_limit", 20)
	v.SetDefault("pipeline.fetch_timeout_ms", 3000)
	v.SetDefault("placements.path", "placements.yaml")
	v.SetDefault("refresh.enabled", true)
	v.SetDefault("refresh.schedule", "@every 1m")
	v.SetDefault("refresh.timeout_secs", 10)
	v.SetDefault("refresh.warmup_query", "best deals")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.validateAuction()...)
	case "decide", "bid":
		errs = append(errs, c.validateAuction()...)
	case "migrate":
		if c.Inventory.DatabaseURL == "" {
			errs = append(errs, "inventory.database_url is required")
		}
	case "probe", "search":
		if len(c.Networks.Enabled) == 0 {
			errs = append(errs, "networks.enabled must list at least one network")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Health.FailureThreshold < 1 {
		errs = append(errs, "health.failure_threshold must be >= 1")
	}

	if len(errs) > 0 {
		return eris.New(fmt.Sprintf("config: %s", strings.Join(errs, "; ")))
	}
	return nil
}

func (c *Config) validateAuction() []string {
	var errs []string
	if c.Ranking.ScoreFloor < 0 || c.Ranking.ScoreFloor > 1 {
		errs = append(errs, "ranking.score_floor must be between 0 and 1")
	}
	if c.Ranking.NearTieMargin < 0 || c.Ranking.NearTieMargin > 1 {
		errs = append(errs, "ranking.near_tie_margin must be between 0 and 1")
	}
	if c.Intent.LLMFallbackThreshold < 0 || c.Intent.LLMFallbackThreshold > 1 {
		errs = append(errs, "intent.llm_fallback_threshold must be between 0 and 1")
	}
	if c.Placements.Path == "" {
		errs = append(errs, "placements.path is required")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
