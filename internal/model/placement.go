package model

// BidderConfig declares one demand source of a placement.
type BidderConfig struct {
	NetworkID    string  `json:"network_id" yaml:"network_id"`
	Endpoint     string  `json:"endpoint" yaml:"endpoint"`
	TimeoutMs    int     `json:"timeout_ms" yaml:"timeout_ms"`
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	PolicyWeight float64 `json:"policy_weight" yaml:"policy_weight"`
}

// StoreFallback configures the house-inventory fallback.
type StoreFallback struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	FloorPrice float64 `json:"floor_price" yaml:"floor_price"`
}

// FallbackConfig groups fallback sources.
type FallbackConfig struct {
	Store StoreFallback `json:"store" yaml:"store"`
}

// TriggerConfig holds per-placement serving gates.
type TriggerConfig struct {
	IntentThreshold    float64  `json:"intent_threshold" yaml:"intent_threshold"`
	CooldownSeconds    int      `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	MinExpectedRevenue float64  `json:"min_expected_revenue" yaml:"min_expected_revenue"`
	BlockedTopics      []string `json:"blocked_topics" yaml:"blocked_topics"`
}

// FrequencyCap limits how often a session sees a placement.
type FrequencyCap struct {
	MaxPerSession int `json:"max_per_session" yaml:"max_per_session"`
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
}

// Placement is a configured ad slot. It is owned by the control plane and
// read-only here.
type Placement struct {
	ID              string         `json:"placement_id" yaml:"id"`
	Surface         string         `json:"surface,omitempty" yaml:"surface"`
	Networks        []string       `json:"networks,omitempty" yaml:"networks"`
	Bidders         []BidderConfig `json:"bidders" yaml:"bidders"`
	Fallback        FallbackConfig `json:"fallback" yaml:"fallback"`
	MaxFanout       int            `json:"max_fanout" yaml:"max_fanout"`
	GlobalTimeoutMs int            `json:"global_timeout_ms" yaml:"global_timeout_ms"`
	Trigger         TriggerConfig  `json:"trigger" yaml:"trigger"`
	FrequencyCap    FrequencyCap   `json:"frequency_cap" yaml:"frequency_cap"`
}
