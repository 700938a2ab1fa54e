package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a RetryConfig. Negative
// maxRetries keeps the default.
func FromRetryConfig(maxRetries, baseDelayMs, maxJitterMs int) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxRetries >= 0 {
		cfg.MaxRetries = maxRetries
	}
	if baseDelayMs > 0 {
		cfg.BaseDelay = time.Duration(baseDelayMs) * time.Millisecond
	}
	if maxJitterMs >= 0 {
		cfg.MaxJitter = time.Duration(maxJitterMs) * time.Millisecond
	}
	return cfg
}

// FromHealthConfig converts config values to a HealthPolicy.
func FromHealthConfig(failureThreshold, circuitOpenMs, healthCheckIntervalMs int) HealthPolicy {
	p := DefaultHealthPolicy()
	if failureThreshold > 0 {
		p.FailureThreshold = failureThreshold
	}
	if circuitOpenMs > 0 {
		p.CircuitOpen = time.Duration(circuitOpenMs) * time.Millisecond
	}
	if healthCheckIntervalMs > 0 {
		p.HealthCheckInterval = time.Duration(healthCheckIntervalMs) * time.Millisecond
	}
	return p
}
