// Package resilience provides per-network circuit breaking and bounded retry
// for calls to upstream ad networks.
package resilience

import (
	"sort"
	"sync"
	"time"
)

// HealthStatus is the circuit state of a network.
type HealthStatus string

const (
	// StatusHealthy means calls flow normally.
	StatusHealthy HealthStatus = "healthy"
	// StatusDegraded means at least one recent failure, below the threshold.
	StatusDegraded HealthStatus = "degraded"
	// StatusOpen means the circuit is open and live calls are skipped until
	// the cooldown elapses.
	StatusOpen HealthStatus = "open"
)

// Skip reasons returned by ShouldSkipFetch.
const (
	ReasonCircuitOpen     = "circuit_open"
	ReasonCooldownElapsed = "cooldown_elapsed"
	ReasonHealthy         = "healthy"
	ReasonDegraded        = "degraded"
)

// HealthPolicy controls the breaker. Zero fields take defaults.
type HealthPolicy struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Default: 2.
	FailureThreshold int
	// CircuitOpen is how long an opened circuit skips live calls. Default: 30s.
	CircuitOpen time.Duration
	// HealthCheckInterval throttles out-of-band probes. Default: 10s.
	HealthCheckInterval time.Duration
}

// DefaultHealthPolicy returns the default breaker policy.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		FailureThreshold:    2,
		CircuitOpen:         30 * time.Second,
		HealthCheckInterval: 10 * time.Second,
	}
}

func (p HealthPolicy) withDefaults() HealthPolicy {
	d := DefaultHealthPolicy()
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = d.FailureThreshold
	}
	if p.CircuitOpen <= 0 {
		p.CircuitOpen = d.CircuitOpen
	}
	if p.HealthCheckInterval <= 0 {
		p.HealthCheckInterval = d.HealthCheckInterval
	}
	return p
}

// NetworkHealthState is a point-in-time copy of a network's breaker state.
// Timestamps are epoch milliseconds; zero means never.
type NetworkHealthState struct {
	Network             string       `json:"network"`
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastSuccessAt       int64        `json:"last_success_at"`
	LastFailureAt       int64        `json:"last_failure_at"`
	LastErrorCode       string       `json:"last_error_code,omitempty"`
	LastErrorMessage    string       `json:"last_error_message,omitempty"`
	CooldownUntil       int64        `json:"cooldown_until"`
	LastHealthCheckAt   int64        `json:"last_health_check_at"`
}

// SkipDecision is the answer of ShouldSkipFetch.
type SkipDecision struct {
	Skip         bool   `json:"skip"`
	Reason       string `json:"reason"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// HealthCheckResult is the outcome of an out-of-band probe.
type HealthCheckResult struct {
	OK  bool
	Err error
}

type healthEntry struct {
	mu    sync.Mutex
	state NetworkHealthState
}

// Monitor is the process-wide registry of per-network breaker state. It is
// constructed once and injected into the orchestrators. Entries are created
// lazily and each carries its own lock.
type Monitor struct {
	mu      sync.RWMutex
	entries map[string]*healthEntry

	// OnStateChange is called after a status transition, outside the entry lock.
	OnStateChange func(network string, from, to HealthStatus)

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewMonitor creates an empty health registry.
func NewMonitor() *Monitor {
	return &Monitor{
		entries: make(map[string]*healthEntry),
		nowFunc: time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.nowFunc = now
	return m
}

func (m *Monitor) nowMs() int64 {
	return m.nowFunc().UnixMilli()
}

func (m *Monitor) entry(network string) *healthEntry {
	m.mu.RLock()
	e, ok := m.entries[network]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-check after acquiring write lock.
	if e, ok = m.entries[network]; ok {
		return e
	}
	e = &healthEntry{state: NetworkHealthState{Network: network, Status: StatusHealthy}}
	m.entries[network] = e
	return e
}

// GetHealth returns a copy of the network's state, creating it if needed.
func (m *Monitor) GetHealth(network string) NetworkHealthState {
	e := m.entry(network)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// GetAllHealth returns a snapshot of every known network, sorted by name.
func (m *Monitor) GetAllHealth() []NetworkHealthState {
	m.mu.RLock()
	entries := make([]*healthEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]NetworkHealthState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Network < out[j].Network })
	return out
}

// ShouldSkipFetch reports whether a live call to network should be skipped.
// Once an open circuit's cooldown has elapsed a single probe is let through;
// the caller's next RecordSuccess or RecordFailure decides the new state.
func (m *Monitor) ShouldSkipFetch(network string, _ HealthPolicy) SkipDecision {
	e := m.entry(network)
	now := m.nowMs()

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state.Status {
	case StatusOpen:
		if e.state.CooldownUntil > now {
			return SkipDecision{
				Skip:         true,
				Reason:       ReasonCircuitOpen,
				RetryAfterMs: e.state.CooldownUntil - now,
			}
		}
		return SkipDecision{Reason: ReasonCooldownElapsed}
	case StatusDegraded:
		return SkipDecision{Reason: ReasonDegraded}
	default:
		return SkipDecision{Reason: ReasonHealthy}
	}
}

// ShouldRunHealthCheck reports whether an out-of-band probe is due.
func (m *Monitor) ShouldRunHealthCheck(network string, policy HealthPolicy) bool {
	policy = policy.withDefaults()
	e := m.entry(network)
	now := m.nowMs()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.LastHealthCheckAt == 0 {
		return true
	}
	return now-e.state.LastHealthCheckAt >= policy.HealthCheckInterval.Milliseconds()
}

// RecordSuccess resets the network to healthy from any status.
func (m *Monitor) RecordSuccess(network string) {
	e := m.entry(network)
	now := m.nowMs()

	e.mu.Lock()
	from := e.state.Status
	e.applySuccess(now)
	e.mu.Unlock()

	m.notify(network, from, StatusHealthy)
}

// RecordFailure counts a failure and opens the circuit once the threshold is
// reached.
func (m *Monitor) RecordFailure(network string, err error, policy HealthPolicy) {
	policy = policy.withDefaults()
	e := m.entry(network)
	now := m.nowMs()

	e.mu.Lock()
	from := e.state.Status
	e.applyFailure(now, err, policy)
	to := e.state.Status
	e.mu.Unlock()

	m.notify(network, from, to)
}

// RecordHealthCheckResult stamps the probe time and applies the probe outcome
// as a success or a failure.
func (m *Monitor) RecordHealthCheckResult(network string, result HealthCheckResult, policy HealthPolicy) {
	policy = policy.withDefaults()
	e := m.entry(network)
	now := m.nowMs()

	e.mu.Lock()
	from := e.state.Status
	e.state.LastHealthCheckAt = now
	if result.OK {
		e.applySuccess(now)
	} else {
		e.applyFailure(now, result.Err, policy)
	}
	to := e.state.Status
	e.mu.Unlock()

	m.notify(network, from, to)
}

// Reset forgets every network. Used for test isolation only.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*healthEntry)
}

func (m *Monitor) notify(network string, from, to HealthStatus) {
	if from != to && m.OnStateChange != nil {
		m.OnStateChange(network, from, to)
	}
}

func (e *healthEntry) applySuccess(now int64) {
	e.state.ConsecutiveFailures = 0
	e.state.Status = StatusHealthy
	e.state.CooldownUntil = 0
	e.state.LastSuccessAt = now
}

func (e *healthEntry) applyFailure(now int64, err error, policy HealthPolicy) {
	e.state.ConsecutiveFailures++
	e.state.LastFailureAt = now
	e.state.LastErrorCode = ErrorCode(err)
	if err != nil {
		e.state.LastErrorMessage = err.Error()
	} else {
		e.state.LastErrorMessage = ""
	}

	if e.state.ConsecutiveFailures >= policy.FailureThreshold {
		e.state.Status = StatusOpen
		e.state.CooldownUntil = now + policy.CircuitOpen.Milliseconds()
		return
	}
	e.state.Status = StatusDegraded
}
