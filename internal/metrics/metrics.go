// Package metrics holds the Prometheus collectors of the ad broker. All
// methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Connector metrics
	ConnectorRequests *prometheus.CounterVec
	ConnectorLatency  *prometheus.HistogramVec

	// Health metrics
	CircuitTransitions *prometheus.CounterVec
	SnapshotFallbacks  *prometheus.CounterVec

	// Decision metrics
	Decisions      *prometheus.CounterVec
	RetrievalModes *prometheus.CounterVec

	// Bidding metrics
	BidderOutcomes *prometheus.CounterVec
	BidLatency     prometheus.Histogram
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ConnectorRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adbroker_connector_requests_total",
				Help: "Connector fetches by network and outcome",
			},
			[]string{"network", "outcome"},
		),
		ConnectorLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adbroker_connector_latency_seconds",
				Help:    "Connector fetch latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"network"},
		),
		CircuitTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adbroker_circuit_transitions_total",
				Help: "Network health status transitions",
			},
			[]string{"network", "to"},
		),
		SnapshotFallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adbroker_snapshot_fallbacks_total",
				Help: "Snapshot substitutions by network and cause",
			},
			[]string{"network", "status"},
		),
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adbroker_decisions_total",
				Help: "Ad decisions by result and reason",
			},
			[]string{"result", "reason"},
		),
		RetrievalModes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adbroker_retrieval_mode_total",
				Help: "House inventory retrievals by mode",
			},
			[]string{"mode"},
		),
		BidderOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adbroker_bidder_outcomes_total",
				Help: "Bid responses by bidder and outcome",
			},
			[]string{"network", "outcome"},
		),
		BidLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "adbroker_bid_latency_seconds",
				Help:    "Bid aggregation latency",
				Buckets: []float64{.025, .05, .1, .2, .3, .5, .8, 1, 2},
			},
		),
	}
}

// ObserveConnector records one connector fetch.
func (m *Metrics) ObserveConnector(network, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ConnectorRequests.WithLabelValues(network, outcome).Inc()
	m.ConnectorLatency.WithLabelValues(network).Observe(d.Seconds())
}

// CircuitTransition records a health status change.
func (m *Metrics) CircuitTransition(network, to string) {
	if m == nil {
		return
	}
	m.CircuitTransitions.WithLabelValues(network, to).Inc()
}

// SnapshotFallback records a snapshot substitution.
func (m *Metrics) SnapshotFallback(network, status string) {
	if m == nil {
		return
	}
	m.SnapshotFallbacks.WithLabelValues(network, status).Inc()
}

// Decision records a terminal pipeline decision.
func (m *Metrics) Decision(result, reason string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(result, reason).Inc()
}

// RetrievalMode records how a house retrieval was served.
func (m *Metrics) RetrievalMode(mode string) {
	if m == nil {
		return
	}
	m.RetrievalModes.WithLabelValues(mode).Inc()
}

// BidderOutcome records one bidder's result.
func (m *Metrics) BidderOutcome(network, outcome string) {
	if m == nil {
		return
	}
	m.BidderOutcomes.WithLabelValues(network, outcome).Inc()
}

// ObserveBidLatency records the duration of one aggregation.
func (m *Metrics) ObserveBidLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.BidLatency.Observe(d.Seconds())
}
