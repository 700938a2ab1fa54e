// Package model defines the request-scoped domain types shared by the
// connectors, the retriever, the ranking engine and both orchestrators.
package model

import (
	"strings"
	"time"
)

// Availability describes whether an offer can currently be served.
type Availability string

const (
	AvailabilityActive     Availability = "active"
	AvailabilityPaused     Availability = "paused"
	AvailabilityOutOfStock Availability = "out_of_stock"
	AvailabilityUnknown    Availability = "unknown"
)

// ParseAvailability maps upstream status strings onto Availability.
func ParseAvailability(raw string) Availability {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "approved", "live", "in_stock", "in-stock", "instock", "yes", "true", "1", "available", "joined":
		return AvailabilityActive
	case "paused", "inactive", "disabled", "expired", "declined":
		return AvailabilityPaused
	case "out_of_stock", "out-of-stock", "outofstock", "no", "false", "0", "sold_out":
		return AvailabilityOutOfStock
	default:
		return AvailabilityUnknown
	}
}

// UnifiedOffer is the network-agnostic form of an upstream offer. Connectors
// build it from heterogeneous payloads; it is treated as immutable afterwards.
type UnifiedOffer struct {
	OfferID       string            `json:"offer_id"`
	SourceNetwork string            `json:"source_network"`
	SourceType    string            `json:"source_type"`
	Title         string            `json:"title"`
	Description   string            `json:"description,omitempty"`
	TargetURL     string            `json:"target_url"`
	TrackingURL   string            `json:"tracking_url,omitempty"`
	Market        string            `json:"market,omitempty"`
	Currency      string            `json:"currency,omitempty"`
	Availability  Availability      `json:"availability"`
	Quality       float64           `json:"quality"`
	BidHint       float64           `json:"bid_hint"`
	PolicyWeight  float64           `json:"policy_weight"`
	FreshnessAt   *time.Time        `json:"freshness_at,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields every offer must carry at a component boundary.
func (o UnifiedOffer) Validate() error {
	if strings.TrimSpace(o.OfferID) == "" {
		return &ValidationError{Field: "offer_id", Reason: "empty"}
	}
	if strings.TrimSpace(o.SourceNetwork) == "" {
		return &ValidationError{Field: "source_network", Reason: "empty"}
	}
	if o.PolicyWeight < -2 || o.PolicyWeight > 2 {
		return &ValidationError{Field: "policy_weight", Reason: "outside [-2,2]"}
	}
	return nil
}

// SearchText is the text used for lexical and vector matching.
func (o UnifiedOffer) SearchText() string {
	parts := make([]string, 0, 3+len(o.Tags))
	parts = append(parts, o.Title, o.Description)
	parts = append(parts, o.Tags...)
	if adv := o.Metadata["advertiser"]; adv != "" {
		parts = append(parts, adv)
	}
	return strings.Join(parts, " ")
}

// ValidationError reports a malformed value at a component boundary. It is
// never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Field + ": " + e.Reason
}
