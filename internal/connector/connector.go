// Package connector adapts upstream affiliate networks and the house
// inventory to a single offer-fetching contract.
package connector

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/sells-group/adbroker/internal/model"
	"github.com/sells-group/adbroker/internal/resilience"
)

// Params narrows an offer fetch.
type Params struct {
	Query    string   `json:"query"`
	Keywords []string `json:"keywords,omitempty"`
	Market   string   `json:"market,omitempty"`
	Language string   `json:"language,omitempty"`
	Currency string   `json:"currency,omitempty"`
	// Limit caps the offers returned. Zero means no cap.
	Limit int `json:"limit,omitempty"`
}

// ErrorEntry is one upstream failure captured during a fetch.
type ErrorEntry struct {
	Branch     string `json:"branch,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
}

// BranchDebug summarises one logical sub-fetch.
type BranchDebug struct {
	Endpoint  string `json:"endpoint,omitempty"`
	Strategy  string `json:"strategy,omitempty"`
	Records   int    `json:"records"`
	Offers    int    `json:"offers"`
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latency_ms"`
}

// Debug describes how a fetch went. It is for observability only.
type Debug struct {
	Network   string                 `json:"network"`
	Branches  map[string]BranchDebug `json:"branches,omitempty"`
	Errors    []ErrorEntry           `json:"errors,omitempty"`
	LatencyMs int64                  `json:"latency_ms"`
}

// Result is the output of FetchOffers.
type Result struct {
	Offers []model.UnifiedOffer `json:"offers"`
	Debug  Debug                `json:"debug"`
}

// Failed reports whether the fetch produced nothing and recorded at least one
// upstream error.
func (r Result) Failed() bool {
	return len(r.Offers) == 0 && len(r.Debug.Errors) > 0
}

// Err summarises the upstream errors of a failed fetch, or returns nil.
func (r Result) Err() error {
	if len(r.Debug.Errors) == 0 {
		return nil
	}
	return &FetchError{Network: r.Debug.Network, Entries: r.Debug.Errors}
}

// FetchError reports the upstream errors of one network fetch.
type FetchError struct {
	Network string
	Entries []ErrorEntry
}

func (e *FetchError) Error() string {
	msg := e.Network + ": " + e.Entries[0].Message
	if n := len(e.Entries); n > 1 {
		msg += " (+" + strconv.Itoa(n-1) + " more)"
	}
	return msg
}

// ErrorCode returns the code of the first entry.
func (e *FetchError) ErrorCode() string {
	return e.Entries[0].Code
}

// Connector fetches normalized offers from one network. Upstream failures
// are reported in Result.Debug.Errors; the error return is reserved for
// faults on the caller's side such as a cancelled context.
type Connector interface {
	Name() string
	FetchOffers(ctx context.Context, p Params) (Result, error)
}

// NewErrorEntry converts err into a structured entry.
func NewErrorEntry(branch string, err error) ErrorEntry {
	entry := ErrorEntry{
		Branch:  branch,
		Code:    resilience.ErrorCode(err),
		Message: err.Error(),
	}
	var ue *resilience.UpstreamError
	if errors.As(err, &ue) {
		entry.StatusCode = ue.StatusCode
		entry.Endpoint = ue.BaseURL + ue.Path
	}
	return entry
}

// Registry holds the configured connectors by name.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry creates a Registry with the given connectors.
func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{connectors: make(map[string]Connector, len(connectors))}
	for _, c := range connectors {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a connector.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Name()] = c
}

// Get returns the connector registered under name.
func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	return c, ok
}

// Names returns the registered names in ascending order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the connectors ordered by name.
func (r *Registry) List() []Connector {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connector, 0, len(names))
	for _, name := range names {
		out = append(out, r.connectors[name])
	}
	return out
}

// Select returns the connectors for names, in the order given. Unknown names
// are skipped. An empty names slice selects every connector.
func (r *Registry) Select(names []string) []Connector {
	if len(names) == 0 {
		return r.List()
	}
	out := make([]Connector, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if c, ok := r.Get(name); ok {
			out = append(out, c)
		}
	}
	return out
}
