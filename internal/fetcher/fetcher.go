// Package fetcher provides the shared HTTP machinery used by every network
// connector: per-attempt timeouts, rate limiting, bounded retry, endpoint
// fallback and response-shape extraction.
package fetcher

import (
	"net/http"
	"net/url"
	"strings"
)

// Endpoint is one candidate location for a logical fetch.
type Endpoint struct {
	BaseURL string `json:"base_url"`
	Path    string `json:"path"`
}

// URL joins the base and path.
func (e Endpoint) URL() string {
	return strings.TrimRight(e.BaseURL, "/") + "/" + strings.TrimLeft(e.Path, "/")
}

func (e Endpoint) String() string {
	return e.URL()
}

// Request describes the parts of a call that do not depend on the endpoint.
type Request struct {
	Method string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Endpoint   Endpoint
}
