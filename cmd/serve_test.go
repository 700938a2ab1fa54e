package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/adbroker/internal/bidding"
	"github.com/sells-group/adbroker/internal/connector"
	"github.com/sells-group/adbroker/internal/metrics"
	"github.com/sells-group/adbroker/internal/model"
	"github.com/sells-group/adbroker/internal/pipeline"
	"github.com/sells-group/adbroker/internal/placement"
	"github.com/sells-group/adbroker/internal/ranking"
	"github.com/sells-group/adbroker/internal/resilience"
	"github.com/sells-group/adbroker/internal/snapshot"
)

type staticConnector struct {
	name   string
	offers []model.UnifiedOffer
}

func (s staticConnector) Name() string { return s.name }

func (s staticConnector) FetchOffers(context.Context, connector.Params) (connector.Result, error) {
	return connector.Result{Offers: s.offers, Debug: connector.Debug{Network: s.name}}, nil
}

func trailShoes() model.UnifiedOffer {
	return model.UnifiedOffer{
		OfferID:       "alpha:product:shoes",
		SourceNetwork: "alpha",
		SourceType:    "product",
		Title:         "Trail Running Shoes",
		Description:   "Lightweight trail running shoes",
		TargetURL:     "https://shop.example/alpha/shoes",
		Availability:  model.AvailabilityActive,
		Quality:       0.7,
		BidHint:       1.5,
	}
}

// newTestEnv wires a pipeline over one static network and an aggregator
// whose only bidder is dsp.
func newTestEnv(t *testing.T, dsp *httptest.Server) *appEnv {
	t.Helper()

	placements, err := placement.Parse([]byte(`
placements:
  items:
    - id: chat_inline
      networks: [alpha]
      bidders:
        - network_id: dsp
          endpoint: ` + dsp.URL + `/bid
          enabled: true
          policy_weight: 0.2
`))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	monitor := resilience.NewMonitor()
	engine := ranking.NewEngine(ranking.Config{})

	return &appEnv{
		Monitor:  monitor,
		Engine:   engine,
		Metrics:  m,
		Registry: reg,
		Pipeline: pipeline.New(
			pipeline.Config{Networks: []string{"alpha"}},
			monitor,
			connector.NewRegistry(staticConnector{name: "alpha", offers: []model.UnifiedOffer{trailShoes()}}),
			snapshot.NewMemoryCache(8, time.Hour),
			nil, nil, engine, nil, m,
		),
		Aggregator: bidding.NewAggregator(bidding.NewHTTPFactory(dsp.Client()), nil, m),
		Placements: placements,
	}
}

func newDSP(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","cur":"USD","seatbid":[{"bid":[{"id":"dsp-1","price":2.7,"ext":{"url":"https://dsp.example/ad","headline":"Trail sale"}}]}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouter_Health(t *testing.T) {
	h := buildRouter(newTestEnv(t, newDSP(t)), nil)

	rr := do(t, h, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_DecideServes(t *testing.T) {
	h := buildRouter(newTestEnv(t, newDSP(t)), nil)

	rr := do(t, h, http.MethodPost, "/v1/decide", map[string]string{
		"request_id":   "req-7",
		"placement_id": "chat_inline",
		"query":        "best trail running shoes to buy",
		"answer_text":  "Look for grippy lightweight trail running shoes.",
	})

	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		RequestID string         `json:"request_id"`
		Ads       []model.Ad     `json:"ads"`
		Decision  model.Decision `json:"decision"`
		Debug     map[string]any `json:"debug"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "req-7", resp.RequestID)
	assert.Equal(t, model.ResultServed, resp.Decision.Result)
	require.Len(t, resp.Ads, 1)
	assert.Equal(t, "alpha", resp.Ads[0].Network)
	assert.Nil(t, resp.Debug)

	rr = do(t, h, http.MethodPost, "/v1/decide?debug=1", map[string]string{
		"placement_id": "chat_inline",
		"query":        "best trail running shoes to buy",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"networks_queried"`)
}

func TestRouter_DecideValidation(t *testing.T) {
	h := buildRouter(newTestEnv(t, newDSP(t)), nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/decide", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid request body")

	rr = do(t, h, http.MethodPost, "/v1/decide", map[string]string{"query": "shoes"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "placement_id is required")

	rr = do(t, h, http.MethodPost, "/v1/decide", map[string]string{"placement_id": "nope", "query": "shoes"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_NetworksHealth(t *testing.T) {
	h := buildRouter(newTestEnv(t, newDSP(t)), nil)
	do(t, h, http.MethodPost, "/v1/decide", map[string]string{"placement_id": "chat_inline", "query": "best trail running shoes to buy"})

	rr := do(t, h, http.MethodGet, "/v1/networks/health", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Networks []resilience.NetworkHealthState `json:"networks"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Networks, 1)
	assert.Equal(t, "alpha", body.Networks[0].Network)
	assert.Equal(t, resilience.StatusHealthy, body.Networks[0].Status)
}

func TestRouter_Bid(t *testing.T) {
	h := buildRouter(newTestEnv(t, newDSP(t)), nil)

	rr := do(t, h, http.MethodPost, "/v1/bid", map[string]any{
		"request_id":   "bid-1",
		"placement_id": "chat_inline",
		"messages":     []model.Message{{Role: "user", Content: "trail shoes"}},
	})

	require.Equal(t, http.StatusOK, rr.Code)
	var res bidding.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "bid-1", res.RequestID)
	require.NotNil(t, res.WinnerBid)
	assert.Equal(t, 2.7, res.WinnerBid.Price)
	assert.Equal(t, "dsp", res.WinnerBid.DSP)
	assert.Equal(t, 1, res.Diagnostics.FanoutCount)
}

func TestRouter_BidValidation(t *testing.T) {
	h := buildRouter(newTestEnv(t, newDSP(t)), nil)

	rr := do(t, h, http.MethodPost, "/v1/bid", map[string]any{"placement_id": "chat_inline"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "messages are required")

	rr = do(t, h, http.MethodPost, "/v1/bid", map[string]any{
		"placement_id": "nope",
		"messages":     []model.Message{{Role: "user", Content: "x"}},
	})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_Metrics(t *testing.T) {
	h := buildRouter(newTestEnv(t, newDSP(t)), nil)
	do(t, h, http.MethodPost, "/v1/decide", map[string]string{"placement_id": "chat_inline", "query": "best trail running shoes to buy"})

	rr := do(t, h, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "adbroker_decisions_total")
}

func TestRouter_CORSPreflight(t *testing.T) {
	h := buildRouter(newTestEnv(t, newDSP(t)), []string{"https://chat.example"})

	req := httptest.NewRequest(http.MethodOptions, "/v1/decide", nil)
	req.Header.Set("Origin", "https://chat.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "https://chat.example", rr.Header().Get("Access-Control-Allow-Origin"))
}
