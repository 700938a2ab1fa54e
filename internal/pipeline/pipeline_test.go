package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/adbroker/internal/connector"
	"github.com/sells-group/adbroker/internal/frequency"
	"github.com/sells-group/adbroker/internal/model"
	"github.com/sells-group/adbroker/internal/ner"
	"github.com/sells-group/adbroker/internal/ranking"
	"github.com/sells-group/adbroker/internal/resilience"
	"github.com/sells-group/adbroker/internal/snapshot"
)

type stubConnector struct {
	name  string
	fn    func(ctx context.Context, p connector.Params) (connector.Result, error)
	calls atomic.Int32
}

func (s *stubConnector) Name() string { return s.name }

func (s *stubConnector) FetchOffers(ctx context.Context, p connector.Params) (connector.Result, error) {
	s.calls.Add(1)
	return s.fn(ctx, p)
}

func offering(network string, offers ...model.UnifiedOffer) *stubConnector {
	return &stubConnector{name: network, fn: func(context.Context, connector.Params) (connector.Result, error) {
		return connector.Result{Offers: offers, Debug: connector.Debug{Network: network}}, nil
	}}
}

func failing(network string) *stubConnector {
	return &stubConnector{name: network, fn: func(context.Context, connector.Params) (connector.Result, error) {
		return connector.Result{Debug: connector.Debug{
			Network: network,
			Errors:  []connector.ErrorEntry{{Branch: "links", Code: "http_500", Message: "upstream 500", StatusCode: 500}},
		}}, nil
	}}
}

func panicking(network string) *stubConnector {
	return &stubConnector{name: network, fn: func(context.Context, connector.Params) (connector.Result, error) {
		panic("decoder exploded")
	}}
}

func shoes(network string) model.UnifiedOffer {
	return model.UnifiedOffer{
		OfferID:       network + ":product:shoes",
		SourceNetwork: network,
		SourceType:    "product",
		Title:         "Trail Running Shoes",
		Description:   "Lightweight trail running shoes",
		TargetURL:     "https://shop.example/" + network + "/shoes",
		TrackingURL:   "https://track.example/" + network,
		Availability:  model.AvailabilityActive,
		Quality:       0.7,
		BidHint:       1.5,
		Metadata:      map[string]string{"advertiser": "Acme Outdoors"},
	}
}

type harness struct {
	monitor   *resilience.Monitor
	snapshots *snapshot.MemoryCache
	pipeline  *Pipeline
}

func newHarness(t *testing.T, capper *frequency.Capper, extractor ner.Provider, connectors ...connector.Connector) harness {
	t.Helper()
	h := harness{
		monitor:   resilience.NewMonitor(),
		snapshots: snapshot.NewMemoryCache(16, time.Hour),
	}
	h.pipeline = New(
		Config{Networks: []string{"alpha", "beta"}},
		h.monitor,
		connector.NewRegistry(connectors...),
		h.snapshots,
		nil,
		extractor,
		ranking.NewEngine(ranking.Config{}),
		capper,
		nil,
	)
	return h
}

func shoeRequest() model.AdRequest {
	return model.AdRequest{
		RequestID:   "req-1",
		PlacementID: "chat_inline",
		SessionID:   "sess-1",
		Trigger:     model.TriggerAnswer,
		Query:       "best trail running shoes to buy",
		AnswerText:  "Look for grippy lightweight trail running shoes.",
	}
}

func chatPlacement() model.Placement {
	return model.Placement{ID: "chat_inline", Networks: []string{"alpha", "beta"}}
}

func TestRun_OneNetworkDownOtherServes(t *testing.T) {
	alpha := failing("alpha")
	beta := offering("beta", shoes("beta"))
	h := newHarness(t, nil, nil, alpha, beta)

	out := h.pipeline.Run(context.Background(), shoeRequest(), chatPlacement())

	require.Equal(t, model.ResultServed, out.Decision.Result)
	require.Len(t, out.Response.Ads, 1)
	ad := out.Response.Ads[0]
	assert.Equal(t, "beta", ad.Network)
	assert.Equal(t, "beta:product:shoes", ad.AdID)
	assert.Equal(t, "Learn More", ad.CTAText)
	assert.Equal(t, "https://track.example/beta", ad.TrackingURL)
	assert.Equal(t, "req-1", out.Response.RequestID)

	require.Contains(t, out.Debug.NetworkErrors, "alpha")
	assert.Equal(t, "http_500", out.Debug.NetworkErrors["alpha"][0].Code)
	assert.NotContains(t, out.Debug.NetworkErrors, "beta")
	assert.False(t, out.Debug.SnapshotUsage["alpha"])
	assert.False(t, out.Debug.SnapshotUsage["beta"])
	assert.Equal(t, SnapshotMiss, out.Debug.SnapshotCacheStatus["alpha"])
	assert.Equal(t, 0, out.Debug.NetworkHits["alpha"])
	assert.Equal(t, 1, out.Debug.NetworkHits["beta"])
	assert.Equal(t, []string{"alpha", "beta"}, out.Debug.NetworksQueried)

	alphaHealth := h.monitor.GetHealth("alpha")
	assert.Equal(t, 1, alphaHealth.ConsecutiveFailures)
	assert.Equal(t, "http_500", alphaHealth.LastErrorCode)
	assert.Equal(t, resilience.StatusHealthy, h.monitor.GetHealth("beta").Status)

	// The successful fetch became beta's snapshot.
	snap, ok, err := h.snapshots.Get(context.Background(), "beta")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, snap.Offers, 1)
}

func TestRun_BlockedTopic(t *testing.T) {
	h := newHarness(t, nil, nil, offering("alpha", shoes("alpha")), offering("beta", shoes("beta")))
	placement := chatPlacement()
	placement.Trigger.BlockedTopics = []string{"casino"}

	req := shoeRequest()
	req.AnswerText = "Some runners train near the casino strip."
	out := h.pipeline.Run(context.Background(), req, placement)

	assert.Equal(t, model.ResultBlocked, out.Decision.Result)
	assert.Equal(t, ranking.ReasonPolicyBlocked, out.Decision.Reason)
	assert.Empty(t, out.Response.Ads)
	assert.NotNil(t, out.Response.Ads)
	assert.Equal(t, 2, out.Debug.CandidateCount)
}

func TestRun_AllNetworksDown(t *testing.T) {
	errConn := &stubConnector{name: "beta", fn: func(ctx context.Context, _ connector.Params) (connector.Result, error) {
		return connector.Result{}, errors.New("connection reset")
	}}
	h := newHarness(t, nil, nil, panicking("alpha"), errConn)

	var out Outcome
	require.NotPanics(t, func() {
		out = h.pipeline.Run(context.Background(), shoeRequest(), chatPlacement())
	})

	assert.Equal(t, model.ResultNoFill, out.Decision.Result)
	assert.Equal(t, ranking.ReasonInventoryNoMatch, out.Decision.Reason)
	assert.Equal(t, DetailAllNetworksFailed, out.Decision.ReasonDetail)
	assert.Empty(t, out.Response.Ads)
	require.Contains(t, out.Debug.NetworkErrors, "alpha")
	require.Contains(t, out.Debug.NetworkErrors, "beta")
	assert.Contains(t, out.Debug.NetworkErrors["alpha"][0].Message, "panicked")
	assert.Contains(t, out.Debug.NetworkErrors["beta"][0].Message, "connection reset")
	assert.Len(t, out.Debug.Health, 2)
}

func TestRun_CircuitOpenServesSnapshot(t *testing.T) {
	alpha := offering("alpha", shoes("alpha"))
	h := newHarness(t, nil, nil, alpha)
	ctx := context.Background()

	require.NoError(t, h.snapshots.Put(ctx, "alpha", []model.UnifiedOffer{shoes("alpha")}))
	h.monitor.RecordFailure("alpha", errors.New("boom"), resilience.HealthPolicy{})
	h.monitor.RecordFailure("alpha", errors.New("boom"), resilience.HealthPolicy{})
	require.Equal(t, resilience.StatusOpen, h.monitor.GetHealth("alpha").Status)

	out := h.pipeline.Run(ctx, shoeRequest(), model.Placement{ID: "chat_inline", Networks: []string{"alpha"}})

	assert.Equal(t, int32(0), alpha.calls.Load())
	require.Equal(t, model.ResultServed, out.Decision.Result)
	require.Len(t, out.Response.Ads, 1)
	assert.True(t, out.Debug.SnapshotUsage["alpha"])
	assert.Equal(t, SnapshotCircuitOpen, out.Debug.SnapshotCacheStatus["alpha"])
	assert.Empty(t, out.Debug.NetworkErrors)
	require.Len(t, out.Debug.Connectors["alpha"].Errors, 1)
	assert.Equal(t, "circuit_open", out.Debug.Connectors["alpha"].Errors[0].Code)
}

func TestRun_LiveFailureFallsBackToSnapshot(t *testing.T) {
	h := newHarness(t, nil, nil, failing("alpha"))
	ctx := context.Background()
	require.NoError(t, h.snapshots.Put(ctx, "alpha", []model.UnifiedOffer{shoes("alpha")}))

	out := h.pipeline.Run(ctx, shoeRequest(), model.Placement{ID: "chat_inline", Networks: []string{"alpha"}})

	require.Equal(t, model.ResultServed, out.Decision.Result)
	assert.True(t, out.Debug.SnapshotUsage["alpha"])
	assert.Equal(t, SnapshotFallbackError, out.Debug.SnapshotCacheStatus["alpha"])
	assert.Contains(t, out.Debug.NetworkErrors, "alpha")
	assert.Equal(t, 1, h.monitor.GetHealth("alpha").ConsecutiveFailures)
}

type panickyExtractor struct{}

func (panickyExtractor) Extract(context.Context, ner.Input) (ner.Extraction, error) {
	panic("nil map write")
}

func TestRun_RecoversPanic(t *testing.T) {
	h := newHarness(t, nil, panickyExtractor{}, offering("alpha", shoes("alpha")))

	out := h.pipeline.Run(context.Background(), shoeRequest(), chatPlacement())

	assert.Equal(t, model.ResultError, out.Decision.Result)
	assert.Equal(t, ReasonPipelineError, out.Decision.Reason)
	assert.Equal(t, "nil map write", out.Decision.ReasonDetail)
	assert.Empty(t, out.Response.Ads)
	assert.Equal(t, "req-1", out.Response.RequestID)
}

func TestRun_IntentBelowThreshold(t *testing.T) {
	alpha := offering("alpha", shoes("alpha"))
	h := newHarness(t, nil, nil, alpha)
	placement := chatPlacement()
	placement.Trigger.IntentThreshold = 0.99

	out := h.pipeline.Run(context.Background(), shoeRequest(), placement)

	assert.Equal(t, model.ResultNoFill, out.Decision.Result)
	assert.Equal(t, ReasonIntentBelowThreshold, out.Decision.Reason)
	assert.Equal(t, int32(0), alpha.calls.Load())
}

func TestRun_MinExpectedRevenue(t *testing.T) {
	h := newHarness(t, nil, nil, offering("alpha", shoes("alpha")))
	placement := chatPlacement()
	placement.Trigger.MinExpectedRevenue = 100

	out := h.pipeline.Run(context.Background(), shoeRequest(), placement)

	assert.Equal(t, model.ResultNoFill, out.Decision.Result)
	assert.Equal(t, ReasonBelowMinRevenue, out.Decision.Reason)
	assert.Empty(t, out.Response.Ads)
}

func TestRun_FrequencyCap(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := newHarness(t, frequency.NewCapper(rdb), nil, offering("alpha", shoes("alpha")))
	placement := chatPlacement()
	placement.FrequencyCap = model.FrequencyCap{MaxPerSession: 1, WindowSeconds: 600}

	first := h.pipeline.Run(context.Background(), shoeRequest(), placement)
	require.Equal(t, model.ResultServed, first.Decision.Result)

	second := h.pipeline.Run(context.Background(), shoeRequest(), placement)
	assert.Equal(t, model.ResultNoFill, second.Decision.Result)
	assert.Equal(t, frequency.ReasonCapped, second.Decision.Reason)
	assert.Empty(t, second.Response.Ads)
}

func TestRun_SemanticGuardFiltersBrandMismatch(t *testing.T) {
	cloud := model.UnifiedOffer{
		OfferID:       "alpha:link:cloud",
		SourceNetwork: "alpha",
		Title:         "Amazon Cloud Hosting",
		Description:   "Managed servers for startups",
		TargetURL:     "https://cloud.example",
		Availability:  model.AvailabilityActive,
		Quality:       0.9,
		BidHint:       5,
	}
	h := newHarness(t, nil, nil, offering("alpha", cloud))

	req := model.AdRequest{RequestID: "req-2", Query: "How did Amazon stock perform this quarter"}
	out := h.pipeline.Run(context.Background(), req, model.Placement{ID: "chat_inline", Networks: []string{"alpha"}})

	assert.Equal(t, ner.TypeFinancialInstrument, out.Debug.Entities.QueryEntityType)
	assert.Equal(t, 1, out.Debug.SemanticFilteredOut)
	assert.Equal(t, model.ResultNoFill, out.Decision.Result)
	assert.Equal(t, ranking.ReasonInventoryNoMatch, out.Decision.Reason)
	assert.Empty(t, out.Decision.ReasonDetail)
}

func TestRun_GeneratesRequestID(t *testing.T) {
	h := newHarness(t, nil, nil)
	req := shoeRequest()
	req.RequestID = ""

	out := h.pipeline.Run(context.Background(), req, chatPlacement())
	assert.Len(t, out.Response.RequestID, 36)
	assert.Equal(t, model.ResultNoFill, out.Decision.Result)
}
