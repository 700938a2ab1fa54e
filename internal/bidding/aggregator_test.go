package bidding

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/adbroker/internal/metrics"
	"github.com/sells-group/adbroker/internal/model"
)

type stubBidder struct {
	network string
	fn      func(ctx context.Context, req BidRequest) (*model.Bid, error)
}

func (s *stubBidder) NetworkID() string { return s.network }

func (s *stubBidder) Bid(ctx context.Context, req BidRequest) (*model.Bid, error) {
	return s.fn(ctx, req)
}

type stubFactory map[string]*stubBidder

func (f stubFactory) Bidder(cfg model.BidderConfig) (Bidder, error) {
	b, ok := f[cfg.NetworkID]
	if !ok {
		return nil, errors.New("unknown bidder " + cfg.NetworkID)
	}
	return b, nil
}

func pricing(network string, price float64) *stubBidder {
	return &stubBidder{network: network, fn: func(_ context.Context, req BidRequest) (*model.Bid, error) {
		return &model.Bid{
			BidID:    network + "-1",
			Price:    price,
			Headline: network + " ad",
			URL:      "https://ads.example/" + network,
		}, nil
	}}
}

func slow(network string, d time.Duration) *stubBidder {
	return &stubBidder{network: network, fn: func(ctx context.Context, _ BidRequest) (*model.Bid, error) {
		select {
		case <-time.After(d):
			return &model.Bid{Price: 9, URL: "https://ads.example/late"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
}

func bidders(cfgs ...model.BidderConfig) model.Placement {
	return model.Placement{ID: "chat_inline_v1", Bidders: cfgs, GlobalTimeoutMs: 500}
}

func bidderCfg(network string, weight float64) model.BidderConfig {
	return model.BidderConfig{NetworkID: network, Endpoint: "https://" + network + ".example/bid", TimeoutMs: 200, Enabled: true, PolicyWeight: weight}
}

type stubHouse struct {
	bid   *model.Bid
	err   error
	calls int
}

func (h *stubHouse) HouseBid(context.Context, BidRequest) (*model.Bid, error) {
	h.calls++
	return h.bid, h.err
}

func chat() []model.Message {
	return []model.Message{
		{Role: "user", Content: "best running shoes for trails"},
		{Role: "assistant", Content: "Look for aggressive lugs and a rock plate."},
	}
}

func TestAggregator_HighestPriceWins(t *testing.T) {
	factory := stubFactory{"cj": pricing("cj", 1.2), "partnerstack": pricing("partnerstack", 2.7)}
	agg := NewAggregator(factory, nil, nil)

	res := agg.Run(context.Background(), Request{
		RequestID: "req-1",
		Placement: bidders(bidderCfg("cj", 0.9), bidderCfg("partnerstack", 0.1)),
		Messages:  chat(),
	})

	require.NotNil(t, res.WinnerBid)
	assert.Equal(t, 2.7, res.WinnerBid.Price)
	assert.Equal(t, "partnerstack", res.WinnerBid.DSP)
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, 2, res.Diagnostics.FanoutCount)
	assert.Len(t, res.Diagnostics.Bidders, 2)
	assert.False(t, res.Diagnostics.StoreFallbackUsed)
}

func TestAggregator_PolicyWeightBreaksPriceTie(t *testing.T) {
	factory := stubFactory{"cj": pricing("cj", 2), "partnerstack": pricing("partnerstack", 2)}
	agg := NewAggregator(factory, nil, nil)

	res := agg.Run(context.Background(), Request{
		Placement: bidders(bidderCfg("cj", 0.1), bidderCfg("partnerstack", 0.3)),
		Messages:  chat(),
	})

	require.NotNil(t, res.WinnerBid)
	assert.Equal(t, "partnerstack", res.WinnerBid.DSP)
	assert.NotEmpty(t, res.RequestID)
}

func TestAggregator_NetworkIDBreaksFullTie(t *testing.T) {
	factory := stubFactory{"cj": pricing("cj", 2), "partnerstack": pricing("partnerstack", 2)}
	agg := NewAggregator(factory, nil, nil)

	res := agg.Run(context.Background(), Request{
		Placement: bidders(bidderCfg("partnerstack", 0.2), bidderCfg("cj", 0.2)),
		Messages:  chat(),
	})

	require.NotNil(t, res.WinnerBid)
	assert.Equal(t, "cj", res.WinnerBid.DSP)
}

func TestAggregator_TimeoutRecorded(t *testing.T) {
	factory := stubFactory{"cj": pricing("cj", 1), "slowbid": slow("slowbid", 2*time.Second)}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	agg := NewAggregator(factory, nil, m)

	slowCfg := bidderCfg("slowbid", 0.5)
	slowCfg.TimeoutMs = 30
	start := time.Now()
	res := agg.Run(context.Background(), Request{
		Placement: bidders(bidderCfg("cj", 0.1), slowCfg),
		Messages:  chat(),
	})

	assert.Less(t, time.Since(start), time.Second)
	require.NotNil(t, res.WinnerBid)
	assert.Equal(t, "cj", res.WinnerBid.DSP)
	assert.Equal(t, 1, res.Diagnostics.TimeoutCount)

	var slowDiag BidderDiagnostic
	for _, d := range res.Diagnostics.Bidders {
		if d.NetworkID == "slowbid" {
			slowDiag = d
		}
	}
	assert.True(t, slowDiag.Timeout)
	assert.False(t, slowDiag.OK)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BidderOutcomes.WithLabelValues("slowbid", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BidderOutcomes.WithLabelValues("cj", "bid")))
}

func TestAggregator_GlobalTimeoutBoundsBidderTimeout(t *testing.T) {
	factory := stubFactory{"cj": slow("cj", 2*time.Second), "partnerstack": pricing("partnerstack", 1.1)}
	agg := NewAggregator(factory, nil, nil)

	pl := bidders(
		model.BidderConfig{NetworkID: "cj", TimeoutMs: 2000, Enabled: true},
		bidderCfg("partnerstack", 0),
	)
	pl.GlobalTimeoutMs = 50

	start := time.Now()
	res := agg.Run(context.Background(), Request{Placement: pl, Messages: chat()})
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 250*time.Millisecond)
	require.NotNil(t, res.WinnerBid)
	assert.Equal(t, "partnerstack", res.WinnerBid.DSP)
	assert.Equal(t, 1, res.Diagnostics.TimeoutCount)
	require.Len(t, res.Diagnostics.Bidders, 2)
	assert.Equal(t, "cj", res.Diagnostics.Bidders[0].NetworkID)
	assert.True(t, res.Diagnostics.Bidders[0].Timeout)
	assert.Less(t, res.Diagnostics.Bidders[0].LatencyMs, int64(250))
}

func TestAggregator_MaxFanoutCapsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	tracking := func(network string) *stubBidder {
		return &stubBidder{network: network, fn: func(context.Context, BidRequest) (*model.Bid, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			return &model.Bid{Price: 1, URL: "https://ads.example/" + network}, nil
		}}
	}

	factory := stubFactory{}
	var cfgs []model.BidderConfig
	for i := range 5 {
		network := fmt.Sprintf("dsp%d", i)
		factory[network] = tracking(network)
		cfgs = append(cfgs, bidderCfg(network, 0))
	}
	pl := bidders(cfgs...)
	pl.MaxFanout = 2
	pl.GlobalTimeoutMs = 2000

	res := NewAggregator(factory, nil, nil).Run(context.Background(), Request{Placement: pl, Messages: chat()})

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, peak.Load())
	assert.Equal(t, 5, res.Diagnostics.FanoutCount)
	assert.Zero(t, res.Diagnostics.TimeoutCount)
	require.Len(t, res.Diagnostics.Bidders, 5)
	for _, d := range res.Diagnostics.Bidders {
		assert.True(t, d.OK, d.NetworkID)
	}
	require.NotNil(t, res.WinnerBid)
	assert.Equal(t, "dsp0", res.WinnerBid.DSP)
}

func TestAggregator_ErrorsAndUnusableBids(t *testing.T) {
	factory := stubFactory{
		"broken": {network: "broken", fn: func(context.Context, BidRequest) (*model.Bid, error) {
			return nil, errors.New("upstream 500")
		}},
		"nourl": {network: "nourl", fn: func(context.Context, BidRequest) (*model.Bid, error) {
			return &model.Bid{Price: 5}, nil
		}},
		"panicky": {network: "panicky", fn: func(context.Context, BidRequest) (*model.Bid, error) {
			panic("bad decoder")
		}},
		"nobid": {network: "nobid", fn: func(context.Context, BidRequest) (*model.Bid, error) {
			return nil, nil
		}},
	}
	agg := NewAggregator(factory, nil, nil)

	res := agg.Run(context.Background(), Request{
		Placement: bidders(bidderCfg("broken", 0), bidderCfg("nourl", 0), bidderCfg("panicky", 0), bidderCfg("nobid", 0), bidderCfg("missing", 0)),
		Messages:  chat(),
	})

	assert.Nil(t, res.WinnerBid)
	require.Len(t, res.Diagnostics.Bidders, 5)
	byNet := map[string]BidderDiagnostic{}
	for _, d := range res.Diagnostics.Bidders {
		byNet[d.NetworkID] = d
	}
	assert.Equal(t, "upstream 500", byNet["broken"].Error)
	assert.True(t, byNet["nourl"].OK)
	assert.Contains(t, byNet["panicky"].Error, "panic")
	assert.True(t, byNet["nobid"].NoBid)
	assert.Contains(t, byNet["missing"].Error, "unknown bidder")
}

func TestAggregator_DisabledBiddersSkipped(t *testing.T) {
	factory := stubFactory{"cj": pricing("cj", 1), "partnerstack": pricing("partnerstack", 3)}
	agg := NewAggregator(factory, nil, nil)

	off := bidderCfg("partnerstack", 0.5)
	off.Enabled = false
	res := agg.Run(context.Background(), Request{Placement: bidders(bidderCfg("cj", 0.1), off), Messages: chat()})

	require.NotNil(t, res.WinnerBid)
	assert.Equal(t, "cj", res.WinnerBid.DSP)
	assert.Equal(t, 1, res.Diagnostics.FanoutCount)
}

func TestAggregator_HouseFallback(t *testing.T) {
	houseBid := &model.Bid{BidID: "house:1", Price: 0.8, URL: "https://house.example/1"}

	t.Run("above floor", func(t *testing.T) {
		house := &stubHouse{bid: houseBid}
		agg := NewAggregator(stubFactory{}, house, nil)
		pl := bidders()
		pl.Fallback.Store = model.StoreFallback{Enabled: true, FloorPrice: 0.5}

		res := agg.Run(context.Background(), Request{Placement: pl, Messages: chat()})

		require.NotNil(t, res.WinnerBid)
		assert.Equal(t, "house", res.WinnerBid.DSP)
		assert.True(t, res.Diagnostics.StoreFallbackUsed)
		assert.Equal(t, 1, house.calls)
	})

	t.Run("below floor", func(t *testing.T) {
		house := &stubHouse{bid: houseBid}
		agg := NewAggregator(stubFactory{}, house, nil)
		pl := bidders()
		pl.Fallback.Store = model.StoreFallback{Enabled: true, FloorPrice: 1.0}

		res := agg.Run(context.Background(), Request{Placement: pl, Messages: chat()})

		assert.Nil(t, res.WinnerBid)
		assert.False(t, res.Diagnostics.StoreFallbackUsed)
		assert.Contains(t, res.Diagnostics.StoreFallbackNote, "below_floor")
	})

	t.Run("disabled", func(t *testing.T) {
		house := &stubHouse{bid: houseBid}
		agg := NewAggregator(stubFactory{}, house, nil)

		res := agg.Run(context.Background(), Request{Placement: bidders(), Messages: chat()})

		assert.Nil(t, res.WinnerBid)
		assert.Zero(t, house.calls)
	})

	t.Run("not used when a bidder wins", func(t *testing.T) {
		house := &stubHouse{bid: houseBid}
		agg := NewAggregator(stubFactory{"cj": pricing("cj", 0.1)}, house, nil)
		pl := bidders(bidderCfg("cj", 0))
		pl.Fallback.Store = model.StoreFallback{Enabled: true}

		res := agg.Run(context.Background(), Request{Placement: pl, Messages: chat()})

		require.NotNil(t, res.WinnerBid)
		assert.Equal(t, "cj", res.WinnerBid.DSP)
		assert.Zero(t, house.calls)
	})
}

func TestBuildProxyContext(t *testing.T) {
	var msgs []model.Message
	for i := 0; i < 6; i++ {
		msgs = append(msgs,
			model.Message{Role: "user", Content: "question"},
			model.Message{Role: "assistant", Content: "answer"},
		)
	}
	msgs = append(msgs, model.Message{Role: "user", Content: "  where can I buy trail shoes? "})

	pc := BuildProxyContext(msgs)

	assert.Equal(t, "where can I buy trail shoes?", pc.Query)
	assert.Equal(t, "answer", pc.Answer)
	assert.Len(t, pc.Turns, MaxContextTurns)
	assert.Equal(t, msgs[len(msgs)-1], pc.Turns[len(pc.Turns)-1])

	empty := BuildProxyContext(nil)
	assert.Empty(t, empty.Query)
	assert.Empty(t, empty.Turns)
}
