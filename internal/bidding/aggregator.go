// Package bidding runs the bid aggregation auction: fan a placement's bid
// request out to its bidders, pick the best usable bid, and fall back to
// house inventory when nobody bids.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/adbroker/internal/connector"
	"github.com/sells-group/adbroker/internal/metrics"
	"github.com/sells-group/adbroker/internal/model"
	"github.com/sells-group/adbroker/internal/resilience"
)

// MaxContextTurns is the number of recent messages kept in the proxy
// context.
const MaxContextTurns = 8

const (
	defaultBidderTimeoutMs = 300
	defaultGlobalTimeoutMs = 800
)

// ProxyContext is the commerce context derived from a conversation.
type ProxyContext struct {
	Query  string          `json:"query"`
	Answer string          `json:"answer"`
	Turns  []model.Message `json:"turns"`
}

// BuildProxyContext takes the latest user message as the query, the latest
// assistant message as the answer, and keeps the last MaxContextTurns turns.
func BuildProxyContext(messages []model.Message) ProxyContext {
	var pc ProxyContext
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		switch strings.ToLower(m.Role) {
		case "user":
			if pc.Query == "" {
				pc.Query = strings.TrimSpace(m.Content)
			}
		case "assistant":
			if pc.Answer == "" {
				pc.Answer = strings.TrimSpace(m.Content)
			}
		}
		if pc.Query != "" && pc.Answer != "" {
			break
		}
	}
	start := len(messages) - MaxContextTurns
	if start < 0 {
		start = 0
	}
	pc.Turns = append([]model.Message(nil), messages[start:]...)
	return pc
}

// Request is one aggregation.
type Request struct {
	RequestID string
	Placement model.Placement
	Messages  []model.Message
}

// BidderDiagnostic records one bidder's outcome.
type BidderDiagnostic struct {
	NetworkID string  `json:"network_id"`
	OK        bool    `json:"ok"`
	NoBid     bool    `json:"no_bid,omitempty"`
	Timeout   bool    `json:"timeout,omitempty"`
	Error     string  `json:"error,omitempty"`
	Price     float64 `json:"price,omitempty"`
	LatencyMs int64   `json:"latency_ms"`
}

// Diagnostics explains an aggregation.
type Diagnostics struct {
	Bidders           []BidderDiagnostic `json:"bidders"`
	BidLatencyMs      int64              `json:"bid_latency_ms"`
	FanoutCount       int                `json:"fanout_count"`
	TimeoutCount      int                `json:"timeout_count"`
	StoreFallbackUsed bool               `json:"store_fallback_used"`
	StoreFallbackNote string             `json:"store_fallback_note,omitempty"`
}

// Result is the output of Run. WinnerBid is nil when nothing cleared.
type Result struct {
	RequestID   string       `json:"request_id"`
	WinnerBid   *model.Bid   `json:"winner_bid"`
	Diagnostics Diagnostics  `json:"diagnostics"`
	Context     ProxyContext `json:"context"`
}

// Aggregator runs bid auctions. It is safe for concurrent use.
type Aggregator struct {
	factory BidderFactory
	house   HouseSource
	metrics *metrics.Metrics
}

// NewAggregator creates an Aggregator. house and m may be nil.
func NewAggregator(factory BidderFactory, house HouseSource, m *metrics.Metrics) *Aggregator {
	return &Aggregator{factory: factory, house: house, metrics: m}
}

type bidOutcome struct {
	diag   BidderDiagnostic
	bid    *model.Bid
	weight float64
}

// Run fans out to every enabled bidder and never fails: bidder errors and
// timeouts are recorded in the diagnostics.
func (a *Aggregator) Run(ctx context.Context, req Request) Result {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	pl := req.Placement
	pc := BuildProxyContext(req.Messages)
	res := Result{RequestID: req.RequestID, Context: pc, Diagnostics: Diagnostics{Bidders: []BidderDiagnostic{}}}

	var enabled []model.BidderConfig
	for _, b := range pl.Bidders {
		if b.Enabled {
			enabled = append(enabled, b)
		}
	}

	globalMs := pl.GlobalTimeoutMs
	if globalMs <= 0 {
		globalMs = defaultGlobalTimeoutMs
	}
	fanout := pl.MaxFanout
	if fanout <= 0 || fanout > len(enabled) {
		fanout = len(enabled)
	}
	res.Diagnostics.FanoutCount = len(enabled)

	outcomes := make([]bidOutcome, len(enabled))
	if len(enabled) > 0 {
		gctx, cancel := context.WithTimeout(ctx, time.Duration(globalMs)*time.Millisecond)
		var g errgroup.Group
		g.SetLimit(fanout)
		for i, cfg := range enabled {
			g.Go(func() error {
				outcomes[i] = a.callBidder(gctx, cfg, req, pc)
				return nil
			})
		}
		_ = g.Wait()
		cancel()
	}

	var usable []bidOutcome
	for _, o := range outcomes {
		res.Diagnostics.Bidders = append(res.Diagnostics.Bidders, o.diag)
		if o.diag.Timeout {
			res.Diagnostics.TimeoutCount++
		}
		if o.diag.OK && o.bid.Usable() {
			usable = append(usable, o)
		}
	}

	if len(usable) > 0 {
		sort.SliceStable(usable, func(i, j int) bool {
			x, y := usable[i], usable[j]
			if x.bid.Price != y.bid.Price {
				return x.bid.Price > y.bid.Price
			}
			if x.weight != y.weight {
				return x.weight > y.weight
			}
			return x.diag.NetworkID < y.diag.NetworkID
		})
		res.WinnerBid = usable[0].bid
	} else if pl.Fallback.Store.Enabled {
		res.WinnerBid, res.Diagnostics.StoreFallbackNote = a.houseFallback(ctx, req, pc)
		res.Diagnostics.StoreFallbackUsed = res.WinnerBid != nil
	}

	res.Diagnostics.BidLatencyMs = time.Since(start).Milliseconds()
	a.metrics.ObserveBidLatency(time.Since(start))
	zap.L().Info("bidding: auction complete",
		zap.String("request_id", req.RequestID),
		zap.String("placement", pl.ID),
		zap.Int("fanout", res.Diagnostics.FanoutCount),
		zap.Int("timeouts", res.Diagnostics.TimeoutCount),
		zap.Bool("store_fallback", res.Diagnostics.StoreFallbackUsed),
		zap.Bool("filled", res.WinnerBid != nil),
	)
	return res
}

func (a *Aggregator) callBidder(gctx context.Context, cfg model.BidderConfig, req Request, pc ProxyContext) (out bidOutcome) {
	start := time.Now()
	out.weight = cfg.PolicyWeight
	out.diag.NetworkID = cfg.NetworkID

	defer func() {
		if r := recover(); r != nil {
			out.bid = nil
			out.diag.OK = false
			out.diag.Error = fmt.Sprintf("panic: %v", r)
		}
		out.diag.LatencyMs = time.Since(start).Milliseconds()
		a.metrics.BidderOutcome(cfg.NetworkID, outcomeLabel(out.diag))
	}()

	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultBidderTimeoutMs
	}
	bctx, cancel := context.WithTimeout(gctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	// A bidder waiting for a fan-out slot past the global deadline never runs.
	if bctx.Err() != nil {
		out.diag.Timeout = true
		out.diag.Error = "timeout"
		return out
	}

	bidder, err := a.factory.Bidder(cfg)
	if err != nil {
		out.diag.Error = err.Error()
		return out
	}

	bid, err := a.boundedBid(bctx, bidder, BidRequest{
		RequestID:   req.RequestID,
		PlacementID: req.Placement.ID,
		Context:     pc,
		TimeoutMs:   timeoutMs,
	})
	switch {
	case err != nil && (bctx.Err() != nil || isTimeout(err)):
		out.diag.Timeout = true
		out.diag.Error = "timeout"
	case err != nil:
		out.diag.Error = err.Error()
		zap.L().Debug("bidding: bidder failed", zap.String("network", cfg.NetworkID), zap.Error(err))
	case bid == nil:
		out.diag.OK = true
		out.diag.NoBid = true
	default:
		if bid.DSP == "" {
			bid.DSP = cfg.NetworkID
		}
		out.bid = bid
		out.diag.OK = true
		out.diag.Price = bid.Price
	}
	return out
}

type bidResult struct {
	bid *model.Bid
	err error
}

// boundedBid returns when the bidder does or when ctx is done, whichever is
// first, so a bidder that ignores its context cannot hold the auction.
func (a *Aggregator) boundedBid(ctx context.Context, b Bidder, req BidRequest) (*model.Bid, error) {
	ch := make(chan bidResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- bidResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		bid, err := b.Bid(ctx, req)
		ch <- bidResult{bid: bid, err: err}
	}()
	select {
	case r := <-ch:
		return r.bid, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Aggregator) houseFallback(ctx context.Context, req Request, pc ProxyContext) (*model.Bid, string) {
	if a.house == nil {
		return nil, "no_house_source"
	}
	bid, err := a.house.HouseBid(ctx, BidRequest{RequestID: req.RequestID, PlacementID: req.Placement.ID, Context: pc})
	if err != nil {
		zap.L().Warn("bidding: house fallback failed", zap.Error(err))
		return nil, "house_error"
	}
	if !bid.Usable() {
		return nil, "house_no_match"
	}
	if floor := req.Placement.Fallback.Store.FloorPrice; bid.Price < floor {
		return nil, fmt.Sprintf("below_floor %.4f < %.4f", bid.Price, floor)
	}
	if bid.DSP == "" {
		bid.DSP = connector.HouseName
	}
	return bid, ""
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te *resilience.TimeoutError
	return errors.As(err, &te)
}

func outcomeLabel(d BidderDiagnostic) string {
	switch {
	case d.Timeout:
		return "timeout"
	case !d.OK:
		return "error"
	case d.NoBid:
		return "no_bid"
	default:
		return "bid"
	}
}
