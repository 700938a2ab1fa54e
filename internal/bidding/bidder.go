package bidding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/adbroker/internal/fetcher"
	"github.com/sells-group/adbroker/internal/model"
	"github.com/sells-group/adbroker/internal/resilience"
)

// BidRequest is what every bidder receives.
type BidRequest struct {
	RequestID   string
	PlacementID string
	Context     ProxyContext
	TimeoutMs   int
}

// Bidder is one demand source. A nil bid with a nil error means no bid.
type Bidder interface {
	NetworkID() string
	Bid(ctx context.Context, req BidRequest) (*model.Bid, error)
}

// BidderFactory resolves a placement's bidder declaration.
type BidderFactory interface {
	Bidder(cfg model.BidderConfig) (Bidder, error)
}

// HTTPFactory builds HTTPBidders, sharing one client per network and
// attempt timeout. Placements may give the same network different timeouts.
type HTTPFactory struct {
	mu         sync.Mutex
	clients    map[clientKey]*fetcher.Client
	httpClient *http.Client
}

type clientKey struct {
	network   string
	timeoutMs int
}

// NewHTTPFactory creates an HTTPFactory. hc may be nil.
func NewHTTPFactory(hc *http.Client) *HTTPFactory {
	return &HTTPFactory{clients: make(map[clientKey]*fetcher.Client), httpClient: hc}
}

// Bidder implements BidderFactory.
func (f *HTTPFactory) Bidder(cfg model.BidderConfig) (Bidder, error) {
	if strings.TrimSpace(cfg.NetworkID) == "" {
		return nil, &model.ValidationError{Field: "network_id", Reason: "empty"}
	}
	u, err := url.Parse(strings.TrimSpace(cfg.Endpoint))
	if err != nil || u.Host == "" {
		return nil, &model.ValidationError{Field: "endpoint", Reason: "not an absolute url"}
	}

	key := clientKey{network: cfg.NetworkID, timeoutMs: cfg.TimeoutMs}
	if key.timeoutMs <= 0 {
		key.timeoutMs = defaultBidderTimeoutMs
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	client, ok := f.clients[key]
	if !ok {
		// Bids run inside a tight window, so no retries.
		client = fetcher.NewClient(fetcher.Options{
			Network:    cfg.NetworkID,
			Timeout:    time.Duration(key.timeoutMs) * time.Millisecond,
			Retry:      resilience.RetryConfig{MaxRetries: 0},
			HTTPClient: f.httpClient,
		})
		f.clients[key] = client
	}
	return &HTTPBidder{
		networkID: cfg.NetworkID,
		endpoint:  fetcher.Endpoint{BaseURL: u.Scheme + "://" + u.Host, Path: u.EscapedPath()},
		query:     u.Query(),
		client:    client,
	}, nil
}

// HTTPBidder posts an OpenRTB-style request and reads the best seat bid.
type HTTPBidder struct {
	networkID string
	endpoint  fetcher.Endpoint
	query     url.Values
	client    *fetcher.Client
}

// NetworkID implements Bidder.
func (b *HTTPBidder) NetworkID() string {
	return b.networkID
}

type rtbRequest struct {
	ID   string   `json:"id"`
	Imp  []rtbImp `json:"imp"`
	TMax int      `json:"tmax,omitempty"`
	Ext  rtbExt   `json:"ext"`
}

type rtbImp struct {
	ID    string `json:"id"`
	TagID string `json:"tagid"`
}

type rtbExt struct {
	Query  string          `json:"query"`
	Answer string          `json:"answer,omitempty"`
	Turns  []model.Message `json:"turns,omitempty"`
}

type rtbResponse struct {
	ID      string `json:"id"`
	Cur     string `json:"cur"`
	SeatBid []struct {
		Seat string   `json:"seat"`
		Bid  []rtbBid `json:"bid"`
	} `json:"seatbid"`
}

type rtbBid struct {
	ID      string   `json:"id"`
	ImpID   string   `json:"impid"`
	Price   float64  `json:"price"`
	ADomain []string `json:"adomain"`
	Ext     struct {
		Headline    string `json:"headline"`
		Description string `json:"description"`
		CTAText     string `json:"cta_text"`
		URL         string `json:"url"`
		Advertiser  string `json:"advertiser"`
	} `json:"ext"`
}

// Bid implements Bidder. 204 No Content and an empty seatbid are no-bids.
func (b *HTTPBidder) Bid(ctx context.Context, req BidRequest) (*model.Bid, error) {
	body, err := json.Marshal(rtbRequest{
		ID:   req.RequestID,
		Imp:  []rtbImp{{ID: "1", TagID: req.PlacementID}},
		TMax: req.TimeoutMs,
		Ext:  rtbExt{Query: req.Context.Query, Answer: req.Context.Answer, Turns: req.Context.Turns},
	})
	if err != nil {
		return nil, eris.Wrap(err, "bidding: encode request")
	}

	resp, err := b.client.Do(ctx, b.endpoint, fetcher.Request{
		Method: http.MethodPost,
		Query:  b.query,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent || len(strings.TrimSpace(string(resp.Body))) == 0 {
		return nil, nil
	}

	var rr rtbResponse
	if err := json.Unmarshal(resp.Body, &rr); err != nil {
		return nil, eris.Wrapf(err, "bidding: %s: decode response", b.networkID)
	}

	var best *rtbBid
	for i := range rr.SeatBid {
		for j := range rr.SeatBid[i].Bid {
			cand := &rr.SeatBid[i].Bid[j]
			if best == nil || cand.Price > best.Price {
				best = cand
			}
		}
	}
	if best == nil {
		return nil, nil
	}

	advertiser := best.Ext.Advertiser
	if advertiser == "" && len(best.ADomain) > 0 {
		advertiser = best.ADomain[0]
	}
	return &model.Bid{
		BidID:       best.ID,
		Price:       best.Price,
		Advertiser:  advertiser,
		Headline:    best.Ext.Headline,
		Description: best.Ext.Description,
		CTAText:     best.Ext.CTAText,
		URL:         best.Ext.URL,
		DSP:         b.networkID,
		Placement:   req.PlacementID,
		Pricing:     model.Pricing{BidHint: best.Price, Currency: rr.Cur, Model: "cpm"},
	}, nil
}
