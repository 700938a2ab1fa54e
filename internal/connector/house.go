package connector

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/adbroker/internal/model"
	"github.com/sells-group/adbroker/internal/retrieval"
)

// HouseName is the network id of the internal inventory.
const HouseName = "house"

// House serves offers from the internal inventory through the hybrid
// retriever.
type House struct {
	retriever *retrieval.Retriever
}

// NewHouse creates a House connector.
func NewHouse(r *retrieval.Retriever) *House {
	return &House{retriever: r}
}

// Name implements Connector.
func (h *House) Name() string {
	return HouseName
}

// FetchOffers implements Connector. An unavailable inventory store is
// reported as an upstream error.
func (h *House) FetchOffers(ctx context.Context, p Params) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, eris.Wrap(err, "connector: house")
	}

	start := time.Now()
	res := h.retriever.Retrieve(ctx, retrieval.Query{
		Text:    keywords(p),
		Filters: retrieval.Filters{Market: p.Market, Language: p.Language},
		TopK:    p.Limit,
	})

	offers := make([]model.UnifiedOffer, 0, len(res.Candidates))
	for _, c := range res.Candidates {
		offers = append(offers, c.UnifiedOffer)
	}

	out := Result{
		Offers: offers,
		Debug: Debug{
			Network: HouseName,
			Branches: map[string]BranchDebug{
				"inventory": {
					Strategy:  res.Debug.Mode,
					Records:   res.Debug.LexicalCount + res.Debug.VectorCount,
					Offers:    len(offers),
					OK:        res.Debug.Mode != retrieval.ModeStoreUnavailable,
					LatencyMs: res.Debug.LatencyMs,
				},
			},
			LatencyMs: time.Since(start).Milliseconds(),
		},
	}
	if res.Debug.Mode == retrieval.ModeStoreUnavailable {
		out.Debug.Errors = append(out.Debug.Errors, ErrorEntry{
			Branch:  "inventory",
			Code:    retrieval.ModeStoreUnavailable,
			Message: res.Debug.Error,
		})
	}
	return out, nil
}
