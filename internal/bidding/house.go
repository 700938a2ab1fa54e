package bidding

import (
	"context"
	"strings"

	"github.com/sells-group/adbroker/internal/connector"
	"github.com/sells-group/adbroker/internal/intent"
	"github.com/sells-group/adbroker/internal/model"
	"github.com/sells-group/adbroker/internal/ranking"
	"github.com/sells-group/adbroker/internal/retrieval"
)

// HouseSource produces a bid from house inventory.
type HouseSource interface {
	HouseBid(ctx context.Context, req BidRequest) (*model.Bid, error)
}

// InventoryHouse ranks house inventory for the proxy context by rule intent
// and bids the winner's bid hint.
type InventoryHouse struct {
	retriever *retrieval.Retriever
	engine    *ranking.Engine
}

// NewInventoryHouse creates an InventoryHouse.
func NewInventoryHouse(r *retrieval.Retriever, e *ranking.Engine) *InventoryHouse {
	return &InventoryHouse{retriever: r, engine: e}
}

// HouseBid implements HouseSource. No match is a nil bid.
func (h *InventoryHouse) HouseBid(ctx context.Context, req BidRequest) (*model.Bid, error) {
	text := strings.TrimSpace(req.Context.Query + " " + req.Context.Answer)
	res := h.retriever.Retrieve(ctx, retrieval.Query{
		Text:    text,
		Filters: retrieval.Filters{Networks: []string{connector.HouseName}},
	})
	if len(res.Candidates) == 0 {
		return nil, nil
	}

	in := intent.Input{Query: req.Context.Query, AnswerText: req.Context.Answer}
	out := h.engine.Rank(ranking.Input{
		Candidates:  res.Candidates,
		IntentScore: intent.InferByRules(in).Score,
		Query:       req.Context.Query,
		AnswerText:  req.Context.Answer,
		Placement:   req.PlacementID,
	})
	if out.Winner == nil {
		return nil, nil
	}
	bid := out.Winner.Bid
	return &bid, nil
}
