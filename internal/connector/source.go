package connector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/adbroker/internal/fetcher"
	"github.com/sells-group/adbroker/internal/model"
)

// Branch is one logical sub-fetch of a network, such as "links" or
// "products".
type Branch struct {
	Name      string
	Endpoints []fetcher.Endpoint
	// Tags are the repeating XML element names to scan for. JSON shapes are
	// always tried first.
	Tags  []string
	Build func(p Params) fetcher.Request
	Map   func(rec fetcher.Record, p Params) (model.UnifiedOffer, bool)
}

// Source runs a network's branches concurrently and merges their offers.
// A failing branch only loses its own contribution.
type Source struct {
	network  string
	client   *fetcher.Client
	branches []Branch
	nowFunc  func() time.Time
}

// NewSource creates a Source for network.
func NewSource(network string, client *fetcher.Client, branches ...Branch) *Source {
	return &Source{
		network:  network,
		client:   client,
		branches: branches,
		nowFunc:  time.Now,
	}
}

// Name returns the network id.
func (s *Source) Name() string {
	return s.network
}

type branchOutcome struct {
	offers []model.UnifiedOffer
	debug  BranchDebug
	err    error
}

// FetchOffers implements Connector.
func (s *Source) FetchOffers(ctx context.Context, p Params) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, eris.Wrapf(err, "connector: %s", s.network)
	}

	start := s.nowFunc()
	outcomes := make([]branchOutcome, len(s.branches))

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range s.branches {
		g.Go(func() error {
			outcomes[i] = s.runBranch(gctx, b, p)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Debug: Debug{
		Network:  s.network,
		Branches: make(map[string]BranchDebug, len(s.branches)),
	}}

	seen := make(map[string]bool)
	for i, b := range s.branches {
		out := outcomes[i]
		res.Debug.Branches[b.Name] = out.debug
		if out.err != nil {
			res.Debug.Errors = append(res.Debug.Errors, NewErrorEntry(b.Name, out.err))
			zap.L().Warn("connector: branch failed",
				zap.String("network", s.network),
				zap.String("branch", b.Name),
				zap.Error(out.err),
			)
			continue
		}
		for _, o := range out.offers {
			if seen[o.OfferID] {
				continue
			}
			seen[o.OfferID] = true
			res.Offers = append(res.Offers, o)
		}
	}

	sort.SliceStable(res.Offers, func(i, j int) bool {
		return res.Offers[i].OfferID < res.Offers[j].OfferID
	})
	if p.Limit > 0 && len(res.Offers) > p.Limit {
		res.Offers = res.Offers[:p.Limit]
	}

	res.Debug.LatencyMs = s.nowFunc().Sub(start).Milliseconds()
	return res, nil
}

func (s *Source) runBranch(ctx context.Context, b Branch, p Params) (out branchOutcome) {
	start := s.nowFunc()
	defer func() {
		if r := recover(); r != nil {
			out = branchOutcome{err: eris.Errorf("connector: %s %s: panic: %v", s.network, b.Name, r)}
		}
		out.debug.LatencyMs = s.nowFunc().Sub(start).Milliseconds()
	}()

	var req fetcher.Request
	if b.Build != nil {
		req = b.Build(p)
	}

	resp, err := s.client.FetchFirst(ctx, b.Endpoints, req)
	if err != nil {
		return branchOutcome{err: eris.Wrapf(err, "connector: %s %s", s.network, b.Name)}
	}

	records, strategy := fetcher.Extract(resp.Body, fetcher.DefaultStrategies(b.Tags...))
	out.debug = BranchDebug{
		Endpoint: resp.Endpoint.String(),
		Strategy: strategy,
		Records:  len(records),
		OK:       true,
	}

	for _, rec := range records {
		offer, ok := b.Map(rec, p)
		if !ok {
			continue
		}
		if offer.SourceNetwork == "" {
			offer.SourceNetwork = s.network
		}
		if err := offer.Validate(); err != nil {
			zap.L().Debug("connector: dropping invalid offer",
				zap.String("network", s.network),
				zap.String("branch", b.Name),
				zap.Error(err),
			)
			continue
		}
		out.offers = append(out.offers, offer)
	}
	out.debug.Offers = len(out.offers)
	return out
}

// offerID prefixes an upstream id with the network and branch so ids from
// different branches never collide.
func offerID(network, kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", network, kind, id)
}
