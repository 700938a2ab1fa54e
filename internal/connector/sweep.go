package connector

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/adbroker/internal/model"
	"github.com/sells-group/adbroker/internal/resilience"
	"github.com/sells-group/adbroker/internal/retrieval"
)

// LiveSweep queries live connectors on behalf of the retriever when the
// inventory store is down. It satisfies retrieval.FallbackProvider.
//
// With a monitor, networks whose circuit is open are skipped and every
// live call is recorded as a success or failure.
type LiveSweep struct {
	connectors []Connector
	monitor    *resilience.Monitor
	policy     resilience.HealthPolicy
}

// NewLiveSweep creates a LiveSweep over connectors. monitor may be nil.
func NewLiveSweep(monitor *resilience.Monitor, policy resilience.HealthPolicy, connectors ...Connector) *LiveSweep {
	return &LiveSweep{connectors: connectors, monitor: monitor, policy: policy}
}

// Sweep fetches from every connector allowed by q's network filter and
// merges the offers. Skipped networks count as failed; it fails only when
// every connector failed.
func (s *LiveSweep) Sweep(ctx context.Context, q retrieval.Query) ([]model.UnifiedOffer, error) {
	allowed := make(map[string]bool, len(q.Filters.Networks))
	for _, n := range q.Filters.Networks {
		allowed[n] = true
	}

	var (
		mu       sync.Mutex
		offers   []model.UnifiedOffer
		failures int
		ran      int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.connectors {
		if len(allowed) > 0 && !allowed[c.Name()] {
			continue
		}
		ran++
		if s.monitor != nil && s.monitor.ShouldSkipFetch(c.Name(), s.policy).Skip {
			mu.Lock()
			failures++
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			res, err := c.FetchOffers(gctx, Params{
				Query:    q.Text,
				Market:   q.Filters.Market,
				Language: q.Filters.Language,
			})
			s.record(c.Name(), res, err)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || res.Failed() {
				failures++
				return nil
			}
			offers = append(offers, res.Offers...)
			return nil
		})
	}
	_ = g.Wait()

	if ran > 0 && failures == ran {
		return nil, eris.Errorf("connector: live sweep: all %d connectors failed", ran)
	}

	seen := make(map[string]bool, len(offers))
	out := offers[:0]
	for _, o := range offers {
		if !seen[o.OfferID] {
			seen[o.OfferID] = true
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OfferID < out[j].OfferID })
	return out, nil
}

func (s *LiveSweep) record(network string, res Result, err error) {
	if s.monitor == nil {
		return
	}
	if err == nil && !res.Failed() {
		s.monitor.RecordSuccess(network)
		return
	}
	if err == nil {
		err = res.Err()
	}
	s.monitor.RecordFailure(network, err, s.policy)
}
