package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/adbroker/internal/connector"
	"github.com/sells-group/adbroker/internal/model"
	"github.com/sells-group/adbroker/internal/resilience"
)

// Snapshot cache statuses reported per network.
const (
	SnapshotLive          = "live"
	SnapshotCircuitOpen   = "circuit_open"
	SnapshotFallbackError = "snapshot_fallback_error"
	SnapshotMiss          = "snapshot_miss"
)

// networkResult is the outcome of one network within a request.
type networkResult struct {
	network        string
	offers         []model.UnifiedOffer
	errors         []connector.ErrorEntry
	debug          connector.Debug
	failed         bool
	snapshotUsed   bool
	snapshotStatus string
}

// fetchAll queries every connector concurrently. Each branch is isolated:
// it never cancels its siblings and a panic only fails its own network.
func (p *Pipeline) fetchAll(ctx context.Context, connectors []connector.Connector, params connector.Params) []networkResult {
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	results := make([]networkResult, len(connectors))
	var g errgroup.Group
	for i, c := range connectors {
		g.Go(func() error {
			results[i] = p.fetchNetwork(fetchCtx, c, params)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Pipeline) fetchNetwork(ctx context.Context, c connector.Connector, params connector.Params) networkResult {
	name := c.Name()
	out := networkResult{network: name, snapshotStatus: SnapshotLive}

	if p.monitor != nil {
		if d := p.monitor.ShouldSkipFetch(name, p.cfg.Health); d.Skip {
			zap.L().Debug("pipeline: circuit open, skipping live fetch",
				zap.String("network", name),
				zap.Int64("retry_after_ms", d.RetryAfterMs),
				zap.Error(resilience.ErrCircuitOpen),
			)
			// Kept in the connector debug only; network errors stay empty.
			out.debug = connector.Debug{
				Network: name,
				Errors:  []connector.ErrorEntry{connector.NewErrorEntry("", resilience.ErrCircuitOpen)},
			}
			out.snapshotStatus = SnapshotCircuitOpen
			out.offers, out.snapshotUsed = p.loadSnapshot(ctx, name)
			p.metrics.ObserveConnector(name, "skipped", 0)
			if out.snapshotUsed {
				p.metrics.SnapshotFallback(name, SnapshotCircuitOpen)
			}
			return out
		}
	}

	start := time.Now()
	res, err := safeFetch(ctx, c, params)
	out.debug = res.Debug
	out.errors = res.Debug.Errors
	if err != nil {
		out.errors = append(out.errors, connector.NewErrorEntry("", err))
	}

	if err != nil || res.Failed() {
		out.failed = true
		cause := err
		if cause == nil {
			cause = res.Err()
		}
		if p.monitor != nil {
			p.monitor.RecordFailure(name, cause, p.cfg.Health)
		}
		p.metrics.ObserveConnector(name, "error", time.Since(start))
		zap.L().Warn("pipeline: network fetch failed",
			zap.String("network", name),
			zap.Error(cause),
		)

		out.offers, out.snapshotUsed = p.loadSnapshot(ctx, name)
		out.snapshotStatus = SnapshotMiss
		if out.snapshotUsed {
			out.snapshotStatus = SnapshotFallbackError
			p.metrics.SnapshotFallback(name, SnapshotFallbackError)
		}
		return out
	}

	if p.monitor != nil {
		p.monitor.RecordSuccess(name)
	}
	p.metrics.ObserveConnector(name, "ok", time.Since(start))
	out.offers = res.Offers
	if p.snapshots != nil && len(res.Offers) > 0 {
		if err := p.snapshots.Put(ctx, name, res.Offers); err != nil {
			zap.L().Warn("pipeline: snapshot store failed", zap.String("network", name), zap.Error(err))
		}
	}
	return out
}

// safeFetch converts a connector panic into an error.
func safeFetch(ctx context.Context, c connector.Connector, params connector.Params) (res connector.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = connector.Result{Debug: connector.Debug{Network: c.Name()}}
			err = eris.Errorf("pipeline: connector %s panicked: %s", c.Name(), fmt.Sprint(r))
		}
	}()
	return c.FetchOffers(ctx, params)
}

func (p *Pipeline) loadSnapshot(ctx context.Context, network string) ([]model.UnifiedOffer, bool) {
	if p.snapshots == nil {
		return nil, false
	}
	snap, ok, err := p.snapshots.Get(ctx, network)
	if err != nil {
		zap.L().Warn("pipeline: snapshot read failed", zap.String("network", network), zap.Error(err))
		return nil, false
	}
	if !ok || len(snap.Offers) == 0 {
		return nil, false
	}
	return snap.Offers, true
}

// collect merges network results into debug maps and one deduplicated offer
// list ordered by offer id. allFailed is true when at least one network was
// queried and every one failed or was skipped without a snapshot.
func (p *Pipeline) collect(results []networkResult, dbg *Debug) ([]model.UnifiedOffer, bool) {
	seen := make(map[string]bool)
	var offers []model.UnifiedOffer
	allFailed := len(results) > 0
	for _, r := range results {
		dbg.NetworksQueried = append(dbg.NetworksQueried, r.network)
		dbg.NetworkHits[r.network] = len(r.offers)
		dbg.SnapshotUsage[r.network] = r.snapshotUsed
		dbg.SnapshotCacheStatus[r.network] = r.snapshotStatus
		if len(r.errors) > 0 {
			dbg.NetworkErrors[r.network] = r.errors
		}
		if r.debug.Network != "" {
			dbg.Connectors[r.network] = r.debug
		}
		if !r.failed && r.snapshotStatus != SnapshotCircuitOpen {
			allFailed = false
		}
		for _, o := range r.offers {
			if seen[o.OfferID] {
				continue
			}
			seen[o.OfferID] = true
			offers = append(offers, o)
		}
	}
	sort.Strings(dbg.NetworksQueried)
	sort.SliceStable(offers, func(i, j int) bool { return offers[i].OfferID < offers[j].OfferID })
	dbg.OfferCount = len(offers)
	return offers, allFailed
}

// HealthPolicy returns the breaker policy the pipeline records with.
func (p *Pipeline) HealthPolicy() resilience.HealthPolicy {
	return p.cfg.Health
}
