package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/adbroker/internal/connector"
	"github.com/sells-group/adbroker/internal/resilience"
)

// RefresherConfig controls the out-of-band refresh loop.
type RefresherConfig struct {
	// Schedule is a cron expression. Default: "@every 1m".
	Schedule string
	// Warmup is the query used to probe each network.
	Warmup connector.Params
	// Timeout bounds one network probe. Default: 10s.
	Timeout time.Duration
	Policy  resilience.HealthPolicy
}

// ProbeReport is the outcome of probing one network.
type ProbeReport struct {
	Network string `json:"network"`
	Skipped bool   `json:"skipped"`
	OK      bool   `json:"ok"`
	Offers  int    `json:"offers"`
	Stored  bool   `json:"stored"`
	Error   string `json:"error,omitempty"`
}

// Refresher periodically probes each network when its health check is due,
// feeds the result to the monitor and stores good results as snapshots.
type Refresher struct {
	cron       *cron.Cron
	monitor    *resilience.Monitor
	cache      Cache
	connectors []connector.Connector
	cfg        RefresherConfig
}

// NewRefresher creates a Refresher. Call Start to schedule it.
func NewRefresher(monitor *resilience.Monitor, cache Cache, connectors []connector.Connector, cfg RefresherConfig) *Refresher {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Refresher{
		cron:       cron.New(),
		monitor:    monitor,
		cache:      cache,
		connectors: connectors,
		cfg:        cfg,
	}
}

// Start registers the refresh job, starts the scheduler and runs one pass
// in the background so snapshots exist before the first tick.
func (r *Refresher) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(r.cfg.Schedule, func() { r.RunOnce(ctx) }); err != nil {
		return eris.Wrapf(err, "snapshot: schedule %q", r.cfg.Schedule)
	}
	r.cron.Start()
	zap.L().Info("snapshot: refresher started", zap.String("schedule", r.cfg.Schedule))

	go r.RunOnce(ctx)
	return nil
}

// Stop stops the scheduler and waits for a running pass to finish.
func (r *Refresher) Stop() {
	<-r.cron.Stop().Done()
	zap.L().Info("snapshot: refresher stopped")
}

// RunOnce probes every network whose health check is due.
func (r *Refresher) RunOnce(ctx context.Context) []ProbeReport {
	var (
		mu      sync.Mutex
		reports = make([]ProbeReport, len(r.connectors))
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range r.connectors {
		g.Go(func() error {
			rep := r.probe(gctx, c)
			mu.Lock()
			reports[i] = rep
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func (r *Refresher) probe(ctx context.Context, c connector.Connector) ProbeReport {
	name := c.Name()
	rep := ProbeReport{Network: name}
	if !r.monitor.ShouldRunHealthCheck(name, r.cfg.Policy) {
		rep.Skipped = true
		return rep
	}

	pctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	res, err := c.FetchOffers(pctx, r.cfg.Warmup)
	if err == nil && res.Failed() {
		first := res.Debug.Errors[0]
		err = eris.Errorf("snapshot: probe %s: %s: %s", name, first.Code, first.Message)
	}
	r.monitor.RecordHealthCheckResult(name, resilience.HealthCheckResult{OK: err == nil, Err: err}, r.cfg.Policy)
	if err != nil {
		rep.Error = err.Error()
		zap.L().Warn("snapshot: probe failed", zap.String("network", name), zap.Error(err))
		return rep
	}

	rep.OK = true
	rep.Offers = len(res.Offers)
	if len(res.Offers) == 0 {
		return rep
	}
	if err := r.cache.Put(ctx, name, res.Offers); err != nil {
		rep.Error = err.Error()
		return rep
	}
	rep.Stored = true
	zap.L().Debug("snapshot: stored",
		zap.String("network", name),
		zap.Int("offers", len(res.Offers)),
	)
	return rep
}
