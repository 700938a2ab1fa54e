package snapshot

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/adbroker/internal/model"
)

// Tiered reads the memory cache first and Redis second, and writes through
// to both.
type Tiered struct {
	l1 *MemoryCache
	l2 Cache
}

// NewTiered combines a memory cache with a shared cache. l2 may be nil.
func NewTiered(l1 *MemoryCache, l2 Cache) *Tiered {
	return &Tiered{l1: l1, l2: l2}
}

// Get implements Cache. An l2 hit is copied into l1.
func (t *Tiered) Get(ctx context.Context, network string) (Snapshot, bool, error) {
	if snap, ok, _ := t.l1.Get(ctx, network); ok {
		return snap, true, nil
	}
	if t.l2 == nil {
		return Snapshot{}, false, nil
	}

	snap, ok, err := t.l2.Get(ctx, network)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	if snap.Network == "" {
		snap.Network = network
	}
	t.l1.store(snap)
	return snap, true, nil
}

// Put implements Cache. The memory write always happens; the shared write
// error is returned.
func (t *Tiered) Put(ctx context.Context, network string, offers []model.UnifiedOffer) error {
	_ = t.l1.Put(ctx, network, offers)
	if t.l2 == nil {
		return nil
	}
	if err := t.l2.Put(ctx, network, offers); err != nil {
		zap.L().Warn("snapshot: shared cache write failed",
			zap.String("network", network),
			zap.Error(err),
		)
		return err
	}
	return nil
}
