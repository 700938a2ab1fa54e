package snapshot

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sells-group/adbroker/internal/model"
)

// MemoryCache is an in-process snapshot cache with a size bound and TTL.
type MemoryCache struct {
	lru     *expirable.LRU[string, Snapshot]
	nowFunc func() time.Time
}

// NewMemoryCache creates a MemoryCache holding up to size networks for ttl.
// A zero ttl never expires entries.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 64
	}
	return &MemoryCache{
		lru:     expirable.NewLRU[string, Snapshot](size, nil, ttl),
		nowFunc: time.Now,
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, network string) (Snapshot, bool, error) {
	snap, ok := c.lru.Get(network)
	return snap, ok, nil
}

// Put implements Cache. An empty offer set is ignored so a bad refresh never
// replaces a good snapshot.
func (c *MemoryCache) Put(_ context.Context, network string, offers []model.UnifiedOffer) error {
	if len(offers) == 0 {
		return nil
	}
	c.store(Snapshot{Network: network, Offers: offers, StoredAt: c.nowFunc().UTC()})
	return nil
}

func (c *MemoryCache) store(snap Snapshot) {
	c.lru.Add(snap.Network, snap)
}

// Len returns the number of cached networks.
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}
