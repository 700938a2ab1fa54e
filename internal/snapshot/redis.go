package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/adbroker/internal/model"
)

const keyPrefix = "snapshot:"

// RedisCache shares snapshots between processes through Redis.
type RedisCache struct {
	rdb     redis.Cmdable
	ttl     time.Duration
	nowFunc func() time.Time
}

// NewRedisCache creates a RedisCache. A zero ttl stores without expiry.
func NewRedisCache(rdb redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, nowFunc: time.Now}
}

// Key returns the Redis key holding network's snapshot.
func Key(network string) string {
	return keyPrefix + network
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, network string) (Snapshot, bool, error) {
	data, err := c.rdb.Get(ctx, Key(network)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, eris.Wrapf(err, "snapshot: get %s", network)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, eris.Wrapf(err, "snapshot: decode %s", network)
	}
	return snap, true, nil
}

// Put implements Cache. Empty offer sets are ignored.
func (c *RedisCache) Put(ctx context.Context, network string, offers []model.UnifiedOffer) error {
	if len(offers) == 0 {
		return nil
	}
	data, err := json.Marshal(Snapshot{Network: network, Offers: offers, StoredAt: c.nowFunc().UTC()})
	if err != nil {
		return eris.Wrapf(err, "snapshot: encode %s", network)
	}
	if err := c.rdb.Set(ctx, Key(network), data, c.ttl).Err(); err != nil {
		return eris.Wrapf(err, "snapshot: set %s", network)
	}
	return nil
}
