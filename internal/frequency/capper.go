// Package frequency enforces per-session frequency caps and cooldowns in
// Redis.
package frequency

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/adbroker/internal/model"
)

// Verdict reasons.
const (
	ReasonCapped     = "frequency_capped"
	ReasonCooldown   = "cooldown_active"
	ReasonStoreError = "frequency_store_error"
)

// Verdict is the answer of Allow. Allowed is true when the store fails.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Count   int64  `json:"count"`
}

// Capper tracks impressions per placement and session.
type Capper struct {
	rdb redis.Cmdable
}

// NewCapper creates a Capper. A nil client allows everything.
func NewCapper(rdb redis.Cmdable) *Capper {
	return &Capper{rdb: rdb}
}

func countKey(placementID, sessionID string) string {
	return "freq:" + placementID + ":" + sessionID
}

func cooldownKey(placementID, sessionID string) string {
	return "cooldown:" + placementID + ":" + sessionID
}

// Allow reports whether the session may see another ad in the placement.
func (c *Capper) Allow(ctx context.Context, placementID, sessionID string, fc model.FrequencyCap, cooldownSeconds int) Verdict {
	if c == nil || c.rdb == nil || sessionID == "" {
		return Verdict{Allowed: true}
	}

	if cooldownSeconds > 0 {
		n, err := c.rdb.Exists(ctx, cooldownKey(placementID, sessionID)).Result()
		if err != nil {
			return failOpen(placementID, eris.Wrap(err, "frequency: check cooldown"))
		}
		if n > 0 {
			return Verdict{Allowed: false, Reason: ReasonCooldown}
		}
	}

	if fc.MaxPerSession <= 0 {
		return Verdict{Allowed: true}
	}
	count, err := c.rdb.Get(ctx, countKey(placementID, sessionID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return failOpen(placementID, eris.Wrap(err, "frequency: read count"))
	}
	if count >= int64(fc.MaxPerSession) {
		return Verdict{Allowed: false, Reason: ReasonCapped, Count: count}
	}
	return Verdict{Allowed: true, Count: count}
}

// Record counts a served impression and starts the cooldown.
func (c *Capper) Record(ctx context.Context, placementID, sessionID string, fc model.FrequencyCap, cooldownSeconds int) error {
	if c == nil || c.rdb == nil || sessionID == "" {
		return nil
	}

	key := countKey(placementID, sessionID)
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return eris.Wrap(err, "frequency: incr count")
	}
	if n == 1 && fc.WindowSeconds > 0 {
		if err := c.rdb.Expire(ctx, key, time.Duration(fc.WindowSeconds)*time.Second).Err(); err != nil {
			return eris.Wrap(err, "frequency: expire count")
		}
	}

	if cooldownSeconds > 0 {
		err := c.rdb.Set(ctx, cooldownKey(placementID, sessionID), "1", time.Duration(cooldownSeconds)*time.Second).Err()
		if err != nil {
			return eris.Wrap(err, "frequency: set cooldown")
		}
	}
	return nil
}

func failOpen(placementID string, err error) Verdict {
	zap.L().Warn("frequency: store unavailable, allowing",
		zap.String("placement", placementID),
		zap.Error(err),
	)
	return Verdict{Allowed: true, Reason: ReasonStoreError}
}
