// Package snapshot keeps the last known good offer set per network so the
// pipeline can keep serving while a network's circuit is open.
package snapshot

import (
	"context"
	"time"

	"github.com/sells-group/adbroker/internal/model"
)

// Snapshot is a stored offer set.
type Snapshot struct {
	Network  string               `json:"network"`
	Offers   []model.UnifiedOffer `json:"offers"`
	StoredAt time.Time            `json:"stored_at"`
}

// Cache stores one snapshot per network. A miss is (Snapshot{}, false, nil).
type Cache interface {
	Get(ctx context.Context, network string) (Snapshot, bool, error)
	Put(ctx context.Context, network string, offers []model.UnifiedOffer) error
}
