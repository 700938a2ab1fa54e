// Package store persists house inventory and serves lexical and vector
// search over it.
package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/adbroker/internal/model"
	"github.com/sells-group/adbroker/internal/retrieval"
)

// Config selects and tunes the inventory backend.
type Config struct {
	Driver   string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DSN      string `yaml:"dsn" mapstructure:"dsn"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
	Dims     int    `yaml:"dims" mapstructure:"dims"`
}

// Inventory is a searchable, writable offer store.
type Inventory interface {
	retrieval.InventoryStore
	Upsert(ctx context.Context, offers []model.UnifiedOffer) (int64, error)
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the configured backend.
func Open(ctx context.Context, cfg Config) (Inventory, error) {
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql", "pgx":
		return NewPostgres(ctx, cfg)
	case "sqlite", "sqlite3", "":
		return NewSQLite(cfg)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// offerColumns are the stored offer fields, in scan order.
var offerColumns = []string{
	"offer_id", "source_network", "source_type", "title", "description",
	"target_url", "tracking_url", "market", "currency", "availability",
	"quality", "bid_hint", "policy_weight",
}

// language is stored as a column so it can be filtered; offers carry it in
// metadata.
func language(o model.UnifiedOffer) string {
	return o.Metadata["language"]
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", eris.Wrap(err, "store: encode json")
	}
	return string(b), nil
}

func decodeAttrs(o *model.UnifiedOffer, tagsJSON, metaJSON string) error {
	if tagsJSON != "" && tagsJSON != "null" {
		if err := json.Unmarshal([]byte(tagsJSON), &o.Tags); err != nil {
			return eris.Wrapf(err, "store: decode tags of %s", o.OfferID)
		}
	}
	if metaJSON != "" && metaJSON != "null" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &o.Metadata); err != nil {
			return eris.Wrapf(err, "store: decode metadata of %s", o.OfferID)
		}
	}
	return nil
}

// vectorLiteral renders an embedding in pgvector's text form.
func vectorLiteral(v []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(formatFloat(x))
	}
	b.WriteByte(']')
	return b.String()
}
