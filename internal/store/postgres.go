package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/adbroker/internal/db"
	"github.com/sells-group/adbroker/internal/model"
	"github.com/sells-group/adbroker/internal/retrieval"
)

const inventoryTable = "inventory_offers"

// PostgresInventory stores offers in Postgres with a tsvector column for
// lexical search and a pgvector column for vector search.
type PostgresInventory struct {
	pool db.Pool
	dims int
	psql sq.StatementBuilderType
}

// NewPostgres connects a pool and returns a PostgresInventory.
func NewPostgres(ctx context.Context, cfg Config) (*PostgresInventory, error) {
	pgxCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if cfg.MaxConns > 0 {
		maxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		minConns = cfg.MinConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return NewPostgresWithPool(pool, cfg.Dims), nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool, dims int) *PostgresInventory {
	if dims <= 0 {
		dims = retrieval.DefaultDims
	}
	return &PostgresInventory{
		pool: pool,
		dims: dims,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (s *PostgresInventory) migration() string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS inventory_offers (
	offer_id       TEXT PRIMARY KEY,
	source_network TEXT NOT NULL,
	source_type    TEXT NOT NULL DEFAULT '',
	title          TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	target_url     TEXT NOT NULL DEFAULT '',
	tracking_url   TEXT NOT NULL DEFAULT '',
	market         TEXT NOT NULL DEFAULT '',
	language       TEXT NOT NULL DEFAULT '',
	currency       TEXT NOT NULL DEFAULT '',
	availability   TEXT NOT NULL DEFAULT 'unknown',
	quality        DOUBLE PRECISION NOT NULL DEFAULT 0,
	bid_hint       DOUBLE PRECISION NOT NULL DEFAULT 0,
	policy_weight  DOUBLE PRECISION NOT NULL DEFAULT 0,
	freshness_at   TIMESTAMPTZ,
	tags           JSONB NOT NULL DEFAULT '[]',
	metadata       JSONB NOT NULL DEFAULT '{}',
	search_text    TEXT NOT NULL DEFAULT '',
	search_tsv     tsvector GENERATED ALWAYS AS (to_tsvector('simple', search_text)) STORED,
	embedding      vector(%d),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_inventory_offers_tsv ON inventory_offers USING GIN (search_tsv);
CREATE INDEX IF NOT EXISTS idx_inventory_offers_network ON inventory_offers (source_network);
CREATE INDEX IF NOT EXISTS idx_inventory_offers_market ON inventory_offers (market, language);
`, s.dims)
}

// Migrate creates the inventory schema.
func (s *PostgresInventory) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, s.migration())
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresInventory) Close() error {
	s.pool.Close()
	return nil
}

var upsertColumns = []string{
	"offer_id", "source_network", "source_type", "title", "description",
	"target_url", "tracking_url", "market", "language", "currency", "availability",
	"quality", "bid_hint", "policy_weight", "freshness_at", "tags", "metadata",
	"search_text", "embedding", "updated_at",
}

// Upsert writes offers, computing their embeddings.
func (s *PostgresInventory) Upsert(ctx context.Context, offers []model.UnifiedOffer) (int64, error) {
	rows := make([][]any, 0, len(offers))
	now := time.Now().UTC()
	for _, o := range offers {
		if err := o.Validate(); err != nil {
			return 0, eris.Wrapf(err, "postgres: upsert %s", o.OfferID)
		}
		tags, err := encodeJSON(nonNilTags(o.Tags))
		if err != nil {
			return 0, err
		}
		meta, err := encodeJSON(nonNilMeta(o.Metadata))
		if err != nil {
			return 0, err
		}
		text := o.SearchText()
		rows = append(rows, []any{
			o.OfferID, o.SourceNetwork, o.SourceType, o.Title, o.Description,
			o.TargetURL, o.TrackingURL, o.Market, language(o), o.Currency, string(o.Availability),
			o.Quality, o.BidHint, o.PolicyWeight, o.FreshnessAt, tags, meta,
			text, vectorLiteral(retrieval.Embed(text, s.dims)), now,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        inventoryTable,
		Columns:      upsertColumns,
		ConflictKeys: []string{"offer_id"},
		StagingTypes: map[string]string{"tags": "text", "metadata": "text", "embedding": "text"},
		SelectExprs: map[string]string{
			"tags":      "tags::jsonb",
			"metadata":  "metadata::jsonb",
			"embedding": "embedding::vector",
		},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert offers")
	}
	return n, nil
}

func (s *PostgresInventory) selectOffers(scoreExpr sq.Sqlizer) sq.SelectBuilder {
	return s.psql.Select(offerColumns...).
		Column("COALESCE((EXTRACT(EPOCH FROM freshness_at) * 1000)::bigint, 0) AS freshness_ms").
		Column("tags::text AS tags_json").
		Column("metadata::text AS metadata_json").
		Column(scoreExpr).
		From(inventoryTable)
}

// SearchLexical ranks offers with ts_rank_cd against a plain tsquery.
func (s *PostgresInventory) SearchLexical(ctx context.Context, text string, f retrieval.Filters, limit int) ([]retrieval.Row, error) {
	q := s.selectOffers(sq.Expr("ts_rank_cd(search_tsv, plainto_tsquery('simple', ?))::float8 AS score", text)).
		Where(sq.Expr("search_tsv @@ plainto_tsquery('simple', ?)", text))
	q = applyFilters(q, f, "").OrderBy("score DESC", "offer_id ASC").Limit(uint64(limit))
	return s.query(ctx, q, "lexical")
}

// SearchVector ranks offers by cosine similarity using pgvector's <=>
// distance.
func (s *PostgresInventory) SearchVector(ctx context.Context, embedding []float64, f retrieval.Filters, limit int) ([]retrieval.Row, error) {
	vec := vectorLiteral(embedding)
	q := s.selectOffers(sq.Expr("(1 - (embedding <=> ?::vector))::float8 AS score", vec)).
		Where("embedding IS NOT NULL")
	q = applyFilters(q, f, "").OrderBy("score DESC", "offer_id ASC").Limit(uint64(limit))
	return s.query(ctx, q, "vector")
}

func (s *PostgresInventory) query(ctx context.Context, q sq.SelectBuilder, kind string) ([]retrieval.Row, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: build %s query", kind)
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s search", kind)
	}
	defer rows.Close()

	var out []retrieval.Row
	for rows.Next() {
		var (
			o            model.UnifiedOffer
			availability string
			freshnessMs  int64
			tagsJSON     string
			metaJSON     string
			score        float64
		)
		if err := rows.Scan(
			&o.OfferID, &o.SourceNetwork, &o.SourceType, &o.Title, &o.Description,
			&o.TargetURL, &o.TrackingURL, &o.Market, &o.Currency, &availability,
			&o.Quality, &o.BidHint, &o.PolicyWeight,
			&freshnessMs, &tagsJSON, &metaJSON, &score,
		); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s row", kind)
		}
		o.Availability = model.Availability(availability)
		if freshnessMs > 0 {
			ts := time.UnixMilli(freshnessMs).UTC()
			o.FreshnessAt = &ts
		}
		if err := decodeAttrs(&o, tagsJSON, metaJSON); err != nil {
			return nil, err
		}
		out = append(out, retrieval.Row{Offer: o, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "postgres: %s rows", kind)
	}
	return out, nil
}

// applyFilters restricts by network, and by market and language where the
// offer declares one.
func applyFilters(q sq.SelectBuilder, f retrieval.Filters, prefix string) sq.SelectBuilder {
	if len(f.Networks) > 0 {
		q = q.Where(sq.Eq{prefix + "source_network": f.Networks})
	}
	if f.Market != "" {
		q = q.Where(sq.Or{sq.Eq{prefix + "market": f.Market}, sq.Eq{prefix + "market": ""}})
	}
	if f.Language != "" {
		q = q.Where(sq.Or{sq.Eq{prefix + "language": f.Language}, sq.Eq{prefix + "language": ""}})
	}
	return q
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func nonNilMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func formatFloat(x float64) string {
	return strconv.FormatFloat(x, 'g', 8, 64)
}
