package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/adbroker/internal/model"
	"github.com/sells-group/adbroker/internal/retrieval"
)

// SQLiteInventory stores offers in SQLite. Lexical search uses an FTS5
// index ranked by bm25; embeddings are kept as JSON and compared in Go.
type SQLiteInventory struct {
	db   *sql.DB
	dims int
}

// NewSQLite opens a SQLite database at cfg.DSN and configures WAL mode.
func NewSQLite(cfg Config) (*SQLiteInventory, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = "adbroker.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	dims := cfg.Dims
	if dims <= 0 {
		dims = retrieval.DefaultDims
	}
	return &SQLiteInventory{db: db, dims: dims}, nil
}

const sqliteMigration = `
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
	quality        REAL NOT NULL DEFAULT 0,
	bid_hint       REAL NOT NULL DEFAULT 0,
	policy_weight  REAL NOT NULL DEFAULT 0,
	freshness_ms   INTEGER NOT NULL DEFAULT 0,
	tags           TEXT NOT NULL DEFAULT '[]',
	metadata       TEXT NOT NULL DEFAULT '{}',
	embedding      TEXT NOT NULL DEFAULT '[]',
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE VIRTUAL TABLE IF NOT EXISTS inventory_fts USING fts5(offer_id UNINDEXED, search_text);

CREATE INDEX IF NOT EXISTS idx_inventory_offers_network ON inventory_offers(source_network);
CREATE INDEX IF NOT EXISTS idx_inventory_offers_market ON inventory_offers(market, language);
`

// Migrate creates the inventory schema.
func (s *SQLiteInventory) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteInventory) Close() error {
	return s.db.Close()
}

// Upsert writes offers and refreshes their FTS rows in one transaction.
func (s *SQLiteInventory) Upsert(ctx context.Context, offers []model.UnifiedOffer) (int64, error) {
	if len(offers) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	var n int64
	for _, o := range offers {
		if err := o.Validate(); err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert %s", o.OfferID)
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
		emb, err := encodeJSON(retrieval.Embed(text, s.dims))
		if err != nil {
			return 0, err
		}
		var freshness int64
		if o.FreshnessAt != nil {
			freshness = o.FreshnessAt.UnixMilli()
		}

		_, err = tx.ExecContext(ctx, `
INSERT INTO inventory_offers (
	offer_id, source_network, source_type, title, description, target_url, tracking_url,
	market, language, currency, availability, quality, bid_hint, policy_weight,
	freshness_ms, tags, metadata, embedding, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (offer_id) DO UPDATE SET
	source_network = excluded.source_network,
	source_type    = excluded.source_type,
	title          = excluded.title,
	description    = excluded.description,
	target_url     = excluded.target_url,
	tracking_url   = excluded.tracking_url,
	market         = excluded.market,
	language       = excluded.language,
	currency       = excluded.currency,
	availability   = excluded.availability,
	quality        = excluded.quality,
	bid_hint       = excluded.bid_hint,
	policy_weight  = excluded.policy_weight,
	freshness_ms   = excluded.freshness_ms,
	tags           = excluded.tags,
	metadata       = excluded.metadata,
	embedding      = excluded.embedding,
	updated_at     = excluded.updated_at`,
			o.OfferID, o.SourceNetwork, o.SourceType, o.Title, o.Description, o.TargetURL, o.TrackingURL,
			o.Market, language(o), o.Currency, string(o.Availability), o.Quality, o.BidHint, o.PolicyWeight,
			freshness, tags, meta, emb, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert offer %s", o.OfferID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM inventory_fts WHERE offer_id = ?`, o.OfferID); err != nil {
			return 0, eris.Wrapf(err, "sqlite: clear fts %s", o.OfferID)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO inventory_fts (offer_id, search_text) VALUES (?, ?)`, o.OfferID, text); err != nil {
			return 0, eris.Wrapf(err, "sqlite: index fts %s", o.OfferID)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert")
	}
	return n, nil
}

func sqliteColumns() []string {
	cols := make([]string, 0, len(offerColumns)+3)
	for _, c := range offerColumns {
		cols = append(cols, "o."+c)
	}
	return append(cols, "o.freshness_ms", "o.tags", "o.metadata")
}

// matchQuery turns free text into an FTS5 OR query of quoted tokens.
func matchQuery(text string) string {
	toks := retrieval.Tokenize(text)
	quoted := make([]string, 0, len(toks))
	seen := make(map[string]bool, len(toks))
	for _, t := range toks {
		if seen[t] {
			continue
		}
		seen[t] = true
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// SearchLexical ranks offers by negated bm25 so higher is better.
func (s *SQLiteInventory) SearchLexical(ctx context.Context, text string, f retrieval.Filters, limit int) ([]retrieval.Row, error) {
	match := matchQuery(text)
	if match == "" {
		return nil, nil
	}
	q := sq.Select(sqliteColumns()...).
		Column("-bm25(inventory_fts) AS score").
		From("inventory_fts").
		Join("inventory_offers o ON o.offer_id = inventory_fts.offer_id").
		Where(sq.Expr("inventory_fts MATCH ?", match))
	q = applyFilters(q, f, "o.").OrderBy("score DESC", "o.offer_id ASC").Limit(uint64(limit))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build lexical query")
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: lexical search")
	}
	defer rows.Close() //nolint:errcheck

	var out []retrieval.Row
	for rows.Next() {
		var score float64
		o, err := scanOffer(rows, &score)
		if err != nil {
			return nil, err
		}
		out = append(out, retrieval.Row{Offer: o, Score: score})
	}
	return out, eris.Wrap(rows.Err(), "sqlite: lexical rows")
}

// SearchVector scans filtered offers and ranks them by cosine similarity.
func (s *SQLiteInventory) SearchVector(ctx context.Context, embedding []float64, f retrieval.Filters, limit int) ([]retrieval.Row, error) {
	q := sq.Select(sqliteColumns()...).
		Column("o.embedding").
		From("inventory_offers o")
	q = applyFilters(q, f, "o.")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build vector query")
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: vector search")
	}
	defer rows.Close() //nolint:errcheck

	var out []retrieval.Row
	for rows.Next() {
		var embJSON string
		o, err := scanOffer(rows, &embJSON)
		if err != nil {
			return nil, err
		}
		var emb []float64
		if err := json.Unmarshal([]byte(embJSON), &emb); err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode embedding of %s", o.OfferID)
		}
		if len(emb) == 0 {
			continue
		}
		out = append(out, retrieval.Row{Offer: o, Score: retrieval.Cosine(embedding, emb)})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: vector rows")
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Offer.OfferID < out[j].Offer.OfferID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func scanOffer(rows *sql.Rows, extra any) (model.UnifiedOffer, error) {
	var (
		o            model.UnifiedOffer
		availability string
		freshnessMs  int64
		tagsJSON     string
		metaJSON     string
	)
	if err := rows.Scan(
		&o.OfferID, &o.SourceNetwork, &o.SourceType, &o.Title, &o.Description,
		&o.TargetURL, &o.TrackingURL, &o.Market, &o.Currency, &availability,
		&o.Quality, &o.BidHint, &o.PolicyWeight,
		&freshnessMs, &tagsJSON, &metaJSON, extra,
	); err != nil {
		return o, eris.Wrap(err, "sqlite: scan offer")
	}
	o.Availability = model.Availability(availability)
	if freshnessMs > 0 {
		ts := time.UnixMilli(freshnessMs).UTC()
		o.FreshnessAt = &ts
	}
	if err := decodeAttrs(&o, tagsJSON, metaJSON); err != nil {
		return o, err
	}
	return o, nil
}
