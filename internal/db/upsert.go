package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a bulk upsert into one table.
type UpsertConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // columns in row order
	ConflictKeys []string // the unique constraint
	UpdateCols   []string // nil updates every non-key column

	// StagingTypes retypes staging columns that COPY cannot encode,
	// e.g. "embedding": "text".
	StagingTypes map[string]string
	// SelectExprs casts staged columns back on insert,
	// e.g. "embedding": "embedding::vector".
	SelectExprs map[string]string
}

// upsertPlan is the SQL for one BulkUpsert call.
type upsertPlan struct {
	cfg     UpsertConfig
	staging string
}

func newUpsertPlan(cfg UpsertConfig) (upsertPlan, error) {
	if len(cfg.Columns) == 0 {
		return upsertPlan{}, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return upsertPlan{}, eris.New("db: upsert: no conflict keys specified")
	}
	if cfg.UpdateCols == nil {
		keys := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			keys[k] = true
		}
		for _, c := range cfg.Columns {
			if !keys[c] {
				cfg.UpdateCols = append(cfg.UpdateCols, c)
			}
		}
	}
	return upsertPlan{
		cfg:     cfg,
		staging: "_tmp_upsert_" + strings.ReplaceAll(cfg.Table, ".", "_"),
	}, nil
}

func (p upsertPlan) createSQL() string {
	return fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		ident(p.staging), tableIdent(p.cfg.Table))
}

// retypeSQL returns one ALTER per staged column, in column order.
func (p upsertPlan) retypeSQL() []string {
	var out []string
	for _, col := range p.cfg.Columns {
		if typ, ok := p.cfg.StagingTypes[col]; ok {
			out = append(out, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s", ident(p.staging), ident(col), typ))
		}
	}
	return out
}

func (p upsertPlan) insertSQL() string {
	cols := make([]string, len(p.cfg.Columns))
	sel := make([]string, len(p.cfg.Columns))
	for i, c := range p.cfg.Columns {
		cols[i] = ident(c)
		sel[i] = cols[i]
		if e, ok := p.cfg.SelectExprs[c]; ok {
			sel[i] = e
		}
	}
	keys := make([]string, len(p.cfg.ConflictKeys))
	for i, k := range p.cfg.ConflictKeys {
		keys[i] = ident(k)
	}
	set := make([]string, len(p.cfg.UpdateCols))
	for i, c := range p.cfg.UpdateCols {
		set[i] = ident(c) + " = EXCLUDED." + ident(c)
	}

	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		tableIdent(p.cfg.Table),
		strings.Join(cols, ", "),
		strings.Join(sel, ", "),
		ident(p.staging),
		strings.Join(keys, ", "),
		strings.Join(set, ", "),
	)
}

// BulkUpsert copies rows into a transaction-scoped staging table and merges
// them into the target with INSERT ... ON CONFLICT DO UPDATE. It returns the
// number of rows inserted or updated.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	plan, err := newUpsertPlan(cfg)
	if err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, plan.createSQL()); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create staging table for %s", cfg.Table)
	}
	for _, stmt := range plan.retypeSQL() {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return 0, eris.Wrapf(err, "db: upsert: retype staging column for %s", cfg.Table)
		}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{plan.staging}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: copy into staging table for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, plan.insertSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", cfg.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// tableIdent quotes a table name, keeping a schema qualifier separate.
func tableIdent(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return ident(table)
}
