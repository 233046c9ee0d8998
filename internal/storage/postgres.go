package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sunflower-analytics/ziplisten/internal/database"
	"github.com/sunflower-analytics/ziplisten/internal/rollup"
)

// PostgresSummaryStore is the generic upsert executor for summary tables.
type PostgresSummaryStore struct {
	db *database.PostgresDB
}

// NewPostgresSummaryStore creates a summary store on db.
func NewPostgresSummaryStore(db *database.PostgresDB) *PostgresSummaryStore {
	return &PostgresSummaryStore{db: db}
}

// Upsert replaces the metrics of t for every row, in one transaction: rows
// are COPYed into a temporary stage table, merged with ON CONFLICT, and when
// t.PruneStale is set, target rows whose key was not staged are deleted.
func (s *PostgresSummaryStore) Upsert(ctx context.Context, t rollup.Table, rows []rollup.Row, updatedAt time.Time) (rollup.UpsertResult, error) {
	var res rollup.UpsertResult
	stmts := buildUpsertSQL(t)

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, stmts.createStage); err != nil {
			return fmt.Errorf("failed to create stage table for %s: %w", t.Name, err)
		}

		copied, err := tx.CopyFrom(ctx,
			pgx.Identifier{stmts.stage},
			t.Columns(),
			pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
				return rows[i].Values(), nil
			}),
		)
		if err != nil {
			return fmt.Errorf("failed to stage rows for %s: %w", t.Name, err)
		}
		if copied != int64(len(rows)) {
			return fmt.Errorf("staged %d of %d rows for %s", copied, len(rows), t.Name)
		}

		tag, err := tx.Exec(ctx, stmts.merge, updatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert %s: %w", t.Name, err)
		}
		res.Upserted = tag.RowsAffected()

		if t.PruneStale {
			tag, err := tx.Exec(ctx, stmts.prune)
			if err != nil {
				return fmt.Errorf("failed to prune %s: %w", t.Name, err)
			}
			res.Pruned = tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return rollup.UpsertResult{}, err
	}
	return res, nil
}

// Truncate empties the tables in one statement. Raw tables are never passed
// here.
func (s *PostgresSummaryStore) Truncate(ctx context.Context, tables []rollup.Table) error {
	if len(tables) == 0 {
		return nil
	}
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = pgx.Identifier{t.Name}.Sanitize()
	}

	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+strings.Join(names, ", ")); err != nil {
			return fmt.Errorf("failed to truncate summary tables: %w", err)
		}
		return nil
	})
}

// Columns lists the columns of table in the current schema.
func (s *PostgresSummaryStore) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position
	`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns of %s: %w", table, err)
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	return cols, nil
}

type upsertSQL struct {
	stage       string
	createStage string
	merge       string
	prune       string
}

// buildUpsertSQL renders the statements for t. Identifiers are quoted; the
// only bind parameter is last_updated ($1 in merge).
func buildUpsertSQL(t rollup.Table) upsertSQL {
	q := func(name string) string { return pgx.Identifier{name}.Sanitize() }
	quoteAll := func(names []string) []string {
		out := make([]string, len(names))
		for i, n := range names {
			out[i] = q(n)
		}
		return out
	}

	stage := "stage_" + t.Name
	target := q(t.Name)
	cols := strings.Join(quoteAll(t.Columns()), ", ")
	keys := strings.Join(quoteAll(t.KeyColumns), ", ")

	sets := make([]string, 0, len(t.MetricColumns)+1)
	for _, m := range t.MetricColumns {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", q(m), q(m)))
	}
	sets = append(sets, "last_updated = EXCLUDED.last_updated")

	out := upsertSQL{
		stage: stage,
		// CREATE TABLE AS keeps column types but not NOT NULL constraints,
		// so last_updated can stay out of the stage.
		createStage: fmt.Sprintf("CREATE TEMP TABLE %s ON COMMIT DROP AS SELECT %s FROM %s WITH NO DATA",
			q(stage), cols, target),
		merge: fmt.Sprintf("INSERT INTO %s (%s, last_updated) SELECT %s, $1 FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
			target, cols, cols, q(stage), keys, strings.Join(sets, ", ")),
	}

	if t.PruneStale {
		match := make([]string, len(t.KeyColumns))
		for i, k := range t.KeyColumns {
			match[i] = fmt.Sprintf("s.%s = t.%s", q(k), q(k))
		}
		out.prune = fmt.Sprintf("DELETE FROM %s t WHERE NOT EXISTS (SELECT 1 FROM %s s WHERE %s)",
			target, q(stage), strings.Join(match, " AND "))
	}
	return out
}
