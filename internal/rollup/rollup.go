// Package rollup turns the raw event history into the rows of the summary
// tables.
//
// Each Builder is a pure function of an EventSource: it scans events,
// groups them in memory and returns the full set of rows for its table,
// sorted by key. Writing is left to a Store, which interprets the Table
// descriptor to upsert rows generically, so builders never contain SQL.
package rollup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sunflower-analytics/ziplisten/internal/models"
)

// Table describes a summary table for the generic upsert executor.
type Table struct {
	Name          string
	KeyColumns    []string
	MetricColumns []string
	// PruneStale deletes rows whose key is absent from the latest build.
	PruneStale bool
}

// Columns returns key columns followed by metric columns.
func (t Table) Columns() []string {
	cols := make([]string, 0, len(t.KeyColumns)+len(t.MetricColumns))
	cols = append(cols, t.KeyColumns...)
	return append(cols, t.MetricColumns...)
}

// Row is one summary row. Keys and Metrics line up with the table's
// KeyColumns and MetricColumns. A nil metric is written as NULL.
type Row struct {
	Keys    []any
	Metrics []any
}

// Values returns keys followed by metrics.
func (r Row) Values() []any {
	vals := make([]any, 0, len(r.Keys)+len(r.Metrics))
	vals = append(vals, r.Keys...)
	return append(vals, r.Metrics...)
}

// BuildStats counts what a builder read.
type BuildStats struct {
	Scanned int64
	// Skipped events lacked a field required by the builder's grouping key.
	Skipped int64
}

// Result is the output of one Build.
type Result struct {
	Rows  []Row
	Stats BuildStats
}

// EventSource streams raw events. Implementations call fn once per event and
// stop at the first error fn returns.
type EventSource interface {
	ScanListens(ctx context.Context, fn func(models.Listen) error) error
	ScanStatusChanges(ctx context.Context, fn func(models.StatusChange) error) error
}

// Builder computes the full contents of one summary table.
type Builder interface {
	Name() string
	Table() Table
	Build(ctx context.Context, src EventSource) (Result, error)
}

// UpsertResult reports what a Store.Upsert changed.
type UpsertResult struct {
	Upserted int64
	Pruned   int64
}

// Store is the write side of the summary store.
type Store interface {
	// Upsert writes rows in a single transaction, stamping last_updated.
	Upsert(ctx context.Context, t Table, rows []Row, updatedAt time.Time) (UpsertResult, error)
	// Truncate empties the given tables in a single transaction.
	Truncate(ctx context.Context, tables []Table) error
	// Columns lists the columns of a table; an absent table has none.
	Columns(ctx context.Context, table string) ([]string, error)
}

// SchemaError means a summary table lacks columns a builder writes. It is
// fatal for the whole run.
type SchemaError struct {
	Table   string
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("summary table %s is missing columns: %s", e.Table, strings.Join(e.Missing, ", "))
}

// Preflight checks that every table exists with every column its builder
// writes, including last_updated. It returns the first *SchemaError found.
func Preflight(ctx context.Context, store Store, tables []Table) error {
	for _, t := range tables {
		have, err := store.Columns(ctx, t.Name)
		if err != nil {
			return fmt.Errorf("failed to read columns of %s: %w", t.Name, err)
		}

		present := make(map[string]bool, len(have))
		for _, c := range have {
			present[c] = true
		}

		var missing []string
		for _, c := range append(t.Columns(), "last_updated") {
			if !present[c] {
				missing = append(missing, c)
			}
		}
		if len(missing) > 0 {
			return &SchemaError{Table: t.Name, Missing: missing}
		}
	}
	return nil
}

// Tables returns the descriptors of the given builders.
func Tables(builders []Builder) []Table {
	tables := make([]Table, len(builders))
	for i, b := range builders {
		tables[i] = b.Table()
	}
	return tables
}
