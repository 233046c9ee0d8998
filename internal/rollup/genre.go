package rollup

import (
	"context"

	"github.com/sunflower-analytics/ziplisten/internal/models"
	"github.com/sunflower-analytics/ziplisten/internal/region"
)

// GenreByRegion counts listens per (region, genre).
type GenreByRegion struct{}

func (GenreByRegion) Name() string { return "genre_by_region" }

func (GenreByRegion) Table() Table {
	return Table{
		Name:          "summary_genre_by_region",
		KeyColumns:    []string{"region_name", "genre"},
		MetricColumns: []string{"listen_count"},
	}
}

func (b GenreByRegion) Build(ctx context.Context, src EventSource) (Result, error) {
	type key struct {
		region region.Region
		genre  string
	}

	var stats BuildStats
	counts := make(map[key]int64)

	err := src.ScanListens(ctx, func(l models.Listen) error {
		stats.Scanned++
		if l.State == "" || l.Genre == "" {
			stats.Skipped++
			return nil
		}
		counts[key{region.Resolve(l.Region, l.State), l.Genre}]++
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	rows := make([]Row, 0, len(counts))
	for k, n := range counts {
		rows = append(rows, Row{
			Keys:    []any{string(k.region), k.genre},
			Metrics: []any{n},
		})
	}
	sortRows(rows)
	return Result{Rows: rows, Stats: stats}, nil
}
