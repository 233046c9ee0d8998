package rollup

import (
	"context"

	"github.com/sunflower-analytics/ziplisten/internal/models"
	"github.com/sunflower-analytics/ziplisten/internal/region"
)

// SubscribersByRegion counts distinct users per (region, level) seen in
// status change events.
type SubscribersByRegion struct{}

func (SubscribersByRegion) Name() string { return "subscribers_by_region" }

func (SubscribersByRegion) Table() Table {
	return Table{
		Name:          "summary_subscribers_by_region",
		KeyColumns:    []string{"region_name", "level"},
		MetricColumns: []string{"subscriber_count"},
	}
}

func (b SubscribersByRegion) Build(ctx context.Context, src EventSource) (Result, error) {
	type key struct {
		region region.Region
		level  string
	}

	var stats BuildStats
	users := make(map[key]userSet)

	err := src.ScanStatusChanges(ctx, func(sc models.StatusChange) error {
		stats.Scanned++
		if sc.State == "" || sc.Level == "" || sc.UserID == "" {
			stats.Skipped++
			return nil
		}
		k := key{region.Resolve(sc.Region, sc.State), sc.Level}
		if users[k] == nil {
			users[k] = make(userSet)
		}
		users[k].add(sc.UserID)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	rows := make([]Row, 0, len(users))
	for k, set := range users {
		rows = append(rows, Row{
			Keys:    []any{string(k.region), k.level},
			Metrics: []any{set.count()},
		})
	}
	sortRows(rows)
	return Result{Rows: rows, Stats: stats}, nil
}
