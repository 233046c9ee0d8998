package rollup

import (
	"context"

	"github.com/sunflower-analytics/ziplisten/internal/models"
	"github.com/sunflower-analytics/ziplisten/internal/region"
)

// PlatformUsage counts plays and distinct users per (device class, region).
type PlatformUsage struct{}

func (PlatformUsage) Name() string { return "platform_usage" }

func (PlatformUsage) Table() Table {
	return Table{
		Name:          "summary_platform_usage",
		KeyColumns:    []string{"device_type", "region_name"},
		MetricColumns: []string{"active_users", "play_count"},
	}
}

func (b PlatformUsage) Build(ctx context.Context, src EventSource) (Result, error) {
	type key struct {
		device region.Device
		region region.Region
	}
	type tally struct {
		users userSet
		plays int64
	}

	var stats BuildStats
	tallies := make(map[key]*tally)

	err := src.ScanListens(ctx, func(l models.Listen) error {
		stats.Scanned++
		if l.UserID == "" {
			stats.Skipped++
			return nil
		}
		k := key{region.ClassifyDevice(l.UserAgent), region.Resolve(l.Region, l.State)}
		t := tallies[k]
		if t == nil {
			t = &tally{users: make(userSet)}
			tallies[k] = t
		}
		t.users.add(l.UserID)
		t.plays++
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	rows := make([]Row, 0, len(tallies))
	for k, t := range tallies {
		rows = append(rows, Row{
			Keys:    []any{string(k.device), string(k.region)},
			Metrics: []any{t.users.count(), t.plays},
		})
	}
	sortRows(rows)
	return Result{Rows: rows, Stats: stats}, nil
}
