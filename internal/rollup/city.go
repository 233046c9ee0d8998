package rollup

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sunflower-analytics/ziplisten/internal/models"
)

// CityGrowthTrends tracks monthly active users per city and their growth
// against the city's previous recorded month.
type CityGrowthTrends struct{}

func (CityGrowthTrends) Name() string { return "city_growth_trends" }

func (CityGrowthTrends) Table() Table {
	return Table{
		Name:          "summary_city_growth_trends",
		KeyColumns:    []string{"city", "state", "month"},
		MetricColumns: []string{"new_users", "percent_growth_mom", "streaming_hours"},
	}
}

type cityMonth struct {
	month   time.Time
	users   userSet
	seconds decimal.Decimal
}

func (b CityGrowthTrends) Build(ctx context.Context, src EventSource) (Result, error) {
	type place struct{ city, state string }

	var stats BuildStats
	series := make(map[place]map[time.Time]*cityMonth)

	err := src.ScanListens(ctx, func(l models.Listen) error {
		stats.Scanned++
		if l.City == "" || l.State == "" || l.UserID == "" {
			stats.Skipped++
			return nil
		}
		p := place{l.City, l.State}
		months := series[p]
		if months == nil {
			months = make(map[time.Time]*cityMonth)
			series[p] = months
		}
		m := monthOf(l.Timestamp)
		cm := months[m]
		if cm == nil {
			cm = &cityMonth{month: m, users: make(userSet)}
			months[m] = cm
		}
		cm.users.add(l.UserID)
		cm.seconds = addSeconds(cm.seconds, l.Duration)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	var rows []Row
	for p, months := range series {
		ordered := make([]*cityMonth, 0, len(months))
		for _, cm := range months {
			ordered = append(ordered, cm)
		}
		slices.SortFunc(ordered, func(a, b *cityMonth) int { return a.month.Compare(b.month) })

		// Growth compares against the previous row of the series, which is
		// not necessarily the previous calendar month.
		var prev int64
		for i, cm := range ordered {
			cur := cm.users.count()
			var growth any
			if i > 0 && prev != 0 {
				growth = percentChange(cur, prev)
			}
			rows = append(rows, Row{
				Keys:    []any{p.city, p.state, cm.month},
				Metrics: []any{cur, growth, hours(cm.seconds)},
			})
			prev = cur
		}
	}
	sortRows(rows)
	return Result{Rows: rows, Stats: stats}, nil
}
