package rollup

import (
	"context"
	"time"

	"github.com/sunflower-analytics/ziplisten/internal/models"
)

// CohortMonthLayout is how cohort months are stored: the first day of the
// month as text.
const CohortMonthLayout = "2006-01-02"

// RetentionCohort counts, for each monthly cohort of first listens, the
// users active N months later. upgrades and downgrades are not tracked and
// are always 0.
type RetentionCohort struct{}

func (RetentionCohort) Name() string { return "retention_cohort" }

func (RetentionCohort) Table() Table {
	return Table{
		Name:          "summary_retention_cohort",
		KeyColumns:    []string{"cohort_month", "period"},
		MetricColumns: []string{"active_users", "upgrades", "downgrades"},
	}
}

func (b RetentionCohort) Build(ctx context.Context, src EventSource) (Result, error) {
	type activity struct {
		first  time.Time
		months map[time.Time]struct{}
	}

	var stats BuildStats
	users := make(map[string]*activity)

	err := src.ScanListens(ctx, func(l models.Listen) error {
		stats.Scanned++
		if l.UserID == "" {
			stats.Skipped++
			return nil
		}
		m := monthOf(l.Timestamp)
		a := users[l.UserID]
		if a == nil {
			a = &activity{first: m, months: make(map[time.Time]struct{})}
			users[l.UserID] = a
		}
		if m.Before(a.first) {
			a.first = m
		}
		a.months[m] = struct{}{}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	type key struct {
		cohort string
		period int
	}
	active := make(map[key]int64)
	for _, a := range users {
		cohort := a.first.Format(CohortMonthLayout)
		for m := range a.months {
			// Each user contributes once per month, so counting here is a
			// distinct count.
			active[key{cohort, monthsBetween(a.first, m)}]++
		}
	}

	rows := make([]Row, 0, len(active))
	for k, n := range active {
		rows = append(rows, Row{
			Keys:    []any{k.cohort, k.period},
			Metrics: []any{n, int64(0), int64(0)},
		})
	}
	sortRows(rows)
	return Result{Rows: rows, Stats: stats}, nil
}
