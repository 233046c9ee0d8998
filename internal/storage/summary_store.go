package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sunflower-analytics/ziplisten/internal/models"
	"github.com/sunflower-analytics/ziplisten/internal/rollup"
)

// InMemorySummaryStore holds summary tables in memory. It implements both
// rollup.Store and SummaryReader with the same semantics as the Postgres
// store and reader.
type InMemorySummaryStore struct {
	mu         sync.RWMutex
	tables     map[string]*memTable
	engagement rollup.EngagementColumns
}

type memTable struct {
	desc rollup.Table
	rows map[string]memRow
}

type memRow struct {
	row     rollup.Row
	updated time.Time
}

// NewInMemorySummaryStore creates a store with every summary table a
// refresh writes.
func NewInMemorySummaryStore(eng rollup.EngagementColumns) *InMemorySummaryStore {
	s := &InMemorySummaryStore{
		tables:     make(map[string]*memTable),
		engagement: eng,
	}
	for _, t := range rollup.Tables(rollup.Builders(eng)) {
		s.tables[t.Name] = &memTable{desc: t, rows: make(map[string]memRow)}
	}
	return s
}

// =============================================
// rollup.Store
// =============================================

func (s *InMemorySummaryStore) Upsert(ctx context.Context, t rollup.Table, rows []rollup.Row, updatedAt time.Time) (rollup.UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return rollup.UpsertResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mt, ok := s.tables[t.Name]
	if !ok {
		return rollup.UpsertResult{}, fmt.Errorf("summary table %s does not exist", t.Name)
	}

	staged := make(map[string]memRow, len(rows))
	for _, r := range rows {
		if len(r.Keys) != len(t.KeyColumns) || len(r.Metrics) != len(t.MetricColumns) {
			return rollup.UpsertResult{}, fmt.Errorf("row for %s has %d keys and %d metrics, want %d and %d",
				t.Name, len(r.Keys), len(r.Metrics), len(t.KeyColumns), len(t.MetricColumns))
		}
		staged[rowKey(r.Keys)] = memRow{row: r, updated: updatedAt}
	}

	var res rollup.UpsertResult
	for k, r := range staged {
		mt.rows[k] = r
		res.Upserted++
	}
	if t.PruneStale {
		for k := range mt.rows {
			if _, ok := staged[k]; !ok {
				delete(mt.rows, k)
				res.Pruned++
			}
		}
	}
	return res, nil
}

func (s *InMemorySummaryStore) Truncate(ctx context.Context, tables []rollup.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range tables {
		if _, ok := s.tables[t.Name]; !ok {
			return fmt.Errorf("summary table %s does not exist", t.Name)
		}
	}
	for _, t := range tables {
		s.tables[t.Name].rows = make(map[string]memRow)
	}
	return nil
}

func (s *InMemorySummaryStore) Columns(ctx context.Context, table string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mt, ok := s.tables[table]
	if !ok {
		return nil, nil
	}
	return append(mt.desc.Columns(), "last_updated"), nil
}

// Rows returns the rows of table sorted by key.
func (s *InMemorySummaryStore) Rows(table string) []rollup.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mt, ok := s.tables[table]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(mt.rows))
	for k := range mt.rows {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]rollup.Row, len(keys))
	for i, k := range keys {
		out[i] = mt.rows[k].row
	}
	return out
}

// LastUpdated returns the newest last_updated stamp in table.
func (s *InMemorySummaryStore) LastUpdated(table string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest time.Time
	if mt, ok := s.tables[table]; ok {
		for _, r := range mt.rows {
			if r.updated.After(latest) {
				latest = r.updated
			}
		}
	}
	return latest
}

func rowKey(keys []any) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		switch v := k.(type) {
		case time.Time:
			parts[i] = v.UTC().Format(time.RFC3339Nano)
		default:
			parts[i] = fmt.Sprint(v)
		}
	}
	return strings.Join(parts, "\x1f")
}

// each calls fn with the column-addressed values of every row in table.
func (s *InMemorySummaryStore) each(table string, fn func(col func(string) any, updated time.Time)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mt, ok := s.tables[table]
	if !ok {
		return
	}
	pos := make(map[string]int)
	for i, c := range mt.desc.Columns() {
		pos[c] = i
	}
	for _, r := range mt.rows {
		vals := r.row.Values()
		fn(func(name string) any {
			i, ok := pos[name]
			if !ok {
				return nil
			}
			return vals[i]
		}, r.updated)
	}
}

// =============================================
// SummaryReader
// =============================================

func (s *InMemorySummaryStore) GenresByRegion(ctx context.Context, region string) ([]models.GenreByRegion, error) {
	var out []models.GenreByRegion
	s.each("summary_genre_by_region", func(col func(string) any, updated time.Time) {
		g := models.GenreByRegion{
			RegionName:  asString(col("region_name")),
			Genre:       asString(col("genre")),
			ListenCount: asInt64(col("listen_count")),
			LastUpdated: updated,
		}
		if region == "" || g.RegionName == region {
			out = append(out, g)
		}
	})
	slices.SortFunc(out, func(a, b models.GenreByRegion) int {
		return cmp.Or(
			cmp.Compare(a.RegionName, b.RegionName),
			cmp.Compare(b.ListenCount, a.ListenCount),
			cmp.Compare(a.Genre, b.Genre),
		)
	})
	return out, nil
}

func (s *InMemorySummaryStore) SubscribersByRegion(ctx context.Context, regionName, level string) ([]models.SubscribersByRegion, error) {
	var out []models.SubscribersByRegion
	s.each("summary_subscribers_by_region", func(col func(string) any, updated time.Time) {
		sub := models.SubscribersByRegion{
			RegionName:      asString(col("region_name")),
			Level:           asString(col("level")),
			SubscriberCount: asInt64(col("subscriber_count")),
			LastUpdated:     updated,
		}
		if (regionName == "" || sub.RegionName == regionName) && (level == "" || sub.Level == level) {
			out = append(out, sub)
		}
	})
	slices.SortFunc(out, func(a, b models.SubscribersByRegion) int {
		return cmp.Or(cmp.Compare(a.RegionName, b.RegionName), cmp.Compare(a.Level, b.Level))
	})
	return out, nil
}

func (s *InMemorySummaryStore) TopArtists(ctx context.Context, state string) ([]models.ArtistPopularity, error) {
	var out []models.ArtistPopularity
	s.each("summary_artist_popularity_by_geo", func(col func(string) any, updated time.Time) {
		a := models.ArtistPopularity{
			State:           asString(col("state")),
			Artist:          asString(col("artist")),
			PlayCount:       asInt64(col("play_count")),
			UniqueListeners: asInt64(col("unique_listeners")),
			LastUpdated:     updated,
		}
		if state == "" || a.State == state {
			out = append(out, a)
		}
	})
	slices.SortFunc(out, func(a, b models.ArtistPopularity) int {
		return cmp.Or(cmp.Compare(b.PlayCount, a.PlayCount), cmp.Compare(a.State, b.State))
	})
	return out, nil
}

func (s *InMemorySummaryStore) ContentEngagement(ctx context.Context, region string, limit int) ([]models.ContentEngagement, error) {
	eng := s.engagement
	if region != "" && eng.Region == "" {
		return nil, ErrFilterUnavailable
	}

	optInt := func(col func(string) any, name string) *int64 {
		if name == "" {
			return nil
		}
		v := asInt64(col(name))
		return &v
	}

	var out []models.ContentEngagement
	s.each("summary_user_engagement_by_content", func(col func(string) any, updated time.Time) {
		c := models.ContentEngagement{
			ContentKey:      asString(col(eng.Content)),
			PlayCount:       optInt(col, eng.PlayCount),
			UniqueListeners: optInt(col, eng.UniqueListeners),
			StreamingHours:  optInt(col, eng.StreamingHours),
			LastUpdated:     updated,
		}
		if eng.Region != "" {
			r := asString(col(eng.Region))
			if region != "" && r != region {
				return
			}
			c.RegionName = &r
		}
		out = append(out, c)
	})

	slices.SortFunc(out, func(a, b models.ContentEngagement) int {
		if eng.PlayCount != "" {
			if c := cmp.Compare(*b.PlayCount, *a.PlayCount); c != 0 {
				return c
			}
		}
		return cmp.Compare(a.ContentKey, b.ContentKey)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemorySummaryStore) Retention(ctx context.Context, cohortMonth string) ([]models.RetentionCohort, error) {
	var out []models.RetentionCohort
	s.each("summary_retention_cohort", func(col func(string) any, updated time.Time) {
		c := models.RetentionCohort{
			CohortMonth: asString(col("cohort_month")),
			Period:      int(asInt64(col("period"))),
			ActiveUsers: asInt64(col("active_users")),
			Upgrades:    asInt64(col("upgrades")),
			Downgrades:  asInt64(col("downgrades")),
			LastUpdated: updated,
		}
		if cohortMonth == "" || c.CohortMonth == cohortMonth {
			out = append(out, c)
		}
	})
	slices.SortFunc(out, func(a, b models.RetentionCohort) int {
		return cmp.Or(cmp.Compare(a.CohortMonth, b.CohortMonth), cmp.Compare(a.Period, b.Period))
	})
	return out, nil
}

func (s *InMemorySummaryStore) CityGrowth(ctx context.Context, state, city string) ([]models.CityGrowth, error) {
	var out []models.CityGrowth
	s.each("summary_city_growth_trends", func(col func(string) any, updated time.Time) {
		c := models.CityGrowth{
			City:           asString(col("city")),
			State:          asString(col("state")),
			Month:          asTime(col("month")),
			NewUsers:       asInt64(col("new_users")),
			StreamingHours: asInt64(col("streaming_hours")),
			LastUpdated:    updated,
		}
		if g, ok := col("percent_growth_mom").(float64); ok {
			c.PercentGrowthMoM = &g
		}
		if (state == "" || c.State == state) && (city == "" || c.City == city) {
			out = append(out, c)
		}
	})
	slices.SortFunc(out, func(a, b models.CityGrowth) int {
		return cmp.Or(
			cmp.Compare(a.State, b.State),
			cmp.Compare(a.City, b.City),
			a.Month.Compare(b.Month),
		)
	})
	return out, nil
}

func (s *InMemorySummaryStore) PlatformUsage(ctx context.Context, deviceType, region string) ([]models.PlatformUsage, error) {
	var out []models.PlatformUsage
	s.each("summary_platform_usage", func(col func(string) any, updated time.Time) {
		p := models.PlatformUsage{
			DeviceType:  asString(col("device_type")),
			RegionName:  asString(col("region_name")),
			ActiveUsers: asInt64(col("active_users")),
			PlayCount:   asInt64(col("play_count")),
			LastUpdated: updated,
		}
		if (deviceType == "" || p.DeviceType == deviceType) && (region == "" || p.RegionName == region) {
			out = append(out, p)
		}
	})
	slices.SortFunc(out, func(a, b models.PlatformUsage) int {
		return cmp.Or(cmp.Compare(a.RegionName, b.RegionName), cmp.Compare(a.DeviceType, b.DeviceType))
	})
	return out, nil
}

func (s *InMemorySummaryStore) DashboardSummary(ctx context.Context) (*models.DashboardSummary, error) {
	summary := &models.DashboardSummary{GeneratedAt: time.Now().UTC()}

	platforms, _ := s.PlatformUsage(ctx, "", "")
	for _, p := range platforms {
		summary.TotalActiveUsers += p.ActiveUsers
		summary.TotalPlays += p.PlayCount
	}

	cities, _ := s.CityGrowth(ctx, "", "")
	for _, c := range cities {
		if c.PercentGrowthMoM == nil {
			continue
		}
		if top := summary.TopGrowthCity; top == nil || topGrowthBeats(c, top) {
			summary.TopGrowthCity = &models.TopGrowthCity{
				City:             c.City,
				State:            c.State,
				Month:            c.Month,
				PercentGrowthMoM: *c.PercentGrowthMoM,
			}
		}
	}
	return summary, nil
}

// topGrowthBeats orders by growth desc, then month desc, then city asc.
func topGrowthBeats(c models.CityGrowth, top *models.TopGrowthCity) bool {
	if g := *c.PercentGrowthMoM; g != top.PercentGrowthMoM {
		return g > top.PercentGrowthMoM
	}
	if !c.Month.Equal(top.Month) {
		return c.Month.After(top.Month)
	}
	return c.City < top.City
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	}
	return 0
}

func asTime(v any) time.Time {
	t, _ := v.(time.Time)
	return t
}
