package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sunflower-analytics/ziplisten/internal/database"
	"github.com/sunflower-analytics/ziplisten/internal/models"
	"github.com/sunflower-analytics/ziplisten/internal/rollup"
)

// PostgresSummaryReader serves the read API from the summary tables. Every
// method is a single read-committed query.
type PostgresSummaryReader struct {
	db         *database.PostgresDB
	engagement rollup.EngagementColumns
}

// NewPostgresSummaryReader creates a reader. eng must match the columns the
// engagement builder writes.
func NewPostgresSummaryReader(db *database.PostgresDB, eng rollup.EngagementColumns) *PostgresSummaryReader {
	return &PostgresSummaryReader{db: db, engagement: eng}
}

func (r *PostgresSummaryReader) GenresByRegion(ctx context.Context, region string) ([]models.GenreByRegion, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT region_name, genre, listen_count, last_updated
		FROM summary_genre_by_region
		WHERE ($1 = '' OR region_name = $1)
		ORDER BY region_name, listen_count DESC, genre
	`, region)
	if err != nil {
		return nil, fmt.Errorf("failed to query genres by region: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.GenreByRegion, error) {
		var g models.GenreByRegion
		err := row.Scan(&g.RegionName, &g.Genre, &g.ListenCount, &g.LastUpdated)
		return g, err
	})
}

func (r *PostgresSummaryReader) SubscribersByRegion(ctx context.Context, regionName, level string) ([]models.SubscribersByRegion, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT region_name, level, subscriber_count, last_updated
		FROM summary_subscribers_by_region
		WHERE ($1 = '' OR region_name = $1)
		  AND ($2 = '' OR level = $2)
		ORDER BY region_name, level
	`, regionName, level)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscribers by region: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.SubscribersByRegion, error) {
		var s models.SubscribersByRegion
		err := row.Scan(&s.RegionName, &s.Level, &s.SubscriberCount, &s.LastUpdated)
		return s, err
	})
}

func (r *PostgresSummaryReader) TopArtists(ctx context.Context, state string) ([]models.ArtistPopularity, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT state, artist, play_count, unique_listeners, last_updated
		FROM summary_artist_popularity_by_geo
		WHERE ($1 = '' OR state = $1)
		ORDER BY play_count DESC, state
	`, state)
	if err != nil {
		return nil, fmt.Errorf("failed to query top artists: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ArtistPopularity, error) {
		var a models.ArtistPopularity
		err := row.Scan(&a.State, &a.Artist, &a.PlayCount, &a.UniqueListeners, &a.LastUpdated)
		return a, err
	})
}

// ContentEngagement selects only the configured columns. Filtering by
// region without a region column returns ErrFilterUnavailable.
func (r *PostgresSummaryReader) ContentEngagement(ctx context.Context, region string, limit int) ([]models.ContentEngagement, error) {
	if region != "" && r.engagement.Region == "" {
		return nil, ErrFilterUnavailable
	}
	query, args := engagementQuery(r.engagement, region, limit)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query content engagement: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ContentEngagement, error) {
		var c models.ContentEngagement
		dest := []any{&c.ContentKey}
		if r.engagement.Region != "" {
			c.RegionName = new(string)
			dest = append(dest, c.RegionName)
		}
		if r.engagement.PlayCount != "" {
			c.PlayCount = new(int64)
			dest = append(dest, c.PlayCount)
		}
		if r.engagement.UniqueListeners != "" {
			c.UniqueListeners = new(int64)
			dest = append(dest, c.UniqueListeners)
		}
		if r.engagement.StreamingHours != "" {
			c.StreamingHours = new(int64)
			dest = append(dest, c.StreamingHours)
		}
		dest = append(dest, &c.LastUpdated)
		err := row.Scan(dest...)
		return c, err
	})
}

// engagementQuery renders the engagement select. Rows are ordered by play
// count when that column exists, then by content key.
func engagementQuery(eng rollup.EngagementColumns, region string, limit int) (string, []any) {
	q := func(name string) string { return pgx.Identifier{name}.Sanitize() }

	cols := []string{q(eng.Content)}
	for _, c := range []string{eng.Region, eng.PlayCount, eng.UniqueListeners, eng.StreamingHours} {
		if c != "" {
			cols = append(cols, q(c))
		}
	}
	cols = append(cols, "last_updated")

	var (
		sb   strings.Builder
		args []any
	)
	fmt.Fprintf(&sb, "SELECT %s FROM summary_user_engagement_by_content", strings.Join(cols, ", "))
	if region != "" {
		args = append(args, region)
		fmt.Fprintf(&sb, " WHERE %s = $%d", q(eng.Region), len(args))
	}
	if eng.PlayCount != "" {
		fmt.Fprintf(&sb, " ORDER BY %s DESC, %s", q(eng.PlayCount), q(eng.Content))
	} else {
		fmt.Fprintf(&sb, " ORDER BY %s", q(eng.Content))
	}
	if limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	return sb.String(), args
}

func (r *PostgresSummaryReader) Retention(ctx context.Context, cohortMonth string) ([]models.RetentionCohort, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT cohort_month, period, active_users, upgrades, downgrades, last_updated
		FROM summary_retention_cohort
		WHERE ($1 = '' OR cohort_month = $1)
		ORDER BY cohort_month, period
	`, cohortMonth)
	if err != nil {
		return nil, fmt.Errorf("failed to query retention cohorts: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RetentionCohort, error) {
		var c models.RetentionCohort
		var period int32
		err := row.Scan(&c.CohortMonth, &period, &c.ActiveUsers, &c.Upgrades, &c.Downgrades, &c.LastUpdated)
		c.Period = int(period)
		return c, err
	})
}

func (r *PostgresSummaryReader) CityGrowth(ctx context.Context, state, city string) ([]models.CityGrowth, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT city, state, month, new_users, percent_growth_mom::float8, streaming_hours, last_updated
		FROM summary_city_growth_trends
		WHERE ($1 = '' OR state = $1)
		  AND ($2 = '' OR city = $2)
		ORDER BY state, city, month
	`, state, city)
	if err != nil {
		return nil, fmt.Errorf("failed to query city growth: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.CityGrowth, error) {
		var c models.CityGrowth
		err := row.Scan(&c.City, &c.State, &c.Month, &c.NewUsers, &c.PercentGrowthMoM, &c.StreamingHours, &c.LastUpdated)
		return c, err
	})
}

func (r *PostgresSummaryReader) PlatformUsage(ctx context.Context, deviceType, region string) ([]models.PlatformUsage, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT device_type, region_name, active_users, play_count, last_updated
		FROM summary_platform_usage
		WHERE ($1 = '' OR device_type = $1)
		  AND ($2 = '' OR region_name = $2)
		ORDER BY region_name, device_type
	`, deviceType, region)
	if err != nil {
		return nil, fmt.Errorf("failed to query platform usage: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PlatformUsage, error) {
		var p models.PlatformUsage
		err := row.Scan(&p.DeviceType, &p.RegionName, &p.ActiveUsers, &p.PlayCount, &p.LastUpdated)
		return p, err
	})
}

// DashboardSummary totals platform usage and picks the city with the highest
// non-null month-over-month growth.
func (r *PostgresSummaryReader) DashboardSummary(ctx context.Context) (*models.DashboardSummary, error) {
	summary := &models.DashboardSummary{GeneratedAt: time.Now().UTC()}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(active_users), 0)::bigint, COALESCE(SUM(play_count), 0)::bigint
		FROM summary_platform_usage
	`).Scan(&summary.TotalActiveUsers, &summary.TotalPlays)
	if err != nil {
		return nil, fmt.Errorf("failed to total platform usage: %w", err)
	}

	var top models.TopGrowthCity
	err = r.db.Pool.QueryRow(ctx, `
		SELECT city, state, month, percent_growth_mom::float8
		FROM summary_city_growth_trends
		WHERE percent_growth_mom IS NOT NULL
		ORDER BY percent_growth_mom DESC, month DESC, city ASC
		LIMIT 1
	`).Scan(&top.City, &top.State, &top.Month, &top.PercentGrowthMoM)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to find top growth city: %w", err)
	default:
		summary.TopGrowthCity = &top
	}

	return summary, nil
}
