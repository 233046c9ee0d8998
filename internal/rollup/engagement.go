package rollup

import (
	"context"
	"errors"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/sunflower-analytics/ziplisten/internal/config"
	"github.com/sunflower-analytics/ziplisten/internal/models"
	"github.com/sunflower-analytics/ziplisten/internal/region"
)

// ErrNoContentColumn is returned when the engagement table has no column to
// hold the content key.
var ErrNoContentColumn = errors.New("engagement content column is not configured")

// EngagementColumns names the columns of the engagement table. Empty
// optional columns are neither computed nor written.
type EngagementColumns struct {
	Content         string
	Region          string
	PlayCount       string
	UniqueListeners string
	StreamingHours  string
}

// EngagementColumnsFromConfig resolves the column set once at startup.
func EngagementColumnsFromConfig(cfg config.EngagementConfig) (EngagementColumns, error) {
	cols := EngagementColumns{
		Content:         cfg.ContentColumn,
		Region:          cfg.RegionColumn,
		PlayCount:       cfg.PlayCountColumn,
		UniqueListeners: cfg.UniqueListenersColumn,
		StreamingHours:  cfg.StreamingHoursColumn,
	}
	if cols.Content == "" {
		return EngagementColumns{}, ErrNoContentColumn
	}
	return cols, nil
}

// UserEngagementByContent aggregates listens per "Artist - Song".
type UserEngagementByContent struct {
	Columns EngagementColumns
}

func (UserEngagementByContent) Name() string { return "user_engagement_by_content" }

func (b UserEngagementByContent) Table() Table {
	return Table{
		Name:          "summary_user_engagement_by_content",
		KeyColumns:    lo.Compact([]string{b.Columns.Content, b.Columns.Region}),
		MetricColumns: lo.Compact([]string{b.Columns.PlayCount, b.Columns.UniqueListeners, b.Columns.StreamingHours}),
	}
}

// ContentKey joins artist and song, substituting "Unknown" for either.
func ContentKey(artist, song string) string {
	return lo.CoalesceOrEmpty(artist, "Unknown") + " - " + lo.CoalesceOrEmpty(song, "Unknown")
}

type engagementTally struct {
	plays     int64
	listeners userSet
	seconds   decimal.Decimal
}

func (b UserEngagementByContent) Build(ctx context.Context, src EventSource) (Result, error) {
	if b.Columns.Content == "" {
		return Result{}, ErrNoContentColumn
	}
	byRegion := b.Columns.Region != ""

	type key struct {
		content string
		region  region.Region
	}

	var stats BuildStats
	tallies := make(map[key]*engagementTally)

	err := src.ScanListens(ctx, func(l models.Listen) error {
		stats.Scanned++
		if l.UserID == "" {
			stats.Skipped++
			return nil
		}
		k := key{content: ContentKey(l.Artist, l.Song)}
		if byRegion {
			k.region = region.Resolve(l.Region, l.State)
		}
		t := tallies[k]
		if t == nil {
			t = &engagementTally{listeners: make(userSet)}
			tallies[k] = t
		}
		t.plays++
		t.listeners.add(l.UserID)
		t.seconds = addSeconds(t.seconds, l.Duration)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	rows := make([]Row, 0, len(tallies))
	for k, t := range tallies {
		keys := []any{k.content}
		if byRegion {
			keys = append(keys, string(k.region))
		}

		var metrics []any
		if b.Columns.PlayCount != "" {
			metrics = append(metrics, t.plays)
		}
		if b.Columns.UniqueListeners != "" {
			metrics = append(metrics, t.listeners.count())
		}
		if b.Columns.StreamingHours != "" {
			metrics = append(metrics, hours(t.seconds))
		}

		rows = append(rows, Row{Keys: keys, Metrics: metrics})
	}
	sortRows(rows)
	return Result{Rows: rows, Stats: stats}, nil
}
