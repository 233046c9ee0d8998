package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/sunflower-analytics/ziplisten/internal/config"
	"go.uber.org/zap"
)

var rawTables = []string{
	`CREATE TABLE IF NOT EXISTS listen_events (
		id          BIGSERIAL PRIMARY KEY,
		artist      TEXT,
		song        TEXT,
		duration    DOUBLE PRECISION,
		level       TEXT,
		genre       TEXT,
		user_id     TEXT,
		state       TEXT,
		city        TEXT,
		region      TEXT,
		user_agent  TEXT,
		ts          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_listen_events_ts ON listen_events (ts)`,
	`CREATE INDEX IF NOT EXISTS idx_listen_events_artist_no_genre ON listen_events (artist) WHERE genre IS NULL`,

	`CREATE TABLE IF NOT EXISTS auth_events (
		id        BIGSERIAL PRIMARY KEY,
		success   BOOLEAN NOT NULL,
		user_id   TEXT,
		state     TEXT,
		city      TEXT,
		region    TEXT,
		level     TEXT,
		ts        TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS status_change_events (
		id        BIGSERIAL PRIMARY KEY,
		level     TEXT,
		user_id   TEXT,
		state     TEXT,
		city      TEXT,
		region    TEXT,
		ts        TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS page_view_events (
		id          BIGSERIAL PRIMARY KEY,
		page        TEXT,
		method      TEXT,
		status      INTEGER,
		user_agent  TEXT,
		user_id     TEXT,
		state       TEXT,
		city        TEXT,
		region      TEXT,
		level       TEXT,
		ts          TIMESTAMPTZ NOT NULL
	)`,
}

var summaryTables = []string{
	`CREATE TABLE IF NOT EXISTS summary_genre_by_region (
		region_name   TEXT NOT NULL,
		genre         TEXT NOT NULL,
		listen_count  BIGINT NOT NULL,
		last_updated  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (region_name, genre)
	)`,
	`CREATE TABLE IF NOT EXISTS summary_subscribers_by_region (
		region_name       TEXT NOT NULL,
		level             TEXT NOT NULL,
		subscriber_count  BIGINT NOT NULL,
		last_updated      TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (region_name, level)
	)`,
	`CREATE TABLE IF NOT EXISTS summary_artist_popularity_by_geo (
		state             TEXT NOT NULL,
		artist            TEXT NOT NULL,
		play_count        BIGINT NOT NULL,
		unique_listeners  BIGINT NOT NULL,
		last_updated      TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (state, artist)
	)`,
	`CREATE TABLE IF NOT EXISTS summary_retention_cohort (
		cohort_month  TEXT NOT NULL,
		period        INTEGER NOT NULL CHECK (period >= 0),
		active_users  BIGINT NOT NULL,
		upgrades      BIGINT NOT NULL DEFAULT 0,
		downgrades    BIGINT NOT NULL DEFAULT 0,
		last_updated  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (cohort_month, period)
	)`,
	`CREATE TABLE IF NOT EXISTS summary_city_growth_trends (
		city                TEXT NOT NULL,
		state               TEXT NOT NULL,
		month               DATE NOT NULL,
		new_users           BIGINT NOT NULL,
		percent_growth_mom  NUMERIC(8,1),
		streaming_hours     BIGINT NOT NULL,
		last_updated        TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (city, state, month)
	)`,
	`CREATE TABLE IF NOT EXISTS summary_platform_usage (
		device_type   TEXT NOT NULL,
		region_name   TEXT NOT NULL,
		active_users  BIGINT NOT NULL,
		play_count    BIGINT NOT NULL,
		last_updated  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (device_type, region_name)
	)`,
}

// EngagementTableDDL renders summary_user_engagement_by_content with the
// configured column names. Empty optional columns are left out.
func EngagementTableDDL(cols config.EngagementConfig) string {
	q := func(name string) string { return pgx.Identifier{name}.Sanitize() }

	defs := []string{q(cols.ContentColumn) + " TEXT NOT NULL"}
	pk := []string{q(cols.ContentColumn)}
	if cols.RegionColumn != "" {
		defs = append(defs, q(cols.RegionColumn)+" TEXT NOT NULL")
		pk = append(pk, q(cols.RegionColumn))
	}
	for _, c := range []string{cols.PlayCountColumn, cols.UniqueListenersColumn, cols.StreamingHoursColumn} {
		if c != "" {
			defs = append(defs, q(c)+" BIGINT NOT NULL")
		}
	}
	defs = append(defs,
		"last_updated TIMESTAMPTZ NOT NULL",
		"PRIMARY KEY ("+strings.Join(pk, ", ")+")",
	)

	return "CREATE TABLE IF NOT EXISTS summary_user_engagement_by_content (\n\t\t" +
		strings.Join(defs, ",\n\t\t") + "\n\t)"
}

// Migrate creates the raw and summary tables if they do not exist. It is
// safe to run repeatedly.
func Migrate(ctx context.Context, db *PostgresDB, eng config.EngagementConfig) error {
	stmts := make([]string, 0, len(rawTables)+len(summaryTables)+1)
	stmts = append(stmts, rawTables...)
	stmts = append(stmts, summaryTables...)
	stmts = append(stmts, EngagementTableDDL(eng))

	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply migration %q: %w", firstLine(stmt), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	db.logger.Info("migrations applied", zap.Int("statements", len(stmts)))
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
