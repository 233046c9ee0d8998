package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sunflower-analytics/ziplisten/internal/models"
)

// ClickHouseEventStore reads raw events from ClickHouse tables shaped like
// the Postgres ones. Text columns are Nullable(String).
type ClickHouseEventStore struct {
	conn driver.Conn
}

// NewClickHouseEventStore creates a ClickHouse-backed event source.
func NewClickHouseEventStore(conn driver.Conn) *ClickHouseEventStore {
	return &ClickHouseEventStore{conn: conn}
}

// ScanListens streams every listen event.
func (s *ClickHouseEventStore) ScanListens(ctx context.Context, fn func(models.Listen) error) error {
	rows, err := s.conn.Query(ctx, `
		SELECT artist, song, duration, level, genre, user_id, state, city, region, user_agent, ts
		FROM listen_events
	`)
	if err != nil {
		return fmt.Errorf("failed to query listen events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			artist, song, level, genre, userID *string
			state, city, reg, userAgent        *string
			duration                           *float64
			ts                                 time.Time
		)
		if err := rows.Scan(&artist, &song, &duration, &level, &genre, &userID,
			&state, &city, &reg, &userAgent, &ts); err != nil {
			return fmt.Errorf("failed to scan listen event: %w", err)
		}

		l := models.Listen{
			Artist:    deref(artist),
			Song:      deref(song),
			Level:     deref(level),
			Genre:     deref(genre),
			UserID:    deref(userID),
			State:     deref(state),
			City:      deref(city),
			Region:    deref(reg),
			UserAgent: deref(userAgent),
			Timestamp: ts,
		}
		if duration != nil {
			l.Duration = *duration
		}

		if err := fn(l); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read listen events: %w", err)
	}
	return nil
}

// ScanStatusChanges streams every status change event.
func (s *ClickHouseEventStore) ScanStatusChanges(ctx context.Context, fn func(models.StatusChange) error) error {
	rows, err := s.conn.Query(ctx, `
		SELECT level, user_id, state, city, region, ts
		FROM status_change_events
	`)
	if err != nil {
		return fmt.Errorf("failed to query status change events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			level, userID, state, city, reg *string
			ts                              time.Time
		)
		if err := rows.Scan(&level, &userID, &state, &city, &reg, &ts); err != nil {
			return fmt.Errorf("failed to scan status change event: %w", err)
		}

		sc := models.StatusChange{
			Level:     deref(level),
			UserID:    deref(userID),
			State:     deref(state),
			City:      deref(city),
			Region:    deref(reg),
			Timestamp: ts,
		}
		if err := fn(sc); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read status change events: %w", err)
	}
	return nil
}
