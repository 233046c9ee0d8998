package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sunflower-analytics/ziplisten/internal/database"
	"github.com/sunflower-analytics/ziplisten/internal/models"
	"github.com/sunflower-analytics/ziplisten/internal/region"
)

// PostgresEventStore reads and bulk-loads the raw event tables.
type PostgresEventStore struct {
	db *database.PostgresDB
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
func NewPostgresEventStore(db *database.PostgresDB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// ScanListens streams every listen event. NULL text columns become "".
func (s *PostgresEventStore) ScanListens(ctx context.Context, fn func(models.Listen) error) error {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT artist, song, duration, level, genre, user_id, state, city, region, user_agent, ts
		FROM listen_events
	`)
	if err != nil {
		return fmt.Errorf("failed to query listen events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l                                  models.Listen
			artist, song, level, genre, userID *string
			state, city, reg, userAgent        *string
			duration                           *float64
		)
		if err := rows.Scan(&artist, &song, &duration, &level, &genre, &userID,
			&state, &city, &reg, &userAgent, &l.Timestamp); err != nil {
			return fmt.Errorf("failed to scan listen event: %w", err)
		}

		l.Artist, l.Song, l.Level, l.Genre = deref(artist), deref(song), deref(level), deref(genre)
		l.UserID, l.State, l.City, l.Region = deref(userID), deref(state), deref(city), deref(reg)
		l.UserAgent = deref(userAgent)
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
func (s *PostgresEventStore) ScanStatusChanges(ctx context.Context, fn func(models.StatusChange) error) error {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT level, user_id, state, city, region, ts
		FROM status_change_events
	`)
	if err != nil {
		return fmt.Errorf("failed to query status change events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sc                              models.StatusChange
			level, userID, state, city, reg *string
		)
		if err := rows.Scan(&level, &userID, &state, &city, &reg, &sc.Timestamp); err != nil {
			return fmt.Errorf("failed to scan status change event: %w", err)
		}
		sc.Level, sc.UserID, sc.State, sc.City, sc.Region = deref(level), deref(userID), deref(state), deref(city), deref(reg)

		if err := fn(sc); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read status change events: %w", err)
	}
	return nil
}

// InsertListens bulk-loads listens with COPY.
func (s *PostgresEventStore) InsertListens(ctx context.Context, events []models.Listen) (int64, error) {
	n, err := s.db.Pool.CopyFrom(ctx,
		pgx.Identifier{"listen_events"},
		[]string{"artist", "song", "duration", "level", "genre", "user_id", "state", "city", "region", "user_agent", "ts"},
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			l := events[i]
			return []any{
				nullString(l.Artist), nullString(l.Song), l.Duration, nullString(l.Level), nullString(l.Genre),
				nullString(l.UserID), nullString(l.State), nullString(l.City), nullString(l.Region),
				nullString(l.UserAgent), l.Timestamp,
			}, nil
		}),
	)
	if err != nil {
		return n, fmt.Errorf("failed to copy listen events: %w", err)
	}
	return n, nil
}

// InsertAuthEvents bulk-loads auth events with COPY.
func (s *PostgresEventStore) InsertAuthEvents(ctx context.Context, events []models.AuthEvent) (int64, error) {
	n, err := s.db.Pool.CopyFrom(ctx,
		pgx.Identifier{"auth_events"},
		[]string{"success", "user_id", "state", "city", "region", "level", "ts"},
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			a := events[i]
			return []any{
				a.Success, nullString(a.UserID), nullString(a.State), nullString(a.City),
				nullString(a.Region), nullString(a.Level), a.Timestamp,
			}, nil
		}),
	)
	if err != nil {
		return n, fmt.Errorf("failed to copy auth events: %w", err)
	}
	return n, nil
}

// InsertStatusChanges bulk-loads status changes with COPY.
func (s *PostgresEventStore) InsertStatusChanges(ctx context.Context, events []models.StatusChange) (int64, error) {
	n, err := s.db.Pool.CopyFrom(ctx,
		pgx.Identifier{"status_change_events"},
		[]string{"level", "user_id", "state", "city", "region", "ts"},
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			sc := events[i]
			return []any{
				nullString(sc.Level), nullString(sc.UserID), nullString(sc.State),
				nullString(sc.City), nullString(sc.Region), sc.Timestamp,
			}, nil
		}),
	)
	if err != nil {
		return n, fmt.Errorf("failed to copy status change events: %w", err)
	}
	return n, nil
}

// InsertPageViews bulk-loads page views with COPY.
func (s *PostgresEventStore) InsertPageViews(ctx context.Context, events []models.PageView) (int64, error) {
	n, err := s.db.Pool.CopyFrom(ctx,
		pgx.Identifier{"page_view_events"},
		[]string{"page", "method", "status", "user_agent", "user_id", "state", "city", "region", "level", "ts"},
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			p := events[i]
			return []any{
				nullString(p.Page), nullString(p.Method), int32(p.Status), nullString(p.UserAgent),
				nullString(p.UserID), nullString(p.State), nullString(p.City), nullString(p.Region),
				nullString(p.Level), p.Timestamp,
			}, nil
		}),
	)
	if err != nil {
		return n, fmt.Errorf("failed to copy page view events: %w", err)
	}
	return n, nil
}

// ArtistsWithoutGenre lists distinct artists that have listens with no genre.
func (s *PostgresEventStore) ArtistsWithoutGenre(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT DISTINCT artist FROM listen_events
		WHERE genre IS NULL AND artist IS NOT NULL
		ORDER BY artist
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list artists without genre: %w", err)
	}
	artists, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list artists without genre: %w", err)
	}
	return artists, nil
}

// SetGenre fills genre on the artist's listens that have none.
func (s *PostgresEventStore) SetGenre(ctx context.Context, artist, genre string) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE listen_events SET genre = $2
		WHERE artist = $1 AND genre IS NULL
	`, artist, genre)
	if err != nil {
		return 0, fmt.Errorf("failed to set genre for %q: %w", artist, err)
	}
	return tag.RowsAffected(), nil
}

// BackfillRegions computes region for raw rows loaded without one, using the
// same table as the Go classifier.
func (s *PostgresEventStore) BackfillRegions(ctx context.Context) (int64, error) {
	expr := region.SQLCase("state")

	var total int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, table := range []string{"listen_events", "auth_events", "status_change_events", "page_view_events"} {
			tag, err := tx.Exec(ctx, fmt.Sprintf(
				"UPDATE %s SET region = %s WHERE region IS NULL AND state IS NOT NULL",
				pgx.Identifier{table}.Sanitize(), expr,
			))
			if err != nil {
				return fmt.Errorf("failed to backfill regions in %s: %w", table, err)
			}
			total += tag.RowsAffected()
		}
		return nil
	})
	return total, err
}

// nullString maps the empty string to SQL NULL.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
