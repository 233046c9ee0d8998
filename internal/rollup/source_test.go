package rollup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sunflower-analytics/ziplisten/internal/models"
)

// sliceSource serves events from memory.
type sliceSource struct {
	listens []models.Listen
	changes []models.StatusChange
	err     error
}

func (s *sliceSource) ScanListens(ctx context.Context, fn func(models.Listen) error) error {
	if s.err != nil {
		return s.err
	}
	for _, l := range s.listens {
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}

func (s *sliceSource) ScanStatusChanges(ctx context.Context, fn func(models.StatusChange) error) error {
	if s.err != nil {
		return s.err
	}
	for _, sc := range s.changes {
		if err := fn(sc); err != nil {
			return err
		}
	}
	return nil
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

func listen(user, state, artist string) models.Listen {
	return models.Listen{
		UserID:    user,
		State:     state,
		Artist:    artist,
		Song:      "Song",
		City:      "City",
		Duration:  200,
		Timestamp: day(2024, time.January, 15),
	}
}

// rowMap indexes rows by their joined keys for order-independent lookups.
func rowMap(rows []Row) map[string][]any {
	m := make(map[string][]any, len(rows))
	for _, r := range rows {
		m[keyString(r.Keys)] = r.Metrics
	}
	return m
}

func keyString(keys []any) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		if t, ok := k.(time.Time); ok {
			parts[i] = t.Format("2006-01")
			continue
		}
		parts[i] = fmt.Sprint(k)
	}
	return strings.Join(parts, "|")
}
