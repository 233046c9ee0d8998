package rollup

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/sunflower-analytics/ziplisten/internal/models"
)

func TestRankGrowth_ExampleScenario(t *testing.T) {
	current := map[string]int64{"TaylorSwift": 100, "Drake": 80, "NewArtist": 50}
	previous := map[string]int64{"TaylorSwift": 90, "Drake": 85, "NewArtist": 10}

	got := RankGrowth(current, previous)
	want := []models.ArtistGrowth{
		{Artist: "NewArtist", CurrentPlays: 50, PreviousPlays: 10, GrowthPercent: 400},
		{Artist: "TaylorSwift", CurrentPlays: 100, PreviousPlays: 90, GrowthPercent: 11.1},
		{Artist: "Drake", CurrentPlays: 80, PreviousPlays: 85, GrowthPercent: -5.9},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RankGrowth = %+v\nwant %+v", got, want)
	}
}

func TestRankGrowth_EdgeCases(t *testing.T) {
	current := map[string]int64{"Debut": 7, "Steady": 10, "Alpha": 10}
	previous := map[string]int64{"Gone": 4, "Steady": 10, "Alpha": 10}

	got := RankGrowth(current, previous)
	want := []models.ArtistGrowth{
		{Artist: "Debut", CurrentPlays: 7, PreviousPlays: 0, GrowthPercent: 100},
		{Artist: "Alpha", CurrentPlays: 10, PreviousPlays: 10, GrowthPercent: 0},
		{Artist: "Steady", CurrentPlays: 10, PreviousPlays: 10, GrowthPercent: 0},
		{Artist: "Gone", CurrentPlays: 0, PreviousPlays: 4, GrowthPercent: -100},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RankGrowth = %+v\nwant %+v", got, want)
	}

	if out := RankGrowth(nil, nil); len(out) != 0 {
		t.Errorf("empty input gave %v", out)
	}
}

func TestWindowCounts(t *testing.T) {
	now := time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)
	week := 7 * 24 * time.Hour

	src := &sliceSource{listens: []models.Listen{
		{Artist: "Muse", Timestamp: now.Add(-time.Hour)},
		{Artist: "Muse", Timestamp: now.Add(-week)},               // first instant of current window
		{Artist: "Muse", Timestamp: now.Add(-week - time.Second)}, // previous window
		{Artist: "Adele", Timestamp: now.Add(-2 * week)},          // first instant of previous window
		{Artist: "Adele", Timestamp: now.Add(-3 * week)},          // too old
		{Artist: "Adele", Timestamp: now},                         // window end is exclusive
		{Artist: "", Timestamp: now.Add(-time.Hour)},
	}}

	cur, prev, err := WindowCounts(context.Background(), src, now, week)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cur, map[string]int64{"Muse": 2}) {
		t.Errorf("current = %v", cur)
	}
	if !reflect.DeepEqual(prev, map[string]int64{"Muse": 1, "Adele": 1}) {
		t.Errorf("previous = %v", prev)
	}
}

type columnStore struct {
	columns map[string][]string
	err     error
}

func (s *columnStore) Upsert(context.Context, Table, []Row, time.Time) (UpsertResult, error) {
	return UpsertResult{}, nil
}

func (s *columnStore) Truncate(context.Context, []Table) error { return nil }

func (s *columnStore) Columns(_ context.Context, table string) ([]string, error) {
	return s.columns[table], s.err
}

func TestPreflight(t *testing.T) {
	tables := []Table{
		GenreByRegion{}.Table(),
		UserEngagementByContent{Columns: defaultEngagement}.Table(),
	}

	complete := map[string][]string{
		"summary_genre_by_region":            {"region_name", "genre", "listen_count", "last_updated"},
		"summary_user_engagement_by_content": {"content_key", "region_name", "play_count", "unique_listeners", "streaming_hours", "last_updated"},
	}

	t.Run("ok", func(t *testing.T) {
		if err := Preflight(context.Background(), &columnStore{columns: complete}, tables); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("missing columns", func(t *testing.T) {
		cols := map[string][]string{
			"summary_genre_by_region":            complete["summary_genre_by_region"],
			"summary_user_engagement_by_content": {"content_key", "region_name", "play_count", "last_updated"},
		}
		err := Preflight(context.Background(), &columnStore{columns: cols}, tables)

		var se *SchemaError
		if !errors.As(err, &se) {
			t.Fatalf("err = %v, want *SchemaError", err)
		}
		if se.Table != "summary_user_engagement_by_content" {
			t.Errorf("table = %s", se.Table)
		}
		if !reflect.DeepEqual(se.Missing, []string{"unique_listeners", "streaming_hours"}) {
			t.Errorf("missing = %v", se.Missing)
		}
	})

	t.Run("absent table", func(t *testing.T) {
		err := Preflight(context.Background(), &columnStore{columns: map[string][]string{}}, tables[:1])
		var se *SchemaError
		if !errors.As(err, &se) || len(se.Missing) != 4 {
			t.Fatalf("err = %v, want all four columns missing", err)
		}
	})

	t.Run("store error is not a schema error", func(t *testing.T) {
		err := Preflight(context.Background(), &columnStore{err: errors.New("timeout")}, tables)
		var se *SchemaError
		if err == nil || errors.As(err, &se) {
			t.Fatalf("err = %v", err)
		}
	})
}
