package rollup

import (
	"context"

	"github.com/sunflower-analytics/ziplisten/internal/models"
)

// ArtistPopularityByGeo keeps the single most played artist per state.
type ArtistPopularityByGeo struct{}

func (ArtistPopularityByGeo) Name() string { return "artist_popularity_by_geo" }

func (ArtistPopularityByGeo) Table() Table {
	return Table{
		Name:          "summary_artist_popularity_by_geo",
		KeyColumns:    []string{"state", "artist"},
		MetricColumns: []string{"play_count", "unique_listeners"},
		// The key includes the artist, so a new winner would otherwise leave
		// the previous one behind.
		PruneStale: true,
	}
}

type artistTally struct {
	artist    string
	plays     int64
	listeners userSet
}

// beats reports whether a ranks above b: more plays, then more distinct
// listeners, then artist name ascending.
func (a *artistTally) beats(b *artistTally) bool {
	if a.plays != b.plays {
		return a.plays > b.plays
	}
	if al, bl := a.listeners.count(), b.listeners.count(); al != bl {
		return al > bl
	}
	return a.artist < b.artist
}

func (b ArtistPopularityByGeo) Build(ctx context.Context, src EventSource) (Result, error) {
	type key struct{ state, artist string }

	var stats BuildStats
	tallies := make(map[key]*artistTally)

	err := src.ScanListens(ctx, func(l models.Listen) error {
		stats.Scanned++
		if l.State == "" || l.Artist == "" || l.UserID == "" {
			stats.Skipped++
			return nil
		}
		k := key{l.State, l.Artist}
		t := tallies[k]
		if t == nil {
			t = &artistTally{artist: l.Artist, listeners: make(userSet)}
			tallies[k] = t
		}
		t.plays++
		t.listeners.add(l.UserID)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	top := make(map[string]*artistTally)
	for k, t := range tallies {
		if cur, ok := top[k.state]; !ok || t.beats(cur) {
			top[k.state] = t
		}
	}

	rows := make([]Row, 0, len(top))
	for state, t := range top {
		rows = append(rows, Row{
			Keys:    []any{state, t.artist},
			Metrics: []any{t.plays, t.listeners.count()},
		})
	}
	sortRows(rows)
	return Result{Rows: rows, Stats: stats}, nil
}
