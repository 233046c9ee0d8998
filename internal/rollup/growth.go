package rollup

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/samber/lo"
	"github.com/sunflower-analytics/ziplisten/internal/models"
)

// RankGrowth compares per-artist play counts between two periods and ranks
// artists by growth percentage, highest first, ties broken by name.
//
// Growth is (cur-prev)/prev*100 rounded to one decimal. An artist with no
// previous plays scores 100 if it has any current plays and 0 otherwise.
func RankGrowth(current, previous map[string]int64) []models.ArtistGrowth {
	artists := lo.Uniq(append(lo.Keys(current), lo.Keys(previous)...))

	out := make([]models.ArtistGrowth, 0, len(artists))
	for _, a := range artists {
		cur, prev := current[a], previous[a]
		g := models.ArtistGrowth{Artist: a, CurrentPlays: cur, PreviousPlays: prev}
		switch {
		case prev > 0:
			g.GrowthPercent = percentChange(cur, prev)
		case cur > 0:
			g.GrowthPercent = 100
		}
		out = append(out, g)
	}

	slices.SortFunc(out, func(a, b models.ArtistGrowth) int {
		if c := cmp.Compare(b.GrowthPercent, a.GrowthPercent); c != 0 {
			return c
		}
		return cmp.Compare(a.Artist, b.Artist)
	})
	return out
}

// WindowCounts counts plays per artist in [now-window, now) and in the
// window immediately before it.
func WindowCounts(ctx context.Context, src EventSource, now time.Time, window time.Duration) (current, previous map[string]int64, err error) {
	current = make(map[string]int64)
	previous = make(map[string]int64)

	curStart := now.Add(-window)
	prevStart := curStart.Add(-window)

	err = src.ScanListens(ctx, func(l models.Listen) error {
		if l.Artist == "" {
			return nil
		}
		switch ts := l.Timestamp; {
		case !ts.Before(curStart) && ts.Before(now):
			current[l.Artist]++
		case !ts.Before(prevStart) && ts.Before(curStart):
			previous[l.Artist]++
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return current, previous, nil
}
