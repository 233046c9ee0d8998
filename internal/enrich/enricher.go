package enrich

import (
	"context"
	"errors"
	"time"

	"github.com/sunflower-analytics/ziplisten/internal/database"
	"github.com/sunflower-analytics/ziplisten/internal/storage"
	"go.uber.org/zap"
)

// GenreLookup resolves an artist name to a genre.
type GenreLookup interface {
	Genre(ctx context.Context, artist string) (string, error)
}

// Summary counts the outcome of one enrichment pass.
type Summary struct {
	Artists  int
	Updated  int
	NotFound int
	Failed   int
	Rows     int64
	Duration time.Duration
}

// Enricher assigns genres to artists whose listens have none. A failure for
// one artist is logged and leaves its genre unset; the pass carries on.
type Enricher struct {
	store  storage.GenreStore
	lookup GenreLookup
	retry  database.RetryPolicy
	limit  int
	logger *zap.Logger
}

// NewEnricher creates an enricher that handles at most limit artists per
// pass (0 means all).
func NewEnricher(store storage.GenreStore, lookup GenreLookup, retry database.RetryPolicy, limit int, logger *zap.Logger) *Enricher {
	return &Enricher{
		store:  store,
		lookup: lookup,
		retry:  retry,
		limit:  limit,
		logger: logger.With(zap.String("component", "enrich")),
	}
}

// Run performs one pass. It only returns an error when the artist list
// cannot be read or ctx ends.
func (e *Enricher) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	var sum Summary

	var artists []string
	_, err := database.Retry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		artists, err = e.store.ArtistsWithoutGenre(ctx, e.limit)
		return err
	})
	if err != nil {
		return sum, err
	}
	sum.Artists = len(artists)
	e.logger.Info("enriching artists", zap.Int("artists", len(artists)))

	for i, artist := range artists {
		if err := ctx.Err(); err != nil {
			sum.Duration = time.Since(start)
			return sum, err
		}

		genre, err := e.lookup.Genre(ctx, artist)
		switch {
		case errors.Is(err, ErrNotFound):
			sum.NotFound++
			continue
		case err != nil:
			if ctx.Err() != nil {
				sum.Duration = time.Since(start)
				return sum, ctx.Err()
			}
			sum.Failed++
			e.logger.Warn("genre lookup failed", zap.String("artist", artist), zap.Error(err))
			continue
		}

		var n int64
		_, err = database.Retry(ctx, e.retry, func(ctx context.Context) error {
			var err error
			n, err = e.store.SetGenre(ctx, artist, genre)
			return err
		})
		if err != nil {
			sum.Failed++
			e.logger.Warn("genre update failed", zap.String("artist", artist), zap.Error(err))
			continue
		}
		sum.Updated++
		sum.Rows += n

		if (i+1)%100 == 0 {
			e.logger.Info("enrichment progress", zap.Int("done", i+1), zap.Int("total", len(artists)))
		}
	}

	sum.Duration = time.Since(start)
	e.logger.Info("enrichment finished",
		zap.Int("artists", sum.Artists),
		zap.Int("updated", sum.Updated),
		zap.Int("not_found", sum.NotFound),
		zap.Int("failed", sum.Failed),
		zap.Int64("rows", sum.Rows),
		zap.Duration("duration", sum.Duration),
	)
	return sum, nil
}
