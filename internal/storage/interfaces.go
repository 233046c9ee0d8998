package storage

import (
	"context"
	"errors"

	"github.com/sunflower-analytics/ziplisten/internal/models"
	"github.com/sunflower-analytics/ziplisten/internal/rollup"
)

// =============================================
// RAW EVENT STORE
// =============================================

// EventStore is a raw event source that can also be written to by ingestion.
// The refresh engine only ever reads through rollup.EventSource.
type EventStore interface {
	rollup.EventSource
	EventWriter
}

// EventWriter appends raw events in bulk and returns the number written.
type EventWriter interface {
	InsertListens(ctx context.Context, events []models.Listen) (int64, error)
	InsertAuthEvents(ctx context.Context, events []models.AuthEvent) (int64, error)
	InsertStatusChanges(ctx context.Context, events []models.StatusChange) (int64, error)
	InsertPageViews(ctx context.Context, events []models.PageView) (int64, error)
}

// GenreStore is the slice of the raw store the genre crawler needs.
type GenreStore interface {
	// ArtistsWithoutGenre lists distinct artists that have listens with no
	// genre, at most limit of them (0 means no limit).
	ArtistsWithoutGenre(ctx context.Context, limit int) ([]string, error)
	// SetGenre fills genre on the artist's listens that have none.
	SetGenre(ctx context.Context, artist, genre string) (int64, error)
}

// =============================================
// SUMMARY READER
// =============================================

// ErrFilterUnavailable is returned when a filter targets a column the
// summary table was not configured with.
var ErrFilterUnavailable = errors.New("filter not available for this table")

// SummaryReader serves the read API. Empty filter strings match everything.
type SummaryReader interface {
	GenresByRegion(ctx context.Context, region string) ([]models.GenreByRegion, error)
	SubscribersByRegion(ctx context.Context, regionName, level string) ([]models.SubscribersByRegion, error)
	TopArtists(ctx context.Context, state string) ([]models.ArtistPopularity, error)
	ContentEngagement(ctx context.Context, region string, limit int) ([]models.ContentEngagement, error)
	Retention(ctx context.Context, cohortMonth string) ([]models.RetentionCohort, error)
	CityGrowth(ctx context.Context, state, city string) ([]models.CityGrowth, error)
	PlatformUsage(ctx context.Context, deviceType, region string) ([]models.PlatformUsage, error)
	DashboardSummary(ctx context.Context) (*models.DashboardSummary, error)
}
