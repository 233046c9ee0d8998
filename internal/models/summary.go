package models

import "time"

// ===========================================
// SUMMARY ROWS (read API shapes)
// ===========================================

type GenreByRegion struct {
	RegionName  string    `json:"region_name"`
	Genre       string    `json:"genre"`
	ListenCount int64     `json:"listen_count"`
	LastUpdated time.Time `json:"last_updated"`
}

type SubscribersByRegion struct {
	RegionName      string    `json:"region_name"`
	Level           string    `json:"level"`
	SubscriberCount int64     `json:"subscriber_count"`
	LastUpdated     time.Time `json:"last_updated"`
}

type ArtistPopularity struct {
	State           string    `json:"state"`
	Artist          string    `json:"artist"`
	PlayCount       int64     `json:"play_count"`
	UniqueListeners int64     `json:"unique_listeners"`
	LastUpdated     time.Time `json:"last_updated"`
}

// ContentEngagement fields other than ContentKey are optional; which ones are
// populated depends on the configured engagement columns.
type ContentEngagement struct {
	ContentKey      string    `json:"content_key"`
	RegionName      *string   `json:"region_name,omitempty"`
	PlayCount       *int64    `json:"play_count,omitempty"`
	UniqueListeners *int64    `json:"unique_listeners,omitempty"`
	StreamingHours  *int64    `json:"streaming_hours,omitempty"`
	LastUpdated     time.Time `json:"last_updated"`
}

type RetentionCohort struct {
	CohortMonth string    `json:"cohort_month"` // YYYY-MM-01
	Period      int       `json:"period"`
	ActiveUsers int64     `json:"active_users"`
	Upgrades    int64     `json:"upgrades"`
	Downgrades  int64     `json:"downgrades"`
	LastUpdated time.Time `json:"last_updated"`
}

type CityGrowth struct {
	City             string    `json:"city"`
	State            string    `json:"state"`
	Month            time.Time `json:"month"`
	NewUsers         int64     `json:"new_users"`
	PercentGrowthMoM *float64  `json:"percent_growth_mom"`
	StreamingHours   int64     `json:"streaming_hours"`
	LastUpdated      time.Time `json:"last_updated"`
}

type PlatformUsage struct {
	DeviceType  string    `json:"device_type"`
	RegionName  string    `json:"region_name"`
	ActiveUsers int64     `json:"active_users"`
	PlayCount   int64     `json:"play_count"`
	LastUpdated time.Time `json:"last_updated"`
}

// TopGrowthCity is the single fastest-growing city shown on the dashboard.
type TopGrowthCity struct {
	City             string    `json:"city"`
	State            string    `json:"state"`
	Month            time.Time `json:"month"`
	PercentGrowthMoM float64   `json:"percent_growth_mom"`
}

// DashboardSummary is computed at query time from the platform and city tables.
type DashboardSummary struct {
	TotalActiveUsers int64          `json:"total_active_users"`
	TotalPlays       int64          `json:"total_plays"`
	TopGrowthCity    *TopGrowthCity `json:"top_growth_city"`
	GeneratedAt      time.Time      `json:"generated_at"`
}

// ArtistGrowth is one line of the rising-artists report.
type ArtistGrowth struct {
	Artist        string  `json:"artist"`
	CurrentPlays  int64   `json:"current_plays"`
	PreviousPlays int64   `json:"previous_plays"`
	GrowthPercent float64 `json:"growth_percent"`
}
