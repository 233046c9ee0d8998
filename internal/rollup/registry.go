package rollup

// Builders returns every builder in the order a refresh runs them.
func Builders(eng EngagementColumns) []Builder {
	return []Builder{
		GenreByRegion{},
		SubscribersByRegion{},
		ArtistPopularityByGeo{},
		UserEngagementByContent{Columns: eng},
		RetentionCohort{},
		CityGrowthTrends{},
		PlatformUsage{},
	}
}
