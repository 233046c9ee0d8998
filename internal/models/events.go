package models

import (
	"time"
)

// ===========================================
// RAW EVENTS
// ===========================================
//
// Text fields use the empty string for SQL NULL. Region is the value cached
// at load time and may be empty; consumers resolve it with region.Resolve.

// Listen is one played song.
type Listen struct {
	Artist   string  `json:"artist"`
	Song     string  `json:"song"`
	Duration float64 `json:"duration"` // seconds
	Level    string  `json:"level"`
	Genre    string  `json:"genre,omitempty"`

	UserID string `json:"user_id"`
	State  string `json:"state"`
	City   string `json:"city"`
	Region string `json:"region,omitempty"`

	UserAgent string    `json:"user_agent"`
	Timestamp time.Time `json:"ts"`
}

// AuthEvent is a login attempt.
type AuthEvent struct {
	Success bool `json:"success"`

	UserID    string    `json:"user_id"`
	State     string    `json:"state"`
	City      string    `json:"city"`
	Region    string    `json:"region,omitempty"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"ts"`
}

// StatusChange records a subscription level at a point in time.
type StatusChange struct {
	Level string `json:"level"` // free | paid

	UserID    string    `json:"user_id"`
	State     string    `json:"state"`
	City      string    `json:"city"`
	Region    string    `json:"region,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// PageView is a single page request from the client.
type PageView struct {
	Page      string `json:"page"`
	Method    string `json:"method"`
	Status    int    `json:"status"`
	UserAgent string `json:"user_agent"`

	UserID    string    `json:"user_id"`
	State     string    `json:"state"`
	City      string    `json:"city"`
	Region    string    `json:"region,omitempty"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"ts"`
}

// Subscription levels.
const (
	LevelFree = "free"
	LevelPaid = "paid"
)

// ValidLevel reports whether level is free or paid.
func ValidLevel(level string) bool {
	return level == LevelFree || level == LevelPaid
}
