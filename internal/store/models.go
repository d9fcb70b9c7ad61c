package store

import "time"

// PresenceState is the singleton current presence record.
type PresenceState struct {
	State      string     `json:"state"`
	Source     string     `json:"source"`
	Confidence float64    `json:"confidence"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// DeviceTracker is a registered presence signal source.
type DeviceTracker struct {
	EntityID    string     `json:"entity_id"`
	SourceType  string     `json:"source_type"`
	DisplayName string     `json:"display_name,omitempty"`
	Priority    int        `json:"priority"`
	Enabled     bool       `json:"enabled"`
	LastState   string     `json:"last_state,omitempty"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// HistoryEntry is one row of the append-only presence transition log.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	State      string    `json:"state"`
	Source     string    `json:"source"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// PatternSample is one learned departure/arrival time-of-day observation.
type PatternSample struct {
	ID          int64     `json:"id"`
	PatternType string    `json:"pattern_type"`
	DayOfWeek   int       `json:"day_of_week"`
	Hour        int       `json:"hour"`
	Minute      int       `json:"minute"`
	RecordedAt  time.Time `json:"recorded_at"`
}
