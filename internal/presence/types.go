package presence

import "time"

// Presence states.
const (
	StateHome     = "home"
	StateAway     = "away"
	StateArriving = "arriving"
	StateLeaving  = "leaving"
	StateUnknown  = "unknown"
)

// Tracker source types.
const (
	SourceRouter    = "router"
	SourceGPS       = "gps"
	SourceBluetooth = "bluetooth"
	SourceManual    = "manual"
	SourcePattern   = "pattern"
	SourceUnknown   = "unknown"
)

// Pattern types.
const (
	PatternDeparture = "departure"
	PatternArrival   = "arrival"
)

// validStates is the complete set of committable presence states.
var validStates = map[string]bool{
	StateHome:     true,
	StateAway:     true,
	StateArriving: true,
	StateLeaving:  true,
	StateUnknown:  true,
}

// ValidState reports whether state is one of the five presence states.
func ValidState(state string) bool {
	return validStates[state]
}

// DefaultPriorities maps a source type to its default fusion priority.
// Higher priority means more trusted.
var DefaultPriorities = map[string]int{
	SourceManual:    15,
	SourceRouter:    10,
	SourceBluetooth: 8,
	SourceGPS:       5,
	SourcePattern:   2,
	SourceUnknown:   1,
}

// BaseConfidences maps a source type to the intrinsic reliability of that
// kind of signal. Multiplied with tracker priority to form fusion weights.
var BaseConfidences = map[string]float64{
	SourceManual:    1.00,
	SourceRouter:    0.95,
	SourceBluetooth: 0.85,
	SourceGPS:       0.80,
	SourcePattern:   0.60,
	SourceUnknown:   0.50,
}

// fallbackConfidence is used when a source has no base-confidence entry.
const fallbackConfidence = 0.5

// defaultPriority returns the default priority for a source type (1 for
// unrecognized types).
func defaultPriority(sourceType string) int {
	if p, ok := DefaultPriorities[sourceType]; ok {
		return p
	}
	return DefaultPriorities[SourceUnknown]
}

// baseConfidence returns the base confidence for a source label.
func baseConfidence(source string) float64 {
	if c, ok := BaseConfidences[source]; ok {
		return c
	}
	return fallbackConfidence
}

// reading is one cached, normalized tracker observation. Readings are the
// ephemeral input to fusion; they are lost on restart and rebuilt as
// trackers report again.
type reading struct {
	state      string
	sourceType string
	priority   int
	updatedAt  time.Time
}

// Prediction is the result of pattern-based departure/arrival prediction.
type Prediction struct {
	Hour       int     `json:"hour"`
	Minute     int     `json:"minute"`
	Confidence float64 `json:"confidence"`
	DataPoints int     `json:"data_points"`
}
