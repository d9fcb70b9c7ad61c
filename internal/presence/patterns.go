package presence

import (
	"fmt"
	"math"

	"go.uber.org/zap"
)

// maxPatternSamples caps how many recent samples feed a prediction.
const maxPatternSamples = 20

// minPatternSamples is the minimum sample count required for a prediction.
const minPatternSamples = 3

// PredictDeparture predicts the departure time for a weekday (time.Weekday
// numbering, Sunday = 0). Returns nil when fewer than three samples exist
// for that weekday; that is a defined empty result, not an error.
func (m *Manager) PredictDeparture(dayOfWeek int) (*Prediction, error) {
	return m.predict(PatternDeparture, dayOfWeek)
}

// PredictArrival predicts the arrival time for a weekday.
func (m *Manager) PredictArrival(dayOfWeek int) (*Prediction, error) {
	return m.predict(PatternArrival, dayOfWeek)
}

func (m *Manager) predict(patternType string, dayOfWeek int) (*Prediction, error) {
	if dayOfWeek < 0 || dayOfWeek > 6 {
		return nil, fmt.Errorf("invalid day of week %d: must be 0-6", dayOfWeek)
	}

	samples, err := m.store.ListPatternSamples(patternType, dayOfWeek, maxPatternSamples)
	if err != nil {
		return nil, fmt.Errorf("failed to load pattern samples: %w", err)
	}
	if len(samples) < minPatternSamples {
		m.logger.Debug("Not enough pattern samples for prediction",
			zap.String("pattern_type", patternType),
			zap.Int("day_of_week", dayOfWeek),
			zap.Int("samples", len(samples)))
		return nil, nil
	}

	// Mean and variance of minutes-since-midnight across samples.
	var sum float64
	for _, s := range samples {
		sum += float64(s.Hour*60 + s.Minute)
	}
	mean := sum / float64(len(samples))

	var variance float64
	for _, s := range samples {
		d := float64(s.Hour*60+s.Minute) - mean
		variance += d * d
	}
	variance /= float64(len(samples))

	// An hour-squared of spread roughly halves confidence, floored at 0.3.
	confidence := math.Max(0.3, 1.0-variance/3600.0)

	total := int(mean)
	return &Prediction{
		Hour:       total / 60,
		Minute:     total % 60,
		Confidence: confidence,
		DataPoints: len(samples),
	}, nil
}
