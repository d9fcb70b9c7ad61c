// Package tools wraps the presence manager in the uniform envelope consumed
// by the voice/text tool-dispatch layer: every call returns success plus a
// payload, or success=false with a human-readable error. No internal error
// type or stack trace leaks through this boundary.
package tools

import (
	"fmt"
	"time"

	"homepresence/internal/clock"
	"homepresence/internal/presence"
	"homepresence/internal/store"

	"go.uber.org/zap"
)

// Status is embedded in every tool result.
type Status struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func ok() Status {
	return Status{Success: true}
}

func fail(err error) Status {
	return Status{Success: false, Error: err.Error()}
}

// Dispatcher exposes the presence manager as tool operations.
type Dispatcher struct {
	manager *presence.Manager
	clock   clock.Clock
	logger  *zap.Logger
}

// NewDispatcher creates a tool dispatcher over the presence manager.
func NewDispatcher(manager *presence.Manager, clk clock.Clock, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		manager: manager,
		clock:   clk,
		logger:  logger.Named("tools"),
	}
}

// PresenceStatusResult is the get_presence_status payload.
type PresenceStatusResult struct {
	Status
	State      string     `json:"state,omitempty"`
	Source     string     `json:"source,omitempty"`
	Confidence float64    `json:"confidence"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// GetPresenceStatus returns the current fused presence state. Before any
// tracker has reported, the state is "unknown" at 0.5 confidence.
func (d *Dispatcher) GetPresenceStatus() PresenceStatusResult {
	state, err := d.manager.GetPresenceState()
	if err != nil {
		d.logger.Error("get_presence_status failed", zap.Error(err))
		return PresenceStatusResult{Status: fail(err)}
	}
	if state == nil {
		return PresenceStatusResult{
			Status:     ok(),
			State:      presence.StateUnknown,
			Source:     "none",
			Confidence: 0.5,
		}
	}
	updatedAt := state.UpdatedAt
	return PresenceStatusResult{
		Status:     ok(),
		State:      state.State,
		Source:     state.Source,
		Confidence: state.Confidence,
		UpdatedAt:  &updatedAt,
		ExpiresAt:  state.ExpiresAt,
	}
}

// SetModeResult is the set_presence_mode payload.
type SetModeResult struct {
	Status
	State           string `json:"state,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

// SetPresenceMode applies a manual presence override, optionally time-boxed.
func (d *Dispatcher) SetPresenceMode(state string, durationMinutes int) SetModeResult {
	duration := time.Duration(durationMinutes) * time.Minute
	if err := d.manager.ManualSetPresence(state, duration); err != nil {
		return SetModeResult{Status: fail(err)}
	}
	return SetModeResult{Status: ok(), State: state, DurationMinutes: durationMinutes}
}

// ClearResult is the clear_presence_override payload.
type ClearResult struct {
	Status
}

// ClearPresenceOverride drops a manual override and re-fuses tracker input.
func (d *Dispatcher) ClearPresenceOverride() ClearResult {
	if err := d.manager.ClearManualOverride(); err != nil {
		return ClearResult{Status: fail(err)}
	}
	return ClearResult{Status: ok()}
}

// HistoryResult is the get_presence_history payload.
type HistoryResult struct {
	Status
	History []*store.HistoryEntry `json:"history,omitempty"`
	Count   int                   `json:"count"`
}

// GetPresenceHistory returns up to limit newest transitions.
func (d *Dispatcher) GetPresenceHistory(limit int) HistoryResult {
	entries, err := d.manager.History(limit)
	if err != nil {
		d.logger.Error("get_presence_history failed", zap.Error(err))
		return HistoryResult{Status: fail(err)}
	}
	return HistoryResult{Status: ok(), History: entries, Count: len(entries)}
}

// TrackerResult carries one tracker record.
type TrackerResult struct {
	Status
	Tracker *store.DeviceTracker `json:"tracker,omitempty"`
}

// RegisterPresenceTracker registers or replaces a tracker. priority <= 0
// selects the default for the source type.
func (d *Dispatcher) RegisterPresenceTracker(entityID, sourceType, displayName string, priority int) TrackerResult {
	if entityID == "" {
		return TrackerResult{Status: fail(fmt.Errorf("entity_id is required"))}
	}
	tracker, err := d.manager.RegisterTracker(entityID, sourceType, displayName, priority)
	if err != nil {
		return TrackerResult{Status: fail(err)}
	}
	return TrackerResult{Status: ok(), Tracker: tracker}
}

// TrackersResult is the list_presence_trackers payload.
type TrackersResult struct {
	Status
	Trackers []*store.DeviceTracker `json:"trackers,omitempty"`
	Count    int                    `json:"count"`
}

// ListPresenceTrackers returns all trackers, highest priority first.
func (d *Dispatcher) ListPresenceTrackers() TrackersResult {
	trackers, err := d.manager.ListTrackers()
	if err != nil {
		d.logger.Error("list_presence_trackers failed", zap.Error(err))
		return TrackersResult{Status: fail(err)}
	}
	return TrackersResult{Status: ok(), Trackers: trackers, Count: len(trackers)}
}

// AffectedResult reports whether a targeted tracker update matched a row.
type AffectedResult struct {
	Status
	Affected bool `json:"affected"`
}

// RemovePresenceTracker deletes a tracker. Removing an unknown tracker is
// not an error; affected is false.
func (d *Dispatcher) RemovePresenceTracker(entityID string) AffectedResult {
	removed, err := d.manager.RemoveTracker(entityID)
	if err != nil {
		return AffectedResult{Status: fail(err)}
	}
	return AffectedResult{Status: ok(), Affected: removed}
}

// EnablePresenceTracker toggles a tracker's participation in fusion.
func (d *Dispatcher) EnablePresenceTracker(entityID string, enabled bool) AffectedResult {
	affected, err := d.manager.SetTrackerEnabled(entityID, enabled)
	if err != nil {
		return AffectedResult{Status: fail(err)}
	}
	return AffectedResult{Status: ok(), Affected: affected}
}

// SetTrackerPriority changes a tracker's fusion weighting.
func (d *Dispatcher) SetTrackerPriority(entityID string, priority int) AffectedResult {
	if priority <= 0 {
		return AffectedResult{Status: fail(fmt.Errorf("priority must be positive"))}
	}
	affected, err := d.manager.SetTrackerPriority(entityID, priority)
	if err != nil {
		return AffectedResult{Status: fail(err)}
	}
	return AffectedResult{Status: ok(), Affected: affected}
}

// PredictionResult is the predict_departure / predict_arrival payload.
type PredictionResult struct {
	Status
	Prediction *presence.Prediction `json:"prediction,omitempty"`
	DayOfWeek  int                  `json:"day_of_week"`
	// NoData is true when fewer than three samples exist for the weekday.
	NoData bool `json:"no_data,omitempty"`
}

// PredictDeparture predicts the departure time for a weekday. A negative
// day selects today.
func (d *Dispatcher) PredictDeparture(dayOfWeek int) PredictionResult {
	return d.predict(presence.PatternDeparture, dayOfWeek)
}

// PredictArrival predicts the arrival time for a weekday.
func (d *Dispatcher) PredictArrival(dayOfWeek int) PredictionResult {
	return d.predict(presence.PatternArrival, dayOfWeek)
}

func (d *Dispatcher) predict(patternType string, dayOfWeek int) PredictionResult {
	if dayOfWeek < 0 {
		dayOfWeek = int(d.clock.Now().Weekday())
	}

	var prediction *presence.Prediction
	var err error
	if patternType == presence.PatternDeparture {
		prediction, err = d.manager.PredictDeparture(dayOfWeek)
	} else {
		prediction, err = d.manager.PredictArrival(dayOfWeek)
	}
	if err != nil {
		return PredictionResult{Status: fail(err), DayOfWeek: dayOfWeek}
	}
	if prediction == nil {
		return PredictionResult{Status: ok(), DayOfWeek: dayOfWeek, NoData: true}
	}
	return PredictionResult{Status: ok(), DayOfWeek: dayOfWeek, Prediction: prediction}
}

// SettingsResult is the get_presence_settings payload.
type SettingsResult struct {
	Status
	Settings map[string]string `json:"settings,omitempty"`
}

// GetPresenceSettings returns all settings rows.
func (d *Dispatcher) GetPresenceSettings() SettingsResult {
	settings, err := d.manager.Settings()
	if err != nil {
		d.logger.Error("get_presence_settings failed", zap.Error(err))
		return SettingsResult{Status: fail(err)}
	}
	return SettingsResult{Status: ok(), Settings: settings}
}

// SettingResult is the payload for single-setting updates.
type SettingResult struct {
	Status
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

// SetVacuumDelay updates the minutes waited after departure before the
// vacuum automation starts.
func (d *Dispatcher) SetVacuumDelay(minutes int) SettingResult {
	if minutes < 0 {
		return SettingResult{Status: fail(fmt.Errorf("delay must not be negative"))}
	}
	value := fmt.Sprintf("%d", minutes)
	if err := d.manager.SetSetting("vacuum_start_delay", value); err != nil {
		return SettingResult{Status: fail(err)}
	}
	return SettingResult{Status: ok(), Key: "vacuum_start_delay", Value: value}
}

// SetArrivingDistance updates the distance in meters within which a
// non-home reading counts as arriving.
func (d *Dispatcher) SetArrivingDistance(meters int) SettingResult {
	if meters <= 0 {
		return SettingResult{Status: fail(fmt.Errorf("distance must be positive"))}
	}
	value := fmt.Sprintf("%d", meters)
	if err := d.manager.SetSetting("arriving_distance", value); err != nil {
		return SettingResult{Status: fail(err)}
	}
	return SettingResult{Status: ok(), Key: "arriving_distance", Value: value}
}

// DiscoverResult is the discover_ha_trackers payload.
type DiscoverResult struct {
	Status
	Discovered []string `json:"discovered,omitempty"`
	Count      int      `json:"count"`
}

// DiscoverHATrackers lists and auto-registers hub device trackers. A hub
// failure yields an empty result, not an error.
func (d *Dispatcher) DiscoverHATrackers() DiscoverResult {
	discovered := d.manager.DiscoverHATrackers()
	return DiscoverResult{Status: ok(), Discovered: discovered, Count: len(discovered)}
}

// SyncResult is the sync_presence_from_ha payload.
type SyncResult struct {
	Status
	Synced int `json:"synced"`
}

// SyncPresenceFromHA reconciles every registered tracker against the hub.
func (d *Dispatcher) SyncPresenceFromHA() SyncResult {
	return SyncResult{Status: ok(), Synced: d.manager.SyncAllFromHA()}
}
