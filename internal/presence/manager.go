// Package presence fuses readings from multiple device trackers into a single
// confidence-weighted presence state, persists every transition, learns
// departure/arrival time patterns and notifies registered automations.
package presence

import (
	"fmt"
	"sync"
	"time"

	"homepresence/internal/clock"
	"homepresence/internal/ha"
	"homepresence/internal/store"

	"go.uber.org/zap"
)

// SourceCombined labels states produced by the fusion engine.
const SourceCombined = "combined"

// sourceSystem labels states the manager sets on its own (override resets).
const sourceSystem = "system"

// Callback is a presence transition subscriber. Callbacks run after the new
// state is committed; a panicking callback is logged and does not affect
// other callbacks or the commit.
type Callback func()

// Manager is the presence engine. All mutating operations are serialized by
// a single mutex; callbacks fire after the critical section so a slow
// subscriber cannot stall state updates.
type Manager struct {
	store  store.Store
	hub    ha.Client
	clock  clock.Clock
	logger *zap.Logger

	// Home coordinate for distance-based arriving detection. Zero value
	// disables distance computation during HA sync.
	homeLat float64
	homeLon float64

	mu       sync.Mutex
	readings map[string]reading

	cbMu        sync.Mutex
	onDeparture []Callback
	onArrival   []Callback
}

// NewManager creates a presence manager. hub may be nil when no
// Home Assistant connection is available; HA sync operations then return
// empty results.
func NewManager(st store.Store, hub ha.Client, clk clock.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		store:    st,
		hub:      hub,
		clock:    clk,
		logger:   logger.Named("presence"),
		readings: make(map[string]reading),
	}
}

// SetHomeLocation configures the home coordinate used to derive
// distance-from-home during HA sync.
func (m *Manager) SetHomeLocation(lat, lon float64) {
	m.homeLat = lat
	m.homeLon = lon
}

// RegisterTracker persists or replaces a tracker record. A priority of zero
// or less selects the default for the source type.
func (m *Manager) RegisterTracker(entityID, sourceType, displayName string, priority int) (*store.DeviceTracker, error) {
	if priority <= 0 {
		priority = defaultPriority(sourceType)
	}

	tracker := &store.DeviceTracker{
		EntityID:    entityID,
		SourceType:  sourceType,
		DisplayName: displayName,
		Priority:    priority,
		Enabled:     true,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.RegisterTracker(tracker); err != nil {
		return nil, fmt.Errorf("failed to register tracker %s: %w", entityID, err)
	}

	m.logger.Info("Tracker registered",
		zap.String("entity_id", entityID),
		zap.String("source_type", sourceType),
		zap.Int("priority", priority))

	return tracker, nil
}

// GetTracker returns a tracker by entity id, or nil if not registered.
func (m *Manager) GetTracker(entityID string) (*store.DeviceTracker, error) {
	return m.store.GetTracker(entityID)
}

// ListTrackers returns all trackers ordered by priority descending.
func (m *Manager) ListTrackers() ([]*store.DeviceTracker, error) {
	return m.store.ListTrackers()
}

// RemoveTracker deletes a tracker and drops its cached reading.
func (m *Manager) RemoveTracker(entityID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed, err := m.store.RemoveTracker(entityID)
	if err != nil {
		return false, err
	}
	delete(m.readings, entityID)
	return removed, nil
}

// SetTrackerEnabled toggles a tracker. Disabling also drops its cached
// reading so it stops influencing fusion immediately.
func (m *Manager) SetTrackerEnabled(entityID string, enabled bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	affected, err := m.store.SetTrackerEnabled(entityID, enabled)
	if err != nil {
		return false, err
	}
	if affected && !enabled {
		delete(m.readings, entityID)
	}
	return affected, nil
}

// SetTrackerPriority updates a tracker's fusion priority.
func (m *Manager) SetTrackerPriority(entityID string, priority int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	affected, err := m.store.SetTrackerPriority(entityID, priority)
	if err != nil {
		return false, err
	}
	if affected {
		if r, ok := m.readings[entityID]; ok {
			r.priority = priority
			m.readings[entityID] = r
		}
	}
	return affected, nil
}

// UpdateFromTracker ingests one raw tracker reading. Unknown trackers are
// auto-registered with an "unknown" source type, disabled trackers are
// dropped, and every accepted reading triggers fusion recomputation.
// distanceFromHome, when non-nil, is the tracker's reported distance in
// meters and turns a non-home reading into "arriving" when within the
// configured arriving distance.
func (m *Manager) UpdateFromTracker(entityID, rawState string, distanceFromHome *float64) error {
	m.mu.Lock()

	tracker, err := m.store.GetTracker(entityID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if tracker == nil {
		tracker = &store.DeviceTracker{
			EntityID:   entityID,
			SourceType: SourceUnknown,
			Priority:   defaultPriority(SourceUnknown),
			Enabled:    true,
		}
		if err := m.store.RegisterTracker(tracker); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to auto-register tracker %s: %w", entityID, err)
		}
		m.logger.Info("Auto-registered unknown tracker", zap.String("entity_id", entityID))
	}

	if !tracker.Enabled {
		m.mu.Unlock()
		m.logger.Debug("Dropping reading from disabled tracker",
			zap.String("entity_id", entityID))
		return nil
	}

	normalized, err := m.normalizeReading(rawState, distanceFromHome)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	now := m.clock.Now()
	m.readings[entityID] = reading{
		state:      normalized,
		sourceType: tracker.SourceType,
		priority:   tracker.Priority,
		updatedAt:  now,
	}
	if err := m.store.UpdateTrackerReading(entityID, normalized, now); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to persist reading for %s: %w", entityID, err)
	}

	m.logger.Debug("Tracker reading accepted",
		zap.String("entity_id", entityID),
		zap.String("raw", rawState),
		zap.String("normalized", normalized))

	callbacks, err := m.recomputeFusionLocked()
	m.mu.Unlock()

	m.fire(callbacks)
	return err
}

// normalizeReading maps a raw tracker reading onto a presence state.
func (m *Manager) normalizeReading(rawState string, distanceFromHome *float64) (string, error) {
	switch rawState {
	case "home", "Home":
		return StateHome, nil
	case "not_home", "away", "Away":
		if distanceFromHome != nil {
			arrivingDistance, err := m.store.GetSettingFloat("arriving_distance")
			if err != nil {
				return "", fmt.Errorf("failed to read arriving_distance: %w", err)
			}
			if *distanceFromHome <= arrivingDistance {
				return StateArriving, nil
			}
		}
		return StateAway, nil
	default:
		return StateAway, nil
	}
}

// recomputeFusionLocked combines all cached readings into one fused state and
// commits it. Caller must hold m.mu. Returns callbacks to fire after unlock.
func (m *Manager) recomputeFusionLocked() ([]Callback, error) {
	if len(m.readings) == 0 {
		return nil, nil
	}

	state, confidence := fuse(m.readings)

	m.logger.Debug("Fusion recomputed",
		zap.String("state", state),
		zap.Float64("confidence", confidence),
		zap.Int("readings", len(m.readings)))

	return m.commitLocked(state, SourceCombined, confidence, true, nil)
}

// fuse runs the priority-weighted vote over cached readings. Weight is
// tracker priority times the source type's base confidence; any reading that
// is neither home nor arriving counts as away. Ties fall through to away
// because both leading buckets are compared with strict greater-than.
func fuse(readings map[string]reading) (string, float64) {
	var homeWeight, arrivingWeight, awayWeight float64

	for _, r := range readings {
		weight := float64(r.priority) * baseConfidence(r.sourceType)
		switch r.state {
		case StateHome:
			homeWeight += weight
		case StateArriving:
			arrivingWeight += weight
		default:
			awayWeight += weight
		}
	}

	total := homeWeight + arrivingWeight + awayWeight

	var state string
	var winning float64
	switch {
	case homeWeight > arrivingWeight && homeWeight > awayWeight:
		state, winning = StateHome, homeWeight
	case arrivingWeight > homeWeight && arrivingWeight > awayWeight:
		state, winning = StateArriving, arrivingWeight
	default:
		state, winning = StateAway, awayWeight
	}

	confidence := 0.5
	if total > 0 {
		confidence = winning / total
	}

	// Disagreeing sources reduce trust in the result.
	if homeWeight > 0 && awayWeight > 0 {
		confidence *= 0.8
	}

	return state, confidence
}

// SetPresenceState validates and commits a presence state. A negative
// confidence selects the source's base confidence. When recordHistory is
// true and the state actually changed, a history entry is appended and a
// departure/arrival pattern sample may be recorded.
func (m *Manager) SetPresenceState(state, source string, confidence float64, recordHistory bool) error {
	m.mu.Lock()
	callbacks, err := m.commitLocked(state, source, confidence, recordHistory, nil)
	m.mu.Unlock()

	m.fire(callbacks)
	return err
}

// ManualSetPresence applies a user-asserted override: source "manual",
// confidence 1.0, always logged to history even when the state does not
// change. A positive duration time-boxes the override.
func (m *Manager) ManualSetPresence(state string, duration time.Duration) error {
	var expiresAt *time.Time
	if duration > 0 {
		t := m.clock.Now().Add(duration)
		expiresAt = &t
	}

	m.mu.Lock()
	callbacks, err := m.commitLocked(state, SourceManual, 1.0, true, expiresAt)
	m.mu.Unlock()

	m.fire(callbacks)

	if err == nil {
		m.logger.Info("Manual presence override",
			zap.String("state", state),
			zap.Duration("duration", duration))
	}
	return err
}

// ClearManualOverride drops a manual override. If any tracker readings are
// cached, fusion is recomputed from them; otherwise the state resets to
// unknown at 0.5 confidence.
func (m *Manager) ClearManualOverride() error {
	m.mu.Lock()

	var callbacks []Callback
	var err error
	if len(m.readings) > 0 {
		callbacks, err = m.recomputeFusionLocked()
	} else {
		callbacks, err = m.commitLocked(StateUnknown, sourceSystem, 0.5, true, nil)
	}
	m.mu.Unlock()

	m.fire(callbacks)

	if err == nil {
		m.logger.Info("Manual override cleared")
	}
	return err
}

// CheckOverrideExpiry clears a time-boxed manual override whose expiry has
// passed. Called periodically by the sync loop.
func (m *Manager) CheckOverrideExpiry() error {
	current, err := m.store.GetPresenceState()
	if err != nil {
		return err
	}
	if current == nil || current.Source != SourceManual || current.ExpiresAt == nil {
		return nil
	}
	if m.clock.Now().Before(*current.ExpiresAt) {
		return nil
	}

	m.logger.Info("Manual override expired", zap.Time("expired_at", *current.ExpiresAt))
	return m.ClearManualOverride()
}

// GetPresenceState returns the current fused state, or nil before any commit.
func (m *Manager) GetPresenceState() (*store.PresenceState, error) {
	return m.store.GetPresenceState()
}

// History returns up to limit newest transition log entries.
func (m *Manager) History(limit int) ([]*store.HistoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	return m.store.ListHistory(limit)
}

// Settings returns all settings rows.
func (m *Manager) Settings() (map[string]string, error) {
	return m.store.AllSettings()
}

// SetSetting writes a settings row, creating it if absent.
func (m *Manager) SetSetting(key, value string) error {
	return m.store.SetSetting(key, value)
}

// OnDeparture registers a callback fired when presence transitions from home
// to away or leaving. Callbacks fire in registration order.
func (m *Manager) OnDeparture(cb Callback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onDeparture = append(m.onDeparture, cb)
}

// OnArrival registers a callback fired when presence transitions from away
// or leaving to home or arriving. Callbacks fire in registration order.
func (m *Manager) OnArrival(cb Callback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onArrival = append(m.onArrival, cb)
}

// commitLocked validates state, persists the singleton row and its history /
// pattern side effects, and returns the transition callbacks the caller must
// fire after releasing m.mu. Caller must hold m.mu.
func (m *Manager) commitLocked(state, source string, confidence float64, recordHistory bool, expiresAt *time.Time) ([]Callback, error) {
	if !ValidState(state) {
		return nil, fmt.Errorf("invalid presence state %q: must be one of home, away, arriving, leaving, unknown", state)
	}

	if confidence < 0 {
		confidence = baseConfidence(source)
	}

	// Previous state is needed to detect the transition before mutating.
	previous, err := m.store.GetPresenceState()
	if err != nil {
		return nil, fmt.Errorf("failed to read current state: %w", err)
	}
	previousState := StateUnknown
	hadPrevious := previous != nil
	if hadPrevious {
		previousState = previous.State
	}

	now := m.clock.Now()
	if err := m.store.SetPresenceState(&store.PresenceState{
		State:      state,
		Source:     source,
		Confidence: confidence,
		UpdatedAt:  now,
		ExpiresAt:  expiresAt,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist presence state: %w", err)
	}

	changed := !hadPrevious || previousState != state

	// Manual overrides are user-intentional and always logged, even no-ops.
	if recordHistory && (changed || source == SourceManual) {
		if err := m.store.AppendHistory(&store.HistoryEntry{
			State:      state,
			Source:     source,
			Confidence: confidence,
			Timestamp:  now,
		}); err != nil {
			return nil, fmt.Errorf("failed to append history: %w", err)
		}
	}

	if recordHistory && hadPrevious && changed {
		m.recordPatternLocked(previousState, state, now)
	}

	if !changed {
		return nil, nil
	}

	m.logger.Info("Presence state changed",
		zap.String("previous", previousState),
		zap.String("state", state),
		zap.String("source", source),
		zap.Float64("confidence", confidence))

	return m.transitionCallbacks(previousState, state), nil
}

// recordPatternLocked records a departure/arrival time-of-day sample for a
// qualifying transition. Pattern write failures are logged, not propagated:
// learning is best effort and must not fail the state commit.
func (m *Manager) recordPatternLocked(previousState, state string, now time.Time) {
	var patternType string
	switch {
	case previousState == StateHome && (state == StateAway || state == StateLeaving):
		patternType = PatternDeparture
	case (previousState == StateAway || previousState == StateArriving) && state == StateHome:
		patternType = PatternArrival
	default:
		return
	}

	err := m.store.AddPatternSample(&store.PatternSample{
		PatternType: patternType,
		DayOfWeek:   int(now.Weekday()),
		Hour:        now.Hour(),
		Minute:      now.Minute(),
		RecordedAt:  now,
	})
	if err != nil {
		m.logger.Error("Failed to record pattern sample",
			zap.String("pattern_type", patternType),
			zap.Error(err))
		return
	}

	m.logger.Debug("Pattern sample recorded",
		zap.String("pattern_type", patternType),
		zap.Int("day_of_week", int(now.Weekday())),
		zap.Int("hour", now.Hour()),
		zap.Int("minute", now.Minute()))
}

// transitionCallbacks selects the subscriber list for a transition.
func (m *Manager) transitionCallbacks(previousState, state string) []Callback {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	switch {
	case previousState == StateHome && (state == StateAway || state == StateLeaving):
		return append([]Callback(nil), m.onDeparture...)
	case (previousState == StateAway || previousState == StateLeaving) &&
		(state == StateHome || state == StateArriving):
		return append([]Callback(nil), m.onArrival...)
	}
	return nil
}

// fire invokes callbacks in order, isolating each in its own panic boundary
// so one failing subscriber cannot block the rest. The state commit has
// already happened by this point.
func (m *Manager) fire(callbacks []Callback) {
	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Presence callback panicked", zap.Any("panic", r))
				}
			}()
			cb()
		}()
	}
}
