package presence

import (
	"math"
	"strings"

	"homepresence/internal/ha"

	"go.uber.org/zap"
)

// trackerPrefix is the Home Assistant entity-id prefix for device trackers.
const trackerPrefix = "device_tracker."

// DiscoverHATrackers lists device_tracker entities known to the hub and
// registers any that are not yet in the registry, inferring the source type
// from the entity's source_type attribute. Hub failures are logged and
// surfaced as an empty list so a sync failure never crashes the caller.
func (m *Manager) DiscoverHATrackers() []string {
	if m.hub == nil {
		return nil
	}

	states, err := m.hub.GetAllStates()
	if err != nil {
		m.logger.Error("Failed to list hub states for tracker discovery", zap.Error(err))
		return nil
	}

	var discovered []string
	for _, state := range states {
		if !strings.HasPrefix(state.EntityID, trackerPrefix) {
			continue
		}
		discovered = append(discovered, state.EntityID)

		existing, err := m.GetTracker(state.EntityID)
		if err != nil {
			m.logger.Error("Failed to look up tracker during discovery",
				zap.String("entity_id", state.EntityID), zap.Error(err))
			continue
		}
		if existing != nil {
			continue
		}

		sourceType := inferSourceType(state.Attributes)
		displayName := attrString(state.Attributes, "friendly_name")
		if _, err := m.RegisterTracker(state.EntityID, sourceType, displayName, 0); err != nil {
			m.logger.Error("Failed to register discovered tracker",
				zap.String("entity_id", state.EntityID), zap.Error(err))
		}
	}

	m.logger.Info("Tracker discovery complete", zap.Int("found", len(discovered)))
	return discovered
}

// SyncTrackerFromHA fetches one tracker's current hub state and feeds it into
// fusion, deriving distance-from-home from latitude/longitude attributes when
// both the attributes and a home coordinate are available. Returns false on
// any hub failure.
func (m *Manager) SyncTrackerFromHA(entityID string) bool {
	if m.hub == nil {
		return false
	}

	state, err := m.hub.GetState(entityID)
	if err != nil {
		m.logger.Warn("Failed to fetch tracker state from hub",
			zap.String("entity_id", entityID), zap.Error(err))
		return false
	}

	distance := m.distanceFromHome(state.Attributes)
	if err := m.UpdateFromTracker(entityID, state.State, distance); err != nil {
		m.logger.Error("Failed to apply hub tracker reading",
			zap.String("entity_id", entityID), zap.Error(err))
		return false
	}
	return true
}

// ApplyHAState feeds a pushed hub state into fusion, deriving distance the
// same way SyncTrackerFromHA does.
func (m *Manager) ApplyHAState(entityID string, state *ha.State) error {
	if state == nil {
		return nil
	}
	distance := m.distanceFromHome(state.Attributes)
	return m.UpdateFromTracker(entityID, state.State, distance)
}

// SyncAllFromHA syncs every registered tracker from the hub, returning how
// many were applied successfully.
func (m *Manager) SyncAllFromHA() int {
	trackers, err := m.ListTrackers()
	if err != nil {
		m.logger.Error("Failed to list trackers for sync", zap.Error(err))
		return 0
	}

	synced := 0
	for _, tracker := range trackers {
		if m.SyncTrackerFromHA(tracker.EntityID) {
			synced++
		}
	}

	m.logger.Debug("Tracker sync complete",
		zap.Int("synced", synced), zap.Int("total", len(trackers)))
	return synced
}

// distanceFromHome derives the distance in meters between the entity's
// reported coordinate and the configured home coordinate. Returns nil when
// either side is unavailable.
func (m *Manager) distanceFromHome(attributes map[string]interface{}) *float64 {
	if m.homeLat == 0 && m.homeLon == 0 {
		return nil
	}
	lat, ok := attrFloat(attributes, "latitude")
	if !ok {
		return nil
	}
	lon, ok := attrFloat(attributes, "longitude")
	if !ok {
		return nil
	}
	d := haversine(m.homeLat, m.homeLon, lat, lon)
	return &d
}

// inferSourceType maps a hub source_type attribute onto our source types.
func inferSourceType(attributes map[string]interface{}) string {
	switch attrString(attributes, "source_type") {
	case "router":
		return SourceRouter
	case "gps":
		return SourceGPS
	case "bluetooth", "bluetooth_le":
		return SourceBluetooth
	default:
		return SourceUnknown
	}
}

func attrString(attributes map[string]interface{}, key string) string {
	if attributes == nil {
		return ""
	}
	if v, ok := attributes[key].(string); ok {
		return v
	}
	return ""
}

func attrFloat(attributes map[string]interface{}, key string) (float64, bool) {
	if attributes == nil {
		return 0, false
	}
	v, ok := attributes[key].(float64)
	return v, ok
}

const earthRadiusMeters = 6371000.0

// haversine returns the great-circle distance in meters between two
// coordinates.
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180.0
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
