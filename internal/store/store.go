// Package store provides the durable SQLite-backed storage for presence
// state, device trackers, transition history, learned patterns and settings.
// All authoritative state lives here; callers never cache it beyond the
// ephemeral fusion-input readings kept by the presence manager.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Default settings seeded at store initialization if absent.
var DefaultSettings = map[string]string{
	"home_zone_radius":   "100",
	"arriving_distance":  "500",
	"vacuum_start_delay": "10",
}

// Store defines the persistence operations consumed by the presence manager.
type Store interface {
	GetPresenceState() (*PresenceState, error)
	SetPresenceState(s *PresenceState) error

	RegisterTracker(t *DeviceTracker) error
	GetTracker(entityID string) (*DeviceTracker, error)
	ListTrackers() ([]*DeviceTracker, error)
	RemoveTracker(entityID string) (bool, error)
	SetTrackerEnabled(entityID string, enabled bool) (bool, error)
	SetTrackerPriority(entityID string, priority int) (bool, error)
	UpdateTrackerReading(entityID, lastState string, at time.Time) error

	AppendHistory(e *HistoryEntry) error
	ListHistory(limit int) ([]*HistoryEntry, error)

	AddPatternSample(p *PatternSample) error
	ListPatternSamples(patternType string, dayOfWeek, limit int) ([]*PatternSample, error)

	GetSetting(key string) (string, bool, error)
	GetSettingFloat(key string) (float64, error)
	SetSetting(key, value string) error
	AllSettings() (map[string]string, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
// Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := s.seedDefaults(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed default settings: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&currentVersion)
	if err != nil {
		// Table doesn't exist yet, run the initial schema.
		if _, err := s.db.Exec(Schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		_, err = s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", SchemaVersion)
		return err
	}

	for v := currentVersion + 1; v <= SchemaVersion; v++ {
		migration, ok := Migrations[v]
		if !ok {
			continue
		}
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", v, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", v, err)
		}
	}
	return nil
}

func (s *SQLiteStore) seedDefaults() error {
	for key, value := range DefaultSettings {
		_, err := s.db.Exec(`
			INSERT INTO presence_settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO NOTHING`, key, value)
		if err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetPresenceState returns the singleton current state, or nil if never set.
func (s *SQLiteStore) GetPresenceState() (*PresenceState, error) {
	p := &PresenceState{}
	var expires sql.NullTime
	err := s.db.QueryRow(`
		SELECT state, source, confidence, updated_at, expires_at
		FROM presence_state WHERE id = 1`).Scan(
		&p.State, &p.Source, &p.Confidence, &p.UpdatedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		p.ExpiresAt = &t
	}
	return p, nil
}

// SetPresenceState upserts the singleton current-state row.
func (s *SQLiteStore) SetPresenceState(p *PresenceState) error {
	var expires interface{}
	if p.ExpiresAt != nil {
		expires = *p.ExpiresAt
	}
	_, err := s.db.Exec(`
		INSERT INTO presence_state (id, state, source, confidence, updated_at, expires_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state, source = excluded.source,
			confidence = excluded.confidence, updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		p.State, p.Source, p.Confidence, p.UpdatedAt, expires)
	return err
}

// RegisterTracker upserts a tracker record keyed by entity id.
func (s *SQLiteStore) RegisterTracker(t *DeviceTracker) error {
	var lastUpdated interface{}
	if t.LastUpdated != nil {
		lastUpdated = *t.LastUpdated
	}
	_, err := s.db.Exec(`
		INSERT INTO device_trackers (entity_id, source_type, display_name, priority, enabled, last_state, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			source_type = excluded.source_type, display_name = excluded.display_name,
			priority = excluded.priority, enabled = excluded.enabled`,
		t.EntityID, t.SourceType, t.DisplayName, t.Priority, t.Enabled, t.LastState, lastUpdated)
	return err
}

// GetTracker returns a tracker by entity id, or nil if not registered.
func (s *SQLiteStore) GetTracker(entityID string) (*DeviceTracker, error) {
	t := &DeviceTracker{}
	var lastUpdated sql.NullTime
	err := s.db.QueryRow(`
		SELECT entity_id, source_type, display_name, priority, enabled, last_state, last_updated
		FROM device_trackers WHERE entity_id = ?`, entityID).Scan(
		&t.EntityID, &t.SourceType, &t.DisplayName, &t.Priority, &t.Enabled,
		&t.LastState, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastUpdated.Valid {
		u := lastUpdated.Time
		t.LastUpdated = &u
	}
	return t, nil
}

// ListTrackers returns all trackers ordered by priority descending.
func (s *SQLiteStore) ListTrackers() ([]*DeviceTracker, error) {
	rows, err := s.db.Query(`
		SELECT entity_id, source_type, display_name, priority, enabled, last_state, last_updated
		FROM device_trackers ORDER BY priority DESC, entity_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trackers []*DeviceTracker
	for rows.Next() {
		t := &DeviceTracker{}
		var lastUpdated sql.NullTime
		if err := rows.Scan(&t.EntityID, &t.SourceType, &t.DisplayName, &t.Priority,
			&t.Enabled, &t.LastState, &lastUpdated); err != nil {
			return nil, err
		}
		if lastUpdated.Valid {
			u := lastUpdated.Time
			t.LastUpdated = &u
		}
		trackers = append(trackers, t)
	}
	return trackers, rows.Err()
}

// RemoveTracker deletes a tracker, reporting whether a row was removed.
func (s *SQLiteStore) RemoveTracker(entityID string) (bool, error) {
	result, err := s.db.Exec("DELETE FROM device_trackers WHERE entity_id = ?", entityID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// SetTrackerEnabled toggles a tracker, reporting whether a row was affected.
func (s *SQLiteStore) SetTrackerEnabled(entityID string, enabled bool) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE device_trackers SET enabled = ? WHERE entity_id = ?`, enabled, entityID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// SetTrackerPriority updates a tracker's fusion priority.
func (s *SQLiteStore) SetTrackerPriority(entityID string, priority int) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE device_trackers SET priority = ? WHERE entity_id = ?`, priority, entityID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// UpdateTrackerReading persists the most recent normalized reading.
func (s *SQLiteStore) UpdateTrackerReading(entityID, lastState string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE device_trackers SET last_state = ?, last_updated = ? WHERE entity_id = ?`,
		lastState, at, entityID)
	return err
}

// AppendHistory appends one transition to the history log.
func (s *SQLiteStore) AppendHistory(e *HistoryEntry) error {
	result, err := s.db.Exec(`
		INSERT INTO presence_history (state, source, confidence, timestamp)
		VALUES (?, ?, ?, ?)`,
		e.State, e.Source, e.Confidence, e.Timestamp)
	if err != nil {
		return err
	}
	e.ID, _ = result.LastInsertId()
	return nil
}

// ListHistory returns the newest history entries, most recent first.
func (s *SQLiteStore) ListHistory(limit int) ([]*HistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, state, source, confidence, timestamp
		FROM presence_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		if err := rows.Scan(&e.ID, &e.State, &e.Source, &e.Confidence, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddPatternSample records one departure/arrival observation.
func (s *SQLiteStore) AddPatternSample(p *PatternSample) error {
	result, err := s.db.Exec(`
		INSERT INTO presence_patterns (pattern_type, day_of_week, hour, minute, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.PatternType, p.DayOfWeek, p.Hour, p.Minute, p.RecordedAt)
	if err != nil {
		return err
	}
	p.ID, _ = result.LastInsertId()
	return nil
}

// ListPatternSamples returns the newest samples for a pattern type and weekday.
func (s *SQLiteStore) ListPatternSamples(patternType string, dayOfWeek, limit int) ([]*PatternSample, error) {
	rows, err := s.db.Query(`
		SELECT id, pattern_type, day_of_week, hour, minute, recorded_at
		FROM presence_patterns
		WHERE pattern_type = ? AND day_of_week = ?
		ORDER BY id DESC LIMIT ?`, patternType, dayOfWeek, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []*PatternSample
	for rows.Next() {
		p := &PatternSample{}
		if err := rows.Scan(&p.ID, &p.PatternType, &p.DayOfWeek, &p.Hour, &p.Minute, &p.RecordedAt); err != nil {
			return nil, err
		}
		samples = append(samples, p)
	}
	return samples, rows.Err()
}

// GetSetting returns a setting value and whether it exists.
func (s *SQLiteStore) GetSetting(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM presence_settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// GetSettingFloat returns a numeric setting, falling back to the seeded
// default when the key is absent.
func (s *SQLiteStore) GetSettingFloat(key string) (float64, error) {
	value, ok, err := s.GetSetting(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		value, ok = DefaultSettings[key]
		if !ok {
			return 0, fmt.Errorf("setting %s not found", key)
		}
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not numeric: %w", key, err)
	}
	return f, nil
}

// SetSetting upserts a setting.
func (s *SQLiteStore) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO presence_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// AllSettings returns every settings row.
func (s *SQLiteStore) AllSettings() (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM presence_settings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
