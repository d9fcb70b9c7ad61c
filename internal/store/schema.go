package store

// SchemaVersion is the current schema version. Bump when adding a migration.
const SchemaVersion = 1

// Schema is the initial database schema.
const Schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS presence_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	state TEXT NOT NULL,
	source TEXT NOT NULL,
	confidence REAL NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS device_trackers (
	entity_id TEXT PRIMARY KEY,
	source_type TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	last_state TEXT NOT NULL DEFAULT '',
	last_updated TIMESTAMP
);

CREATE TABLE IF NOT EXISTS presence_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	state TEXT NOT NULL,
	source TEXT NOT NULL,
	confidence REAL NOT NULL,
	timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_timestamp ON presence_history(timestamp);

CREATE TABLE IF NOT EXISTS presence_patterns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pattern_type TEXT NOT NULL,
	day_of_week INTEGER NOT NULL,
	hour INTEGER NOT NULL,
	minute INTEGER NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_patterns_type_day ON presence_patterns(pattern_type, day_of_week);

CREATE TABLE IF NOT EXISTS presence_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Migrations maps a schema version to the SQL that upgrades to it.
var Migrations = map[int]string{}
