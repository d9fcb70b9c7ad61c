// Package config loads the presence daemon's YAML configuration.
package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the presence_config.yaml structure. Secrets (hub URL and token)
// come from the environment, not from this file.
type Config struct {
	// Home coordinate used to derive distance-from-home for GPS trackers.
	// Leave zero to disable distance-based arriving detection.
	HomeLatitude  float64 `yaml:"home_latitude"`
	HomeLongitude float64 `yaml:"home_longitude"`

	// DatabasePath is the SQLite file holding all presence state.
	DatabasePath string `yaml:"database_path"`

	// APIPort is the HTTP port for the tool-dispatch API.
	APIPort int `yaml:"api_port"`

	// SyncIntervalMinutes is how often registered trackers are reconciled
	// against the hub.
	SyncIntervalMinutes int `yaml:"sync_interval_minutes"`

	// VacuumEntity is the hub entity started after a departure.
	VacuumEntity string `yaml:"vacuum_entity"`
}

// defaults returns a Config with every field at its default.
func defaults() *Config {
	return &Config{
		DatabasePath:        "presence.db",
		APIPort:             8099,
		SyncIntervalMinutes: 5,
		VacuumEntity:        "vacuum.robot",
	}
}

// Load reads the config file at path. A missing file is not an error: the
// defaults are returned so the daemon can start with environment-only setup.
func Load(path string, logger *zap.Logger) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("Config file not found, using defaults", zap.String("path", path))
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return nil, fmt.Errorf("invalid api_port %d", cfg.APIPort)
	}
	if cfg.SyncIntervalMinutes <= 0 {
		return nil, fmt.Errorf("invalid sync_interval_minutes %d", cfg.SyncIntervalMinutes)
	}

	logger.Info("Config loaded",
		zap.String("path", path),
		zap.String("database", cfg.DatabasePath),
		zap.Int("api_port", cfg.APIPort))
	return cfg, nil
}
