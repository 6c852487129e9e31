// Package config provides configuration loading for the aidd memory daemon.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the daemon.
type Config struct {
	// DataDir is the directory holding the per-project database file.
	// Empty means resolve `.aidd` under the active project path.
	DataDir string `koanf:"data_dir"`

	Logging   LoggingConfig   `koanf:"logging"`
	Storage   StorageConfig   `koanf:"storage"`
	Evolution EvolutionConfig `koanf:"evolution"`
	Patterns  PatternsConfig  `koanf:"patterns"`
	Bus       BusConfig       `koanf:"bus"`
	Server    ServerConfig    `koanf:"server"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// StorageConfig controls the embedded SQLite store.
type StorageConfig struct {
	// BusyTimeout absorbs single-writer contention from rapid sequential
	// operations issued by one local process.
	BusyTimeout Duration `koanf:"busy_timeout"`

	// PruneMaxAge is the retention window for pattern-detection telemetry.
	PruneMaxAge Duration `koanf:"prune_max_age"`

	// PruneMaxObservations caps total stored observations.
	PruneMaxObservations int `koanf:"prune_max_observations"`

	// PruneMaxIndexedSessions caps sessions kept in the search index.
	PruneMaxIndexedSessions int `koanf:"prune_max_indexed_sessions"`
}

// EvolutionConfig tunes the pattern-discovery pipeline.
type EvolutionConfig struct {
	// MaxSessions is the number of most-recent completed sessions analyzed.
	MaxSessions int `koanf:"max_sessions"`

	// MinSessionsPerModel gates the model_recommendation detector.
	MinSessionsPerModel int `koanf:"min_sessions_per_model"`

	// MinOccurrences gates recurring-mistake and workflow detectors.
	MinOccurrences int `koanf:"min_occurrences"`

	// AutoApplyThreshold is the confidence at which a candidate is applied
	// without human review (0-100).
	AutoApplyThreshold float64 `koanf:"auto_apply_threshold"`

	// DraftThreshold is the confidence at which a candidate becomes a draft.
	DraftThreshold float64 `koanf:"draft_threshold"`

	// DriftWindow is the number of sessions compared at both ends of a
	// model's history for the drift detector.
	DriftWindow int `koanf:"drift_window"`

	// RejectionCooldown suppresses re-promotion of a pattern ban after a
	// shadow-test rejection.
	RejectionCooldown Duration `koanf:"rejection_cooldown"`

	// ShadowMaxFalsePositiveRate is the acceptance bound for shadow tests.
	ShadowMaxFalsePositiveRate float64 `koanf:"shadow_max_false_positive_rate"`

	// ShadowMinSamples is the sample size below which a shadow test is
	// treated as inconclusive rather than failing.
	ShadowMinSamples int `koanf:"shadow_min_samples"`
}

// PatternsConfig tunes the pattern killer.
type PatternsConfig struct {
	// MinFingerprintChars is the minimum concatenated narrative length
	// before a session fingerprint is computed.
	MinFingerprintChars int `koanf:"min_fingerprint_chars"`

	// ContextWindow is the number of characters captured around a match.
	ContextWindow int `koanf:"context_window"`
}

// BusConfig tunes the in-process event bus.
type BusConfig struct {
	// MaxConsecutiveFailures disables a subscriber past this count.
	MaxConsecutiveFailures int `koanf:"max_consecutive_failures"`
}

// ServerConfig identifies the MCP server implementation.
type ServerConfig struct {
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
}

// TelemetryConfig controls OTLP metric export. Disabled by default so a
// missing collector never degrades the server.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Insecure       bool     `koanf:"insecure"`
	ExportInterval Duration `koanf:"export_interval"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			BusyTimeout:             Duration(5 * time.Second),
			PruneMaxAge:             Duration(30 * 24 * time.Hour),
			PruneMaxObservations:    1000,
			PruneMaxIndexedSessions: 50,
		},
		Evolution: EvolutionConfig{
			MaxSessions:                200,
			MinSessionsPerModel:        5,
			MinOccurrences:             3,
			AutoApplyThreshold:         85,
			DraftThreshold:             60,
			DriftWindow:                5,
			RejectionCooldown:          Duration(7 * 24 * time.Hour),
			ShadowMaxFalsePositiveRate: 0.10,
			ShadowMinSamples:           10,
		},
		Patterns: PatternsConfig{
			MinFingerprintChars: 200,
			ContextWindow:       80,
		},
		Bus: BusConfig{
			MaxConsecutiveFailures: 3,
		},
		Server: ServerConfig{
			Name:    "aidd-memory",
			Version: "dev",
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			Endpoint:       "localhost:4317",
			Insecure:       true,
			ExportInterval: Duration(15 * time.Second),
		},
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	if c.Storage.PruneMaxObservations < 0 {
		return fmt.Errorf("storage.prune_max_observations cannot be negative")
	}
	if c.Storage.PruneMaxIndexedSessions < 0 {
		return fmt.Errorf("storage.prune_max_indexed_sessions cannot be negative")
	}
	if c.Evolution.MaxSessions < 1 {
		return fmt.Errorf("evolution.max_sessions must be at least 1")
	}
	if c.Evolution.AutoApplyThreshold < c.Evolution.DraftThreshold {
		return fmt.Errorf("evolution.auto_apply_threshold (%.0f) must not be below draft_threshold (%.0f)",
			c.Evolution.AutoApplyThreshold, c.Evolution.DraftThreshold)
	}
	if c.Evolution.ShadowMaxFalsePositiveRate < 0 || c.Evolution.ShadowMaxFalsePositiveRate > 1 {
		return fmt.Errorf("evolution.shadow_max_false_positive_rate must be in [0,1]")
	}
	if c.Evolution.DriftWindow < 2 {
		return fmt.Errorf("evolution.drift_window must be at least 2")
	}
	if c.Patterns.MinFingerprintChars < 0 {
		return fmt.Errorf("patterns.min_fingerprint_chars cannot be negative")
	}
	if c.Bus.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("bus.max_consecutive_failures must be at least 1")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	return nil
}
