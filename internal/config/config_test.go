package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 5*time.Second, cfg.Storage.BusyTimeout.Duration())
	assert.Equal(t, 30*24*time.Hour, cfg.Storage.PruneMaxAge.Duration())
	assert.Equal(t, 1000, cfg.Storage.PruneMaxObservations)
	assert.Equal(t, 50, cfg.Storage.PruneMaxIndexedSessions)
	assert.Equal(t, 200, cfg.Evolution.MaxSessions)
	assert.Equal(t, float64(85), cfg.Evolution.AutoApplyThreshold)
	assert.Equal(t, float64(60), cfg.Evolution.DraftThreshold)
	assert.Equal(t, 200, cfg.Patterns.MinFingerprintChars)
	assert.Equal(t, 3, cfg.Bus.MaxConsecutiveFailures)

	require.NoError(t, cfg.Validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "thresholds inverted",
			mutate:  func(c *Config) { c.Evolution.AutoApplyThreshold = 50 },
			wantErr: "auto_apply_threshold",
		},
		{
			name:    "shadow rate out of range",
			mutate:  func(c *Config) { c.Evolution.ShadowMaxFalsePositiveRate = 1.5 },
			wantErr: "shadow_max_false_positive_rate",
		},
		{
			name:    "drift window too small",
			mutate:  func(c *Config) { c.Evolution.DriftWindow = 1 },
			wantErr: "drift_window",
		},
		{
			name:    "breaker threshold zero",
			mutate:  func(c *Config) { c.Bus.MaxConsecutiveFailures = 0 },
			wantErr: "max_consecutive_failures",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
evolution:
  draft_threshold: 55
`), 0o600))

	t.Setenv("AIDD_LOGGING_FORMAT", "console")
	t.Setenv("AIDD_EVOLUTION_MIN_OCCURRENCES", "4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, float64(55), cfg.Evolution.DraftThreshold)
	assert.Equal(t, 4, cfg.Evolution.MinOccurrences)
	// Untouched values keep defaults.
	assert.Equal(t, 200, cfg.Evolution.MaxSessions)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: ["), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.Error(t, d.UnmarshalText([]byte("-5s")))
	require.Error(t, d.UnmarshalText([]byte("banana")))
}
