package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesBuiltinDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "/dev/video0", cfg.Camera.Device)
	assert.EqualValues(t, 1280, cfg.Camera.Width)
	assert.Equal(t, "/dev/video1", cfg.Record.Device)
	assert.EqualValues(t, 1920, cfg.Record.Width)
	assert.False(t, cfg.Model.Enabled)
	assert.Equal(t, float32(0.25), cfg.Model.BoxThreshold)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgevision.toml")
	contents := `
log_level = "debug"

[camera]
device = "/dev/video2"
width = 1920
height = 1080

[model]
enabled = true
box_threshold = 0.4
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/dev/video2", cfg.Camera.Device)
	assert.EqualValues(t, 1920, cfg.Camera.Width)
	assert.True(t, cfg.Model.Enabled)
	assert.Equal(t, float32(0.4), cfg.Model.BoxThreshold)
	// Unset sections keep their defaults.
	assert.Equal(t, "/dev/video1", cfg.Record.Device)
}

func TestHealthCheckIntervalDerivesFromSeconds(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5, cfg.HealthCheckSeconds)
	assert.Equal(t, 5_000_000_000, int(cfg.HealthCheckInterval()))
}
