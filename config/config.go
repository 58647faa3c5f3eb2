// Package config loads the daemon's TOML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// CameraConfig mirrors v4l2.Config's fields without importing the v4l2
// package, so config stays free of cgo.
type CameraConfig struct {
	Device      string `toml:"device"`
	Width       uint32 `toml:"width"`
	Height      uint32 `toml:"height"`
	Format      string `toml:"format"` // "NV12" etc; resolved by main
	BufferCount int    `toml:"buffer_count"`
	UseDMABUF   bool   `toml:"use_dmabuf"`
}

// RecordConfig controls the dedicated recording sub-pipeline.
type RecordConfig struct {
	Device       string `toml:"device"`
	Width        uint32 `toml:"width"`
	Height       uint32 `toml:"height"`
	SavePath     string `toml:"save_path"`
	SegmentSize  int    `toml:"segment_packets"`
	AutoStart    bool   `toml:"auto_start"`
}

// SnapshotConfig controls the still-capture JPEG encoder.
type SnapshotConfig struct {
	Quality int    `toml:"quality"`
	SaveDir string `toml:"save_dir"`
}

// DisplayConfig controls the DRM/KMS output plane layout.
type DisplayConfig struct {
	Device       string `toml:"device"`
	PrimaryPlane uint32 `toml:"primary_plane"`
	OverlayPlane uint32 `toml:"overlay_plane"`
	CursorPlane  uint32 `toml:"cursor_plane"`
}

// ModelConfig controls the NPU/YOLOv5 detector contract.
type ModelConfig struct {
	Enabled       bool    `toml:"enabled"`
	ModelPath     string  `toml:"model_path"`
	ClassesPath   string  `toml:"classes_path"`
	BoxThreshold  float32 `toml:"box_threshold"`
	NMSThreshold  float32 `toml:"nms_threshold"`
	PoolSize      int     `toml:"pool_size"`
}

// Config is the top-level daemon configuration, loaded from a single
// TOML file.
type Config struct {
	Camera   CameraConfig   `toml:"camera"`
	Record   RecordConfig   `toml:"record"`
	Snapshot SnapshotConfig `toml:"snapshot"`
	Display  DisplayConfig  `toml:"display"`
	Model    ModelConfig    `toml:"model"`

	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`

	HealthCheckSeconds int `toml:"health_check_seconds"`
}

// HealthCheckInterval converts HealthCheckSeconds to a time.Duration.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckSeconds) * time.Second
}

// Default returns the daemon's built-in defaults, matching the
// original's compiled-in constants.
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			Device:      "/dev/video0",
			Width:       1280,
			Height:      720,
			Format:      "NV12",
			BufferCount: 4,
			UseDMABUF:   true,
		},
		Record: RecordConfig{
			Device:      "/dev/video1",
			Width:       1920,
			Height:      1080,
			SavePath:    "/mnt/sdcard/",
			SegmentSize: 300,
			AutoStart:   true,
		},
		Snapshot: SnapshotConfig{
			Quality: 8,
			SaveDir: "/mnt/sdcard",
		},
		Display: DisplayConfig{
			Device: "/dev/dri/card0",
		},
		Model: ModelConfig{
			Enabled:      false,
			ModelPath:    "./yolov5s_relu.rknn",
			ClassesPath:  "./coco_80_labels_list.txt",
			BoxThreshold: 0.25,
			NMSThreshold: 0.45,
			PoolSize:     5,
		},
		LogLevel:           "info",
		HealthCheckSeconds: 5,
	}
}

// Load reads path as TOML over the built-in defaults. A missing file
// is not an error — the caller runs with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}
