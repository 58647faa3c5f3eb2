// edgevision runs the capture/convert/encode/display daemon: a
// live-preview camera composited onto a DRM plane, a parallel video
// recorder, still capture on demand, and an optional NPU inference
// branch.
//
// Usage:
//
//	edgevision [--config <path>] [--drm-device <path>] [--log-level <level>]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/sweerit/edgevision"
	"github.com/sweerit/edgevision/config"
	"github.com/sweerit/edgevision/dmabuf"
	"github.com/sweerit/edgevision/drm"
	"github.com/sweerit/edgevision/v4l2"
	"github.com/sweerit/edgevision/vision"
)

func main() {
	configPath := flag.String("config", "/etc/edgevision/edgevision.toml", "path to the TOML config file")
	drmDevice := flag.String("drm-device", "", "override the DRM render node from the config file")
	logLevel := flag.String("log-level", "", "override the log level from the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "edgevision:", err)
		os.Exit(1)
	}
	if *drmDevice != "" {
		cfg.Display.Device = *drmDevice
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := setupLogging(cfg)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("edgevision exited with an error")
	}
}

func setupLogging(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			log.WithError(err).Warn("failed to open log file, logging to stderr only")
		} else {
			log.SetOutput(f)
		}
	}
	return log
}

func run(cfg *config.Config, log *logrus.Logger) error {
	camFmt, ok := v4l2.ParsePixFmt(cfg.Camera.Format)
	if !ok {
		return fmt.Errorf("unknown camera format %q", cfg.Camera.Format)
	}
	cameraCfg := v4l2.Config{
		Device:      cfg.Camera.Device,
		Width:       cfg.Camera.Width,
		Height:      cfg.Camera.Height,
		Format:      camFmt,
		BufferCount: cfg.Camera.BufferCount,
		Memory:      v4l2.MemoryMMAP,
	}
	if cfg.Camera.UseDMABUF {
		cameraCfg.Memory = v4l2.MemoryDMABUF
	}

	pipeline, err := vision.NewPipeline(cameraCfg)
	if err != nil {
		return fmt.Errorf("pipeline init: %w", err)
	}

	drmCtrl, err := drm.Open(cfg.Display.Device)
	if err != nil {
		return fmt.Errorf("drm open %s: %w", cfg.Display.Device, err)
	}
	defer drmCtrl.Close()

	if err := drmCtrl.WatchHotplug(); err != nil {
		log.WithError(err).Warn("udev hot-plug monitor unavailable, running without it")
	}

	display := drm.NewManager(drmCtrl)
	plane, err := display.CreatePlane(drm.PlaneConfig{
		Type:      drm.LayerPrimary,
		SrcWidth:  cameraCfg.Width,
		SrcHeight: cameraCfg.Height,
		DRMFormat: drm.FormatNV12,
	}, drmCtrl.Devices())
	if err != nil {
		return fmt.Errorf("drm create primary plane: %w", err)
	}

	pipeline.RegisterOnFrameReady(func(f edgevision.Frame) {
		defer f.Release()
		size := uint64(f.Meta.Stride) * uint64(f.Meta.Height) * 3 / 2
		buf, err := dmabuf.Import(f.Fd, f.Meta.Width, f.Meta.Height, drm.FormatNV12, size, 0)
		if err != nil {
			log.WithError(err).Debug("failed to import preview frame for scanout")
			return
		}
		if err := display.PresentFrame(plane, []*dmabuf.Buffer{buf}, buf); err != nil {
			log.WithError(err).Debug("failed to present preview frame")
			buf.Close()
		}
	})

	if cfg.Model.Enabled {
		detector := vision.NewNoopDetector()
		detector.SetThresh(cfg.Model.BoxThreshold, cfg.Model.NMSThreshold)
		if err := detector.Start(); err != nil {
			log.WithError(err).Warn("detector failed to start, running without inference")
		} else {
			detector.SetOnResult(func(r vision.DetectionResult) {
				log.WithField("objects", len(r.Objects)).Debug("inference result")
			})
			pipeline.RegisterOnRGA(func(f edgevision.Frame) {
				if err := detector.Submit(f); err != nil {
					log.WithError(err).Debug("detector submit failed")
				}
			})
			pipeline.SetModelRunningStatus(vision.ModelStart)
		}
	}

	display.Start(0)
	defer display.Stop()

	if err := pipeline.Start(); err != nil {
		return fmt.Errorf("pipeline start: %w", err)
	}
	defer pipeline.Stop()

	log.Info("edgevision running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	return nil
}
