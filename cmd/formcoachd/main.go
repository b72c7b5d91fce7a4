package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/care/formcoach/internal/capture"
	"github.com/care/formcoach/internal/capture/gstcam"
	"github.com/care/formcoach/internal/config"
	"github.com/care/formcoach/internal/core"
)

const defaultConfigPath = "config/formcoach.yaml"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Setup structured logger
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting formcoach service",
		"config", *configPath,
		"debug", *debug,
	)

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	service, err := core.NewFromFile(*configPath, core.Options{
		Devices: map[string]core.DeviceFactory{
			config.CameraV4L2: newV4L2Device,
		},
	})
	if err != nil {
		slog.Error("failed to create formcoach service", "error", err)
		os.Exit(1)
	}

	// Run service in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- service.Run(ctx) // Always send, even if nil
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			slog.Error("service error", "error", err)
		} else {
			slog.Info("service stopped (via control shutdown command)")
		}
	}

	// Graceful shutdown
	shutdownTimeout := service.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := service.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}

	slog.Info("formcoach service stopped successfully")
}

func newV4L2Device(cam config.CameraConfig) (capture.Device, error) {
	dev, err := gstcam.New(gstcam.Config{
		Device:            cam.Device,
		Width:             cam.Width,
		Height:            cam.Height,
		FPS:               cam.FPS,
		JPEGQuality:       cam.JPEGQuality,
		FirstFrameTimeout: time.Duration(cam.FirstFrameTimeoutS) * time.Second,
		PermissionPoll:    time.Duration(cam.PermissionPollMS) * time.Millisecond,
		Warmup:            time.Duration(cam.WarmupDurationS) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}
