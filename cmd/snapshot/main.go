package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/care/formcoach/internal/capture"
	"github.com/care/formcoach/internal/capture/gstcam"
	"github.com/care/formcoach/internal/inference"
)

const version = "v0.1.0"

func main() {
	// Parse command-line flags
	backend := flag.String("backend", "v4l2", "Camera backend: v4l2, mock")
	device := flag.String("device", "/dev/video0", "Video device node (v4l2 only)")
	width := flag.Int("width", 640, "Capture width")
	height := flag.Int("height", 480, "Capture height")
	fps := flag.Float64("fps", 10, "Capture FPS")
	jpegQuality := flag.Int("jpeg-quality", 85, "JPEG quality (1-100)")
	output := flag.String("output", "snapshot.jpg", "File to write the captured frame to")
	timeout := flag.Duration("timeout", 10*time.Second, "How long to wait for the camera to become ready")
	analyzeURL := flag.String("analyze-url", "", "Analysis endpoint to send the frame to (optional)")
	exercise := flag.String("exercise", "Squat", "Exercise label sent with -analyze-url")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("snapshot %s\n", version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	var dev capture.Device
	switch *backend {
	case "v4l2":
		d, err := gstcam.New(gstcam.Config{
			Device:      *device,
			Width:       *width,
			Height:      *height,
			FPS:         *fps,
			JPEGQuality: *jpegQuality,
		})
		if err != nil {
			log.Fatalf("Invalid camera configuration: %v", err)
		}
		dev = d
	case "mock":
		dev = capture.NewMockDevice(capture.MockConfig{
			Width:  *width,
			Height: *height,
			FPS:    int(*fps),
		})
	default:
		log.Fatalf("Invalid backend: %s (must be v4l2 or mock)", *backend)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	camera := capture.NewCamera(dev)
	defer camera.Close()

	slog.Info("Acquiring camera...", "backend", *backend, "device", dev.Name())
	camera.SetActive(ctx, true)

	if err := waitReady(ctx, camera, *timeout); err != nil {
		camera.Close()
		log.Fatalf("Camera not ready: %v (permission=%s)", err, camera.Permission())
	}

	frame, ok := camera.Capture()
	if !ok {
		camera.Close()
		log.Fatalf("Camera is ready but no frame is available yet")
	}

	if dir := filepath.Dir(*output); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
	}
	if err := os.WriteFile(*output, frame.Data, 0644); err != nil {
		log.Fatalf("Failed to write frame: %v", err)
	}

	fmt.Printf("\n")
	fmt.Printf("Snapshot\n")
	fmt.Printf("  File:       %s\n", *output)
	fmt.Printf("  Size:       %d bytes\n", len(frame.Data))
	fmt.Printf("  Resolution: %dx%d\n", frame.Width, frame.Height)
	fmt.Printf("  MIME:       %s\n", frame.MIME)
	fmt.Printf("  Seq:        %d\n", frame.Seq)
	fmt.Printf("  Trace ID:   %s\n", frame.TraceID)

	if *analyzeURL == "" {
		return
	}

	client, err := inference.NewEndpointClient(inference.EndpointConfig{
		URL:    *analyzeURL,
		APIKey: os.Getenv("FORMCOACH_INFERENCE_API_KEY"),
	})
	if err != nil {
		log.Fatalf("Invalid analysis endpoint: %v", err)
	}

	actx, acancel := context.WithTimeout(ctx, 30*time.Second)
	defer acancel()

	start := time.Now()
	verdict, err := client.Analyze(actx, frame, *exercise)
	if err != nil {
		camera.Close()
		log.Fatalf("Analysis failed: %v", err)
	}

	fmt.Printf("\n")
	fmt.Printf("Analysis (%s, %s)\n", *exercise, time.Since(start).Round(time.Millisecond))
	fmt.Printf("  Form correct: %v\n", verdict.FormCorrect)
	fmt.Printf("  Feedback:     %s\n", verdict.Feedback)
}

// waitReady blocks until the camera reports ready, fails, or times out
func waitReady(ctx context.Context, camera *capture.Camera, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-camera.Reports():
			if r.Err != nil {
				return r.Err
			}
			if r.Ready {
				return nil
			}
		}
	}
}
