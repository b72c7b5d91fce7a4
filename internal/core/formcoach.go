package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/care/formcoach/internal/api"
	"github.com/care/formcoach/internal/capture"
	"github.com/care/formcoach/internal/config"
	"github.com/care/formcoach/internal/control"
	"github.com/care/formcoach/internal/emitter"
	"github.com/care/formcoach/internal/events"
	"github.com/care/formcoach/internal/inference"
	"github.com/care/formcoach/internal/metrics"
	"github.com/care/formcoach/internal/session"
)

// DeviceFactory builds a device for a camera backend that core cannot
// construct itself (v4l2 needs cgo and lives in its own package)
type DeviceFactory func(cfg config.CameraConfig) (capture.Device, error)

// Options overrides collaborators built from configuration
type Options struct {
	// Devices maps a camera backend name to its factory
	Devices map[string]DeviceFactory
	// Client replaces the configured inference backend
	Client inference.Client
	// Clock drives the poll loop (tests)
	Clock session.Clock
}

// FormCoach is the main service orchestrator
type FormCoach struct {
	cfg  *config.Config
	opts Options

	// Core components
	device     capture.Device
	remote     *capture.RemoteDevice
	camera     *capture.Camera
	process    *inference.ProcessClient
	client     inference.Client
	bus        *events.Bus
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	controller *session.Controller
	server     *api.Server

	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc // For MQTT shutdown command
}

// NewFromFile loads configuration and creates the service
func NewFromFile(configPath string, opts Options) (*FormCoach, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return New(cfg, opts)
}

// New creates the service from a validated configuration
func New(cfg *config.Config, opts Options) (*FormCoach, error) {
	slog.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"camera_backend", cfg.Camera.Backend,
		"inference_backend", cfg.Inference.Backend,
		"mqtt_enabled", cfg.MQTT.Enabled,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := &FormCoach{
		cfg:      cfg,
		opts:     opts,
		bus:      events.New(),
		registry: registry,
		metrics:  metrics.New(registry),
	}

	if err := f.initializeDevice(); err != nil {
		return nil, fmt.Errorf("failed to initialize camera: %w", err)
	}
	if err := f.initializeBackend(); err != nil {
		return nil, fmt.Errorf("failed to initialize inference backend: %w", err)
	}

	if cfg.MQTT.Enabled {
		f.emitter = emitter.NewMQTTEmitter(cfg)
	}
	return f, nil
}

// initializeDevice creates the camera device and frame source
func (f *FormCoach) initializeDevice() error {
	cam := f.cfg.Camera

	switch cam.Backend {
	case config.CameraMock:
		f.device = capture.NewMockDevice(capture.MockConfig{
			Width:  cam.Width,
			Height: cam.Height,
			FPS:    int(cam.FPS),
			Source: "mock",
		})
	case config.CameraRemote:
		f.remote = capture.NewRemoteDevice(capture.RemoteConfig{
			Name:              "browser",
			AttachTimeout:     time.Duration(cam.AttachTimeoutS) * time.Second,
			FirstFrameTimeout: time.Duration(cam.FirstFrameTimeoutS) * time.Second,
			AllowedOrigins:    cam.AllowedOrigins,
		})
		f.device = f.remote
	default:
		factory, ok := f.opts.Devices[cam.Backend]
		if !ok {
			return fmt.Errorf("camera backend %q is not available in this build", cam.Backend)
		}
		dev, err := factory(cam)
		if err != nil {
			return err
		}
		f.device = dev
	}

	f.camera = capture.NewCamera(f.device)
	slog.Info("camera configured", "backend", cam.Backend, "device", f.device.Name())
	return nil
}

// initializeBackend creates the inference client, wrapped with metrics
func (f *FormCoach) initializeBackend() error {
	inf := f.cfg.Inference
	backend := inf.Backend

	var client inference.Client
	switch {
	case f.opts.Client != nil:
		client = f.opts.Client
		backend = "custom"
	case inf.Backend == config.InferenceEndpoint:
		c, err := inference.NewEndpointClient(inference.EndpointConfig{URL: inf.URL, APIKey: inf.APIKey})
		if err != nil {
			return err
		}
		client = c
	case inf.Backend == config.InferenceOpenAI:
		c, err := inference.NewOpenAIClient(inference.OpenAIConfig{
			BaseURL:   inf.URL,
			APIKey:    inf.APIKey,
			Model:     inf.Model,
			MaxTokens: inf.MaxTokens,
		})
		if err != nil {
			return err
		}
		client = c
	case inf.Backend == config.InferenceProcess:
		p, err := inference.NewProcessClient(inference.ProcessConfig{Command: inf.Command, Args: inf.Args})
		if err != nil {
			return err
		}
		f.process = p
		client = p
	default:
		return fmt.Errorf("unknown inference backend %q", inf.Backend)
	}

	f.client = f.metrics.Instrument(backend, client)
	slog.Info("inference backend configured", "backend", backend)
	return nil
}

// Run starts the service and blocks until ctx is cancelled or a shutdown
// command arrives
func (f *FormCoach) Run(ctx context.Context) error {
	f.mu.Lock()
	if f.isRunning {
		f.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	f.isRunning = true
	f.started = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	f.cancelCtx = cancel
	f.mu.Unlock()

	slog.Info("formcoach service starting", "instance_id", f.cfg.InstanceID)

	if f.process != nil {
		if err := f.process.Start(ctx); err != nil {
			return fmt.Errorf("failed to start model runner: %w", err)
		}
	}

	f.mu.Lock()
	f.controller = session.New(f.camera, f.client, session.Config{
		PollInterval:   f.cfg.PollInterval(),
		AnalyzeTimeout: f.cfg.AnalyzeTimeout(),
		Exercises:      f.cfg.Session.Exercises,
		Clock:          f.opts.Clock,
		Publisher:      f.bus,
	})
	f.mu.Unlock()

	if err := f.subscribe(ctx, "metrics", 64, f.metrics.Run); err != nil {
		return err
	}

	if ex := f.cfg.Session.DefaultExercise; ex != "" {
		if err := f.controller.SelectExercise(ctx, ex); err != nil {
			return fmt.Errorf("failed to select default exercise: %w", err)
		}
	}

	if f.emitter != nil {
		if err := f.startMQTT(ctx); err != nil {
			return err
		}
	}

	server := api.New(f.apiConfig())
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start http server: %w", err)
	}
	f.mu.Lock()
	f.server = server
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.bus.StartStatsLogger(ctx, 30*time.Second)
	}()

	slog.Info("formcoach service running",
		"http_addr", f.cfg.HTTP.Addr,
		"exercises", len(f.cfg.Session.Exercises),
	)

	<-ctx.Done()

	slog.Info("formcoach service run loop exiting")
	return nil
}

// subscribe attaches a consumer goroutine to the event bus
func (f *FormCoach) subscribe(ctx context.Context, id string, buffer int, run func(context.Context, <-chan session.Event)) error {
	ch := make(chan session.Event, buffer)
	if err := f.bus.Subscribe(id, ch); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", id, err)
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		run(ctx, ch)
	}()
	return nil
}

// startMQTT connects the emitter and starts the control plane
func (f *FormCoach) startMQTT(ctx context.Context) error {
	if err := f.emitter.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}

	if err := f.subscribe(ctx, "mqtt", 32, f.emitter.Run); err != nil {
		return err
	}

	handler := control.NewHandler(f.cfg, f.emitter.Client, control.CommandCallbacks{
		OnGetStatus:      f.GetStatus,
		OnSelectExercise: f.controller.SelectExercise,
		OnToggleCamera:   f.controller.ToggleCamera,
		OnStartAnalysis:  f.controller.StartAnalysis,
		OnStopAnalysis:   f.controller.StopAnalysis,
		OnShutdown:       f.shutdownViaControl,
	})
	if err := handler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}
	f.mu.Lock()
	f.controlHandler = handler
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.publishHealth(ctx, 30*time.Second)
	}()
	return nil
}

func (f *FormCoach) apiConfig() api.Config {
	cfg := api.Config{
		Addr:           f.cfg.HTTP.Addr,
		Session:        f.controller,
		Metrics:        promhttp.HandlerFor(f.registry, promhttp.HandlerOpts{}),
		Events:         f.bus,
		AnalyzeTimeout: f.cfg.AnalyzeTimeout(),
		Health: func() (string, map[string]interface{}) {
			h := f.HealthCheck()
			return h.Status, map[string]interface{}{"health": h}
		},
	}
	if f.cfg.HTTP.ServeAnalyze {
		cfg.Analyzer = f.client
	}
	if f.remote != nil {
		cfg.CameraBridge = f.remote.ServeWS
	}
	return cfg
}

// publishHealth periodically publishes the health report over MQTT
func (f *FormCoach) publishHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(f.HealthCheck())
			if err != nil {
				slog.Error("failed to marshal health", "error", err)
				continue
			}
			if err := f.emitter.PublishHealth(payload); err != nil {
				slog.Debug("health publish failed", "error", err)
			}
		}
	}
}

// shutdownViaControl stops Run; main then performs the graceful shutdown
func (f *FormCoach) shutdownViaControl() error {
	slog.Info("shutdown requested via control plane")

	f.mu.RLock()
	cancel := f.cancelCtx
	f.mu.RUnlock()

	if cancel == nil {
		return fmt.Errorf("service is not running")
	}
	cancel()
	return nil
}

// Session returns the session controller, nil before Run
func (f *FormCoach) Session() *session.Controller {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.controller
}

// HTTPAddr returns the bound HTTP address, empty until the server is up
func (f *FormCoach) HTTPAddr() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.server == nil || f.server.Addr() == nil {
		return ""
	}
	return f.server.Addr().String()
}

// Shutdown performs graceful shutdown of all components
func (f *FormCoach) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	if !f.isRunning {
		f.mu.Unlock()
		return nil
	}
	cancel := f.cancelCtx
	server := f.server
	controlHandler := f.controlHandler
	controller := f.controller
	f.mu.Unlock()

	slog.Info("shutting down formcoach service")
	if cancel != nil {
		cancel()
	}

	// 1. Stop accepting HTTP commands
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("failed to stop http server", "error", err)
		}
	}

	// 2. Stop the control plane
	if controlHandler != nil {
		if err := controlHandler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	// 3. Stop the session (cancels analysis, turns the camera off)
	if controller != nil {
		controller.Close()
	}
	if err := f.camera.Close(); err != nil {
		slog.Error("failed to close camera", "error", err)
	}

	// 4. Wait for consumers
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("timed out waiting for goroutines", "error", ctx.Err())
	}
	f.bus.Close()

	// 5. Disconnect MQTT and stop the runner
	if f.emitter != nil {
		if err := f.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}
	if f.process != nil {
		if err := f.process.Stop(); err != nil {
			slog.Error("failed to stop model runner", "error", err)
		}
	}

	f.mu.Lock()
	uptime := time.Since(f.started)
	f.isRunning = false
	f.mu.Unlock()

	slog.Info("formcoach service shutdown complete", "uptime", uptime)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (f *FormCoach) ShutdownTimeout() time.Duration {
	if timeout := f.cfg.ShutdownTimeout(); timeout > 0 {
		return timeout
	}
	return 5 * time.Second
}
