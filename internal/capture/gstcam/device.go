// Package gstcam drives a local V4L2 camera through a GStreamer pipeline
// that emits JPEG stills into a latest-frame slot.
package gstcam

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/care/formcoach/internal/capture"
	"github.com/care/formcoach/internal/types"
)

// Config configures a GStreamer camera
type Config struct {
	Device      string
	Width       int
	Height      int
	FPS         float64
	JPEGQuality int
	// FirstFrameTimeout bounds how long Open waits for playback to start
	FirstFrameTimeout time.Duration
	// PermissionPoll is how often the device node is re-checked while open
	PermissionPoll time.Duration
	// Warmup is the window over which frame cadence statistics are gathered
	Warmup time.Duration
}

// Validate checks the configuration and fills defaults
func (c *Config) Validate() error {
	if c.Device == "" {
		return fmt.Errorf("gstcam: device is required")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("gstcam: invalid resolution %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("gstcam: fps must be > 0, got %v", c.FPS)
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = 85
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("gstcam: jpeg quality must be in [1,100], got %d", c.JPEGQuality)
	}
	if c.FirstFrameTimeout <= 0 {
		c.FirstFrameTimeout = 5 * time.Second
	}
	if c.PermissionPoll <= 0 {
		c.PermissionPoll = time.Second
	}
	return nil
}

// Device is a capture.Device backed by v4l2src
type Device struct {
	cfg Config
}

// New creates a GStreamer camera (fail-fast validation)
func New(cfg Config) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Device{cfg: cfg}, nil
}

// Name implements capture.Device
func (d *Device) Name() string {
	return d.cfg.Device
}

// Open implements capture.Device. It returns once the first JPEG frame has
// been produced, or a classified error.
func (d *Device) Open(ctx context.Context) (capture.Handle, error) {
	if err := capture.ProbeDeviceNode(d.cfg.Device); err != nil {
		return nil, err
	}

	elements, err := createPipeline(d.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	}

	hctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		cfg:      d.cfg,
		elements: elements,
		slot:     capture.NewSlot(),
		events:   make(chan capture.DeviceEvent, 4),
		early:    make(chan error, 1),
		cancel:   cancel,
		started:  time.Now(),
	}

	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: h.onNewSample,
	})

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		cancel()
		_ = destroyPipeline(elements)
		return nil, capture.ClassifyDeviceError(err.Error(), "")
	}

	h.wg.Add(2)
	go h.monitorBus(hctx)
	go h.pollPermission(hctx)

	wctx, wcancel := context.WithTimeout(ctx, d.cfg.FirstFrameTimeout)
	defer wcancel()

	select {
	case <-h.slot.Ready():
		slog.Info("gstcam: camera playing", "device", d.cfg.Device)
		if d.cfg.Warmup > 0 {
			h.wg.Add(1)
			go h.logWarmup(hctx)
		}
		return h, nil

	case ev := <-h.early:
		h.Close()
		return nil, ev

	case <-wctx.Done():
		h.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, ctx.Err())
		}
		return nil, fmt.Errorf("%w: no frame within %s", capture.ErrPlayback, d.cfg.FirstFrameTimeout)
	}
}

type handle struct {
	cfg      Config
	elements *pipelineElements
	slot     *capture.Slot
	events   chan capture.DeviceEvent
	cancel   context.CancelFunc
	started  time.Time
	wg       sync.WaitGroup

	// early carries a failure seen before the first frame
	early     chan error
	earlyOnce sync.Once

	seq       atomic.Uint64
	mu        sync.Mutex
	closed    bool
	failed    bool
	frameLog  []time.Time
	closeOnce sync.Once
}

func (h *handle) Latest() (*types.Frame, bool) {
	return h.slot.Latest()
}

func (h *handle) Events() <-chan capture.DeviceEvent {
	return h.events
}

func (h *handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.cancel()
		h.wg.Wait()

		h.mu.Lock()
		h.closed = true
		close(h.events)
		h.mu.Unlock()

		h.slot.Close()
		err = destroyPipeline(h.elements)

		stats := h.slot.Stats()
		slog.Info("gstcam: camera closed",
			"device", h.cfg.Device,
			"uptime", time.Since(h.started),
			"frames_published", stats.Published,
			"frames_dropped", stats.Dropped,
		)
	})
	return err
}

// onNewSample copies the encoded JPEG out of the appsink buffer
func (h *handle) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstcam: failed to pull sample, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstcam: sample without buffer, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	jpegData := make([]byte, len(data))
	copy(jpegData, data)
	buffer.Unmap()

	now := time.Now()
	h.mu.Lock()
	if h.cfg.Warmup > 0 && now.Sub(h.started) <= h.cfg.Warmup {
		h.frameLog = append(h.frameLog, now)
	}
	h.mu.Unlock()

	h.slot.Publish(&types.Frame{
		Seq:          h.seq.Add(1),
		Timestamp:    now,
		Width:        h.cfg.Width,
		Height:       h.cfg.Height,
		MIME:         types.MIMEJPEG,
		Data:         jpegData,
		SourceStream: h.cfg.Device,
		TraceID:      uuid.New().String(),
	})
	return gst.FlowOK
}

// monitorBus turns pipeline errors and EOS into device events
func (h *handle) monitorBus(ctx context.Context) {
	defer h.wg.Done()

	bus := h.elements.Pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("gstcam: end of stream", "device", h.cfg.Device, "uptime", time.Since(h.started))
			h.fail(fmt.Errorf("%w: end of stream", capture.ErrPlayback))
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			err := capture.ClassifyDeviceError(gerr.Error(), gerr.DebugString())
			slog.Error("gstcam: pipeline error",
				"device", h.cfg.Device,
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"classified", err,
			)
			h.fail(err)
			return

		case gst.MessageStateChanged:
			if msg.Source() == h.elements.Pipeline.GetName() {
				old, next := msg.ParseStateChanged()
				slog.Debug("gstcam: pipeline state changed", "from", old, "to", next)
			}
		}
	}
}

// pollPermission watches the device node for access revocation or removal
func (h *handle) pollPermission(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.PermissionPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := capture.ProbeDeviceNode(h.cfg.Device)
			if err == nil {
				continue
			}
			// Our own pipeline holds the node; only treat missing or denied as lost
			if errors.Is(err, capture.ErrPermissionDenied) || isMissing(h.cfg.Device) {
				h.fail(err)
				return
			}
		}
	}
}

func (h *handle) logWarmup(ctx context.Context) {
	defer h.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-time.After(h.cfg.Warmup):
	}

	h.mu.Lock()
	frames := append([]time.Time(nil), h.frameLog...)
	h.frameLog = nil
	h.mu.Unlock()

	stats := capture.CalculateFPSStats(frames, h.cfg.Warmup)
	slog.Info("gstcam: warmup complete",
		"device", h.cfg.Device,
		"frames", stats.FramesReceived,
		"fps_mean", stats.FPSMean,
		"fps_stddev", stats.FPSStdDev,
		"fps_min", stats.FPSMin,
		"fps_max", stats.FPSMax,
		"stable", stats.IsStable,
	)
}

func isMissing(path string) bool {
	_, err := os.Stat(path)
	return errors.Is(err, fs.ErrNotExist)
}

// fail reports the first failure: before the first frame it aborts Open,
// afterwards it becomes a device event.
func (h *handle) fail(err error) {
	select {
	case <-h.slot.Ready():
	default:
		h.earlyOnce.Do(func() { h.early <- err })
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.failed {
		return
	}
	h.failed = true

	ev := capture.DeviceEvent{Err: err}
	if errors.Is(err, capture.ErrPermissionDenied) {
		ev.Permission = types.PermissionDenied
	}
	select {
	case h.events <- ev:
	default:
	}
}
