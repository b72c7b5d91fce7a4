package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/care/formcoach/internal/types"
)

// MockConfig configures a synthetic camera
type MockConfig struct {
	Width  int
	Height int
	// FPS is the frame generation rate; 0 keeps the first frame forever
	FPS int
	// OpenDelay simulates the time the platform takes to grant access
	OpenDelay time.Duration
	// OpenErr, when set, is returned by every Open
	OpenErr error
	Source  string
}

// MockDevice generates synthetic JPEG frames for tests and demos
type MockDevice struct {
	cfg MockConfig

	mu      sync.Mutex
	openErr error
	current *mockHandle
	open    int
	maxOpen int
	opens   int
}

// NewMockDevice creates a synthetic camera
func NewMockDevice(cfg MockConfig) *MockDevice {
	if cfg.Width <= 0 {
		cfg.Width = 64
	}
	if cfg.Height <= 0 {
		cfg.Height = 48
	}
	if cfg.Source == "" {
		cfg.Source = "mock"
	}
	return &MockDevice{cfg: cfg, openErr: cfg.OpenErr}
}

// Name implements Device
func (d *MockDevice) Name() string {
	return d.cfg.Source
}

// Open implements Device
func (d *MockDevice) Open(ctx context.Context) (Handle, error) {
	if d.cfg.OpenDelay > 0 {
		select {
		case <-time.After(d.cfg.OpenDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, ctx.Err())
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.opens++
	if d.openErr != nil {
		return nil, d.openErr
	}

	h := &mockHandle{
		device: d,
		slot:   NewSlot(),
		events: make(chan DeviceEvent, 4),
		stopCh: make(chan struct{}),
	}
	// First frame is available before Open returns, like a camera that is playing
	h.slot.Publish(h.createFrame())

	if d.cfg.FPS > 0 {
		h.wg.Add(1)
		go h.generateFrames(time.Second / time.Duration(d.cfg.FPS))
	}

	d.current = h
	d.open++
	if d.open > d.maxOpen {
		d.maxOpen = d.open
	}

	slog.Debug("capture: mock camera opened", "source", d.cfg.Source, "open", d.open)
	return h, nil
}

// SetOpenError changes the error returned by subsequent Open calls
func (d *MockDevice) SetOpenError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// Revoke simulates the platform revoking camera permission mid-session
func (d *MockDevice) Revoke() {
	d.notify(DeviceEvent{Permission: types.PermissionDenied})
}

// Fail simulates a device-level failure mid-session
func (d *MockDevice) Fail(err error) {
	d.notify(DeviceEvent{Err: err})
}

// OpenCount returns the number of currently open handles
func (d *MockDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// MaxOpen returns the highest number of simultaneously open handles seen
func (d *MockDevice) MaxOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen
}

// Opens returns how many times Open was called
func (d *MockDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func (d *MockDevice) notify(ev DeviceEvent) {
	d.mu.Lock()
	h := d.current
	d.mu.Unlock()

	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
	}
}

type mockHandle struct {
	device *MockDevice
	slot   *Slot
	events chan DeviceEvent
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	seq    uint64
	closed bool
}

func (h *mockHandle) Latest() (*types.Frame, bool) {
	return h.slot.Latest()
}

func (h *mockHandle) Events() <-chan DeviceEvent {
	return h.events
}

func (h *mockHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.stopCh)
	close(h.events)
	h.mu.Unlock()

	h.wg.Wait()
	h.slot.Close()

	d := h.device
	d.mu.Lock()
	d.open--
	if d.current == h {
		d.current = nil
	}
	d.mu.Unlock()

	return nil
}

func (h *mockHandle) generateFrames(interval time.Duration) {
	defer h.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.slot.Publish(h.createFrame())
		}
	}
}

// createFrame renders a gray frame with a bar that moves every frame
func (h *mockHandle) createFrame() *types.Frame {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	cfg := h.device.cfg
	img := image.NewGray(image.Rect(0, 0, cfg.Width, cfg.Height))
	bar := int(seq) % cfg.Width
	for y := 0; y < cfg.Height; y++ {
		for x := 0; x < cfg.Width; x++ {
			v := uint8(96)
			if x == bar {
				v = 255
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70}); err != nil {
		slog.Error("capture: mock frame encode failed", "error", err)
	}

	return &types.Frame{
		Seq:          seq,
		Timestamp:    time.Now(),
		Width:        cfg.Width,
		Height:       cfg.Height,
		MIME:         types.MIMEJPEG,
		Data:         buf.Bytes(),
		SourceStream: cfg.Source,
		TraceID:      uuid.New().String(),
	}
}
