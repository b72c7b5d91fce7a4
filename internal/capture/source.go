// Package capture implements the frame source: it owns the camera handle,
// negotiates permission with the device driver and hands out the most recent
// encoded frame on demand.
//
// Lifecycle:
//
//	cam := capture.NewCamera(device)
//	cam.SetActive(ctx, true)   // acquisition runs in the background
//	report := <-cam.Reports()  // Ready / Permission / Err
//	frame, ok := cam.Capture() // latest JPEG, never blocks
//	cam.SetActive(ctx, false)  // synchronous, idempotent release
//
// The source never retries acquisition on its own. Retrying is always a new
// SetActive(true) call made on behalf of the user.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/care/formcoach/internal/types"
)

var (
	// ErrPermissionDenied means the platform refused camera access
	ErrPermissionDenied = errors.New("capture: camera permission denied")
	// ErrDeviceUnavailable covers missing, busy or unsatisfiable devices
	ErrDeviceUnavailable = errors.New("capture: camera device unavailable")
	// ErrPlayback means the device opened but never produced frames
	ErrPlayback = errors.New("capture: camera playback failed")
)

// Report is what the source tells its owner after an acquisition attempt
// or when the device fails while active.
type Report struct {
	Ready      bool
	Permission types.PermissionState
	Err        error
}

// Source is the frame source contract used by the session controller
type Source interface {
	// SetActive acquires (asynchronously) or releases (synchronously) the device.
	SetActive(ctx context.Context, active bool)
	// Capture returns the latest frame, or false when no ready and
	// permitted handle exists.
	Capture() (*types.Frame, bool)
	// Reports delivers acquisition results and mid-session failures.
	Reports() <-chan Report
}

// Device is a camera driver the Camera drives
type Device interface {
	// Name identifies the device in logs and frames
	Name() string
	// Open acquires the device and returns once the first frame is available.
	Open(ctx context.Context) (Handle, error)
}

// Handle is an open, exclusively owned connection to a device
type Handle interface {
	// Latest returns the most recent frame without blocking
	Latest() (*types.Frame, bool)
	// Events delivers permission changes and device failures while open.
	// The channel is closed when the handle closes.
	Events() <-chan DeviceEvent
	// Close releases the device. Safe to call more than once.
	Close() error
}

// DeviceEvent is a platform notification about an open handle
type DeviceEvent struct {
	Permission types.PermissionState
	Err        error
}

// PermissionFromError maps an acquisition error to the permission state
// it implies, keeping fallback when the error says nothing about permission.
func PermissionFromError(err error, fallback types.PermissionState) types.PermissionState {
	if err == nil {
		return types.PermissionGranted
	}
	if errors.Is(err, ErrPermissionDenied) {
		return types.PermissionDenied
	}
	return fallback
}

// Camera implements Source on top of a Device.
//
// Invariants:
//   - at most one open handle (acquisitions are serialized by acquireMu)
//   - every acquisition and release bumps gen, so completions that lost
//     the race are closed and never reported
type Camera struct {
	device  Device
	reports chan Report

	acquireMu sync.Mutex

	mu            sync.Mutex
	gen           uint64
	handle        Handle
	ready         bool
	permission    types.PermissionState
	cancelAcquire context.CancelFunc
	cancelWatch   context.CancelFunc

	wg          sync.WaitGroup
	openHandles atomic.Int32
	reportDrops atomic.Uint64
}

// NewCamera creates a frame source for the given device
func NewCamera(device Device) *Camera {
	return &Camera{
		device:  device,
		reports: make(chan Report, 16),
	}
}

// Reports implements Source
func (c *Camera) Reports() <-chan Report {
	return c.reports
}

// SetActive implements Source.
//
// Activating while already active first releases the current handle.
func (c *Camera) SetActive(ctx context.Context, active bool) {
	c.mu.Lock()
	c.releaseLocked()
	c.discardReportsLocked()

	if !active {
		c.mu.Unlock()
		return
	}

	gen := c.gen
	actx, cancel := context.WithCancel(ctx)
	c.cancelAcquire = cancel
	c.mu.Unlock()

	slog.Info("capture: acquiring camera", "device", c.device.Name())

	c.wg.Add(1)
	go c.acquire(actx, gen)
}

// Capture implements Source
func (c *Camera) Capture() (*types.Frame, bool) {
	c.mu.Lock()
	h := c.handle
	ok := h != nil && c.ready && c.permission == types.PermissionGranted
	c.mu.Unlock()

	if !ok {
		return nil, false
	}
	return h.Latest()
}

// Permission returns the last known permission state
func (c *Camera) Permission() types.PermissionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permission
}

// OpenHandles returns the number of device handles currently open
func (c *Camera) OpenHandles() int {
	return int(c.openHandles.Load())
}

// Close releases the device and waits for background goroutines
func (c *Camera) Close() error {
	c.SetActive(context.Background(), false)
	c.wg.Wait()

	if drops := c.reportDrops.Load(); drops > 0 {
		slog.Warn("capture: reports dropped while closing", "dropped", drops)
	}
	return nil
}

func (c *Camera) acquire(ctx context.Context, gen uint64) {
	defer c.wg.Done()

	// Serialize with any previous acquisition so two handles never coexist
	c.acquireMu.Lock()
	defer c.acquireMu.Unlock()

	if ctx.Err() != nil {
		return
	}

	h, err := c.device.Open(ctx)
	if err == nil {
		c.openHandles.Add(1)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || ctx.Err() != nil {
		// Released or superseded while opening
		if h != nil {
			c.closeHandle(h)
		}
		slog.Debug("capture: discarding stale acquisition", "device", c.device.Name())
		return
	}

	if err != nil {
		c.permission = PermissionFromError(err, c.permission)
		c.ready = false
		slog.Warn("capture: camera acquisition failed",
			"device", c.device.Name(),
			"permission", c.permission.String(),
			"error", err,
		)
		c.emitLocked(Report{Ready: false, Permission: c.permission, Err: err})
		return
	}

	c.handle = h
	c.ready = true
	c.permission = types.PermissionGranted

	// Permission/failure subscription lives exactly as long as the handle
	wctx, wcancel := context.WithCancel(context.Background())
	c.cancelWatch = wcancel
	c.wg.Add(1)
	go c.watch(wctx, gen, h)

	slog.Info("capture: camera ready", "device", c.device.Name())
	c.emitLocked(Report{Ready: true, Permission: c.permission})
}

// watch forwards device events for one handle until it is released
func (c *Camera) watch(ctx context.Context, gen uint64, h Handle) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.Events():
			if !ok {
				return
			}

			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				return
			}

			if ev.Permission != types.PermissionUnknown {
				c.permission = ev.Permission
			}

			if ev.Err == nil && ev.Permission != types.PermissionDenied {
				c.emitLocked(Report{Ready: c.ready, Permission: c.permission})
				c.mu.Unlock()
				continue
			}

			err := ev.Err
			if err == nil {
				err = fmt.Errorf("%w: revoked while capturing", ErrPermissionDenied)
			}
			c.permission = PermissionFromError(err, c.permission)

			slog.Warn("capture: camera lost, releasing",
				"device", c.device.Name(),
				"permission", c.permission.String(),
				"error", err,
			)

			// Report with the current generation before the release bumps it
			c.emitLocked(Report{Ready: false, Permission: c.permission, Err: err})
			c.releaseLocked()
			c.mu.Unlock()
			return
		}
	}
}

// releaseLocked closes the current handle, cancels any acquisition in
// flight and invalidates pending completions. Idempotent.
func (c *Camera) releaseLocked() {
	c.gen++

	if c.cancelAcquire != nil {
		c.cancelAcquire()
		c.cancelAcquire = nil
	}
	if c.cancelWatch != nil {
		c.cancelWatch()
		c.cancelWatch = nil
	}
	if c.handle != nil {
		c.closeHandle(c.handle)
		c.handle = nil
		slog.Info("capture: camera released", "device", c.device.Name())
	}
	c.ready = false
}

func (c *Camera) closeHandle(h Handle) {
	if err := h.Close(); err != nil {
		slog.Error("capture: failed to close camera handle",
			"device", c.device.Name(),
			"error", err,
		)
	}
	c.openHandles.Add(-1)
}

// discardReportsLocked drops queued reports; after a release they all
// describe a handle that no longer exists. c.mu must be held.
func (c *Camera) discardReportsLocked() {
	for {
		select {
		case r := <-c.reports:
			slog.Debug("capture: discarding stale report",
				"ready", r.Ready,
				"permission", r.Permission.String(),
			)
		default:
			return
		}
	}
}

// emitLocked queues a report without blocking; c.mu must be held.
func (c *Camera) emitLocked(r Report) {
	select {
	case c.reports <- r:
	default:
		c.reportDrops.Add(1)
		slog.Warn("capture: report queue full, dropping report",
			"ready", r.Ready,
			"permission", r.Permission.String(),
		)
	}
}
