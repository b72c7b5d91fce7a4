package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/care/formcoach/internal/types"
)

// Browser bridge message types
const (
	MsgActivate   = "activate"
	MsgRelease    = "release"
	MsgPermission = "permission"
	MsgFrame      = "frame"
	MsgError      = "error"
)

// RemoteMessage is the JSON envelope exchanged with the browser page
type RemoteMessage struct {
	Type string `json:"type"`

	// activate
	Video bool `json:"video,omitempty"`
	Audio bool `json:"audio,omitempty"`

	// permission
	State string `json:"state,omitempty"`

	// frame
	Image  string `json:"image,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`

	// error (DOMException name and message from getUserMedia)
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
}

// RemoteConfig configures the browser camera bridge
type RemoteConfig struct {
	Name string
	// AttachTimeout bounds how long Open waits for a browser to connect
	AttachTimeout time.Duration
	// FirstFrameTimeout bounds how long Open waits for the first frame
	// after the browser was asked to activate (includes the permission prompt)
	FirstFrameTimeout time.Duration
	// AllowedOrigins restricts WebSocket upgrades; empty allows any origin
	AllowedOrigins []string
}

// RemoteDevice is a camera living in a browser page, bridged over a
// WebSocket. One browser is attached at a time; a new connection
// replaces the previous one.
type RemoteDevice struct {
	cfg      RemoteConfig
	upgrader websocket.Upgrader

	mu       sync.Mutex
	peer     *remotePeer
	attached chan struct{}
	handle   *remoteHandle

	framesReceived atomic.Uint64
}

// NewRemoteDevice creates a browser camera bridge
func NewRemoteDevice(cfg RemoteConfig) *RemoteDevice {
	if cfg.Name == "" {
		cfg.Name = "browser"
	}
	if cfg.AttachTimeout <= 0 {
		cfg.AttachTimeout = 10 * time.Second
	}
	if cfg.FirstFrameTimeout <= 0 {
		cfg.FirstFrameTimeout = 30 * time.Second
	}

	d := &RemoteDevice{
		cfg:      cfg,
		attached: make(chan struct{}),
	}
	d.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 4 * 1024,
		CheckOrigin:     d.checkOrigin,
	}
	return d
}

// Name implements Device
func (d *RemoteDevice) Name() string {
	return d.cfg.Name
}

// Attached reports whether a browser is currently connected
func (d *RemoteDevice) Attached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peer != nil
}

// FramesReceived returns the number of frames received from browsers
func (d *RemoteDevice) FramesReceived() uint64 {
	return d.framesReceived.Load()
}

func (d *RemoteDevice) checkOrigin(r *http.Request) bool {
	if len(d.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range d.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and serves the browser until it disconnects
func (d *RemoteDevice) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("capture: browser websocket upgrade failed", "error", err)
		return
	}

	peer := &remotePeer{conn: conn}
	d.attach(peer)
	defer d.detach(peer)

	slog.Info("capture: browser camera attached", "remote_addr", r.RemoteAddr)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("capture: browser connection lost", "error", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			d.deliverFrame(peer, types.MIMEJPEG, data, 0, 0)
		case websocket.TextMessage:
			var msg RemoteMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Warn("capture: malformed browser message", "error", err)
				continue
			}
			d.dispatch(peer, msg)
		}
	}
}

func (d *RemoteDevice) attach(peer *remotePeer) {
	d.mu.Lock()
	old := d.peer
	d.peer = peer
	close(d.attached)
	d.attached = make(chan struct{})
	h := d.handle
	d.mu.Unlock()

	if old != nil {
		slog.Info("capture: replacing attached browser")
		old.close()
	}
	// The new page has not been asked for its camera
	if h != nil && h.peer == old {
		h.fail(fmt.Errorf("%w: browser replaced", ErrDeviceUnavailable))
	}
}

func (d *RemoteDevice) detach(peer *remotePeer) {
	peer.close()

	d.mu.Lock()
	if d.peer == peer {
		d.peer = nil
	}
	h := d.handle
	d.mu.Unlock()

	if h != nil && h.peer == peer {
		h.fail(fmt.Errorf("%w: browser disconnected", ErrDeviceUnavailable))
	}
	slog.Info("capture: browser camera detached")
}

func (d *RemoteDevice) dispatch(peer *remotePeer, msg RemoteMessage) {
	switch msg.Type {
	case MsgFrame:
		mime, data, err := types.ParseDataURL(msg.Image)
		if err != nil {
			slog.Warn("capture: browser frame rejected", "error", err)
			return
		}
		d.deliverFrame(peer, mime, data, msg.Width, msg.Height)

	case MsgPermission:
		state, err := types.ParsePermissionState(msg.State)
		if err != nil {
			slog.Warn("capture: unknown permission state from browser", "state", msg.State)
			return
		}
		if h := d.handleFor(peer); h != nil {
			h.permissionChanged(state)
		}

	case MsgError:
		err := ClassifyDeviceError(msg.Name+": "+msg.Message, msg.Name)
		slog.Warn("capture: browser camera error", "name", msg.Name, "message", msg.Message)
		if h := d.handleFor(peer); h != nil {
			h.fail(err)
		}

	default:
		slog.Debug("capture: ignoring browser message", "type", msg.Type)
	}
}

func (d *RemoteDevice) deliverFrame(peer *remotePeer, mime string, data []byte, width, height int) {
	h := d.handleFor(peer)
	if h == nil {
		return
	}
	d.framesReceived.Add(1)
	h.slot.Publish(&types.Frame{
		Seq:          h.seq.Add(1),
		Timestamp:    time.Now(),
		Width:        width,
		Height:       height,
		MIME:         mime,
		Data:         data,
		SourceStream: d.cfg.Name,
		TraceID:      uuid.New().String(),
	})
}

func (d *RemoteDevice) handleFor(peer *remotePeer) *remoteHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == nil || d.handle.peer != peer {
		return nil
	}
	return d.handle
}

// waitPeer returns the attached browser, waiting up to AttachTimeout
func (d *RemoteDevice) waitPeer(ctx context.Context) (*remotePeer, error) {
	timer := time.NewTimer(d.cfg.AttachTimeout)
	defer timer.Stop()

	for {
		d.mu.Lock()
		peer, attached := d.peer, d.attached
		d.mu.Unlock()

		if peer != nil {
			return peer, nil
		}

		select {
		case <-attached:
		case <-timer.C:
			return nil, fmt.Errorf("%w: no browser attached", ErrDeviceUnavailable)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, ctx.Err())
		}
	}
}

// Open implements Device: asks the attached browser for its camera and
// waits for the first frame, a denial or an error.
func (d *RemoteDevice) Open(ctx context.Context) (Handle, error) {
	peer, err := d.waitPeer(ctx)
	if err != nil {
		return nil, err
	}

	h := &remoteHandle{
		device: d,
		peer:   peer,
		slot:   NewSlot(),
		events: make(chan DeviceEvent, 4),
		done:   make(chan struct{}),
		early:  make(chan error, 1),
	}

	d.mu.Lock()
	if d.handle != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: browser camera already open", ErrDeviceUnavailable)
	}
	d.handle = h
	d.mu.Unlock()

	if err := peer.send(RemoteMessage{Type: MsgActivate, Video: true, Audio: false}); err != nil {
		h.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	timer := time.NewTimer(d.cfg.FirstFrameTimeout)
	defer timer.Stop()

	select {
	case <-h.slot.Ready():
		slog.Info("capture: browser camera playing", "device", d.cfg.Name)
		return h, nil
	case err := <-h.early:
		h.Close()
		return nil, err
	case <-timer.C:
		h.Close()
		return nil, fmt.Errorf("%w: no frame within %s", ErrPlayback, d.cfg.FirstFrameTimeout)
	case <-ctx.Done():
		h.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, ctx.Err())
	}
}

type remotePeer struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (p *remotePeer) send(msg RemoteMessage) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteJSON(msg)
}

func (p *remotePeer) close() {
	p.closeOnce.Do(func() { _ = p.conn.Close() })
}

type remoteHandle struct {
	device *RemoteDevice
	peer   *remotePeer
	slot   *Slot
	events chan DeviceEvent
	done   chan struct{}
	seq    atomic.Uint64

	early     chan error
	earlyOnce sync.Once

	mu      sync.Mutex
	closed  bool
	failed  bool
	sending sync.WaitGroup
}

func (h *remoteHandle) Latest() (*types.Frame, bool) {
	return h.slot.Latest()
}

func (h *remoteHandle) Events() <-chan DeviceEvent {
	return h.events
}

func (h *remoteHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	h.mu.Unlock()

	// events is closed only once no sender can touch it
	h.sending.Wait()
	close(h.events)

	h.slot.Close()

	d := h.device
	d.mu.Lock()
	if d.handle == h {
		d.handle = nil
	}
	d.mu.Unlock()

	// Best effort: the browser may already be gone
	if err := h.peer.send(RemoteMessage{Type: MsgRelease}); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		slog.Debug("capture: release not delivered to browser", "error", err)
	}
	return nil
}

func (h *remoteHandle) permissionChanged(state types.PermissionState) {
	if state == types.PermissionDenied {
		h.fail(fmt.Errorf("%w: browser reported denied", ErrPermissionDenied))
		return
	}

	// Prompt/granted updates before the first frame are part of acquisition
	select {
	case <-h.slot.Ready():
	default:
		return
	}
	h.send(DeviceEvent{Permission: state})
}

// fail reports the first failure: before the first frame it aborts Open,
// afterwards it becomes a device event.
func (h *remoteHandle) fail(err error) {
	select {
	case <-h.slot.Ready():
	default:
		h.earlyOnce.Do(func() { h.early <- err })
		return
	}

	h.mu.Lock()
	if h.failed {
		h.mu.Unlock()
		return
	}
	h.failed = true
	h.mu.Unlock()

	ev := DeviceEvent{Err: err}
	if errors.Is(err, ErrPermissionDenied) {
		ev.Permission = types.PermissionDenied
	}
	h.send(ev)
}

// send blocks until the event is consumed or the handle closes
func (h *remoteHandle) send(ev DeviceEvent) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.sending.Add(1)
	h.mu.Unlock()
	defer h.sending.Done()

	select {
	case h.events <- ev:
	case <-h.done:
	}
}
