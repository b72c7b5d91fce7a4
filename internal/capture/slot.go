package capture

import (
	"context"
	"sync"

	"github.com/care/formcoach/internal/types"
)

// Slot is a single-frame mailbox with overwrite semantics.
//
// Producers (device callbacks) overwrite the frame; Latest peeks at it
// without consuming, so a capture always sees the newest frame. Frames that
// are overwritten before anyone looked at them count as drops.
type Slot struct {
	mu    sync.Mutex
	frame *types.Frame
	seen  bool

	published uint64
	dropped   uint64

	first     chan struct{}
	firstOnce sync.Once
	closed    bool
}

// SlotStats contains mailbox counters
type SlotStats struct {
	Published uint64
	Dropped   uint64
}

// NewSlot creates an empty mailbox
func NewSlot() *Slot {
	return &Slot{first: make(chan struct{})}
}

// Publish overwrites the current frame (non-blocking)
func (s *Slot) Publish(frame *types.Frame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.frame != nil && !s.seen {
		s.dropped++
	}
	s.frame = frame
	s.seen = false
	s.published++
	s.mu.Unlock()

	s.firstOnce.Do(func() { close(s.first) })
}

// Latest returns the newest frame without consuming it
func (s *Slot) Latest() (*types.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.frame == nil {
		return nil, false
	}
	s.seen = true
	return s.frame, true
}

// Ready is closed once the first frame has been published
func (s *Slot) Ready() <-chan struct{} {
	return s.first
}

// WaitFirst blocks until the first frame arrives or ctx ends
func (s *Slot) WaitFirst(ctx context.Context) error {
	select {
	case <-s.first:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drops the frame; later publishes are ignored
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.frame = nil
}

// Stats returns a snapshot of the counters
func (s *Slot) Stats() SlotStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SlotStats{Published: s.published, Dropped: s.dropped}
}
