package capture

import (
	"context"
	"testing"
	"time"

	"github.com/care/formcoach/internal/types"
)

func TestSlot_OverwriteAndDrops(t *testing.T) {
	s := NewSlot()

	if _, ok := s.Latest(); ok {
		t.Fatal("Latest() on empty slot should fail")
	}

	s.Publish(&types.Frame{Seq: 1})
	s.Publish(&types.Frame{Seq: 2}) // overwrites unseen frame 1

	f, ok := s.Latest()
	if !ok || f.Seq != 2 {
		t.Fatalf("Latest() = %v, %v; want seq 2", f, ok)
	}

	// Peeking does not consume
	if f, _ := s.Latest(); f.Seq != 2 {
		t.Errorf("second Latest() seq = %d, want 2", f.Seq)
	}

	s.Publish(&types.Frame{Seq: 3}) // frame 2 was seen, no drop

	stats := s.Stats()
	if stats.Published != 3 || stats.Dropped != 1 {
		t.Errorf("stats = %+v, want published=3 dropped=1", stats)
	}
}

func TestSlot_WaitFirst(t *testing.T) {
	s := NewSlot()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.WaitFirst(ctx); err == nil {
		t.Fatal("WaitFirst() should time out on empty slot")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Publish(&types.Frame{Seq: 1})
	}()
	if err := s.WaitFirst(context.Background()); err != nil {
		t.Fatalf("WaitFirst() = %v", err)
	}

	// Subsequent publishes must not panic on the closed ready channel
	s.Publish(&types.Frame{Seq: 2})
}

func TestSlot_Close(t *testing.T) {
	s := NewSlot()
	s.Publish(&types.Frame{Seq: 1})
	s.Close()

	if _, ok := s.Latest(); ok {
		t.Error("Latest() after Close should fail")
	}
	s.Publish(&types.Frame{Seq: 2})
	if _, ok := s.Latest(); ok {
		t.Error("Publish after Close should be ignored")
	}
}
