// Package events fans session events out to independent consumers (MQTT
// emitter, metrics, WebSocket clients) without ever blocking the session
// loop.
//
// Two delivery policies are supported:
//
//   - DropNew: events go to a caller-owned buffered channel; when the
//     channel is full the new event is dropped and counted.
//   - DropOld: the subscriber keeps only the most recent event; a slow
//     reader skips intermediate events and always sees the latest state.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/formcoach/internal/session"
)

var (
	ErrBusClosed          = errors.New("events: bus is closed")
	ErrSubscriberExists   = errors.New("events: subscriber already exists")
	ErrSubscriberNotFound = errors.New("events: subscriber not found")
	ErrNilChannel         = errors.New("events: nil channel provided")
	ErrReceiverClosed     = errors.New("events: receiver is closed")
)

// DropPolicy defines what happens when a subscriber cannot keep up
type DropPolicy int

const (
	DropNew DropPolicy = iota
	DropOld
)

func (p DropPolicy) String() string {
	if p == DropOld {
		return "drop_old"
	}
	return "drop_new"
}

// SubscriberStats tracks per-subscriber delivery
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Stats is a bus-wide snapshot
type Stats struct {
	Published   uint64
	Subscribers map[string]SubscriberStats
}

type subscriber struct {
	id      string
	policy  DropPolicy
	sent    atomic.Uint64
	dropped atomic.Uint64

	ch     chan<- session.Event
	latest *Latest
}

// Bus distributes session events to subscribers. It implements
// session.Publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   atomic.Uint64
	closed      bool
}

// New creates an empty bus
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers a channel with DropNew policy
func (b *Bus) Subscribe(id string, ch chan<- session.Event) error {
	if ch == nil {
		return ErrNilChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = &subscriber{id: id, policy: DropNew, ch: ch}
	slog.Debug("events: subscriber registered", "subscriber_id", id, "policy", DropNew.String())
	return nil
}

// SubscribeLatest registers a DropOld subscriber and returns its receiver
func (b *Bus) SubscribeLatest(id string) (*Latest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	l := newLatest()
	b.subscribers[id] = &subscriber{id: id, policy: DropOld, latest: l}
	slog.Debug("events: subscriber registered", "subscriber_id", id, "policy", DropOld.String())
	return l, nil
}

// Unsubscribe removes a subscriber. DropOld receivers are closed; DropNew
// channels belong to the caller and are left open.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if sub.latest != nil {
		sub.latest.Close()
	}
	delete(b.subscribers, id)

	slog.Debug("events: subscriber removed",
		"subscriber_id", id,
		"sent", sub.sent.Load(),
		"dropped", sub.dropped.Load(),
	)
	return nil
}

// Publish implements session.Publisher. It never blocks.
func (b *Bus) Publish(ev session.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subscribers {
		switch sub.policy {
		case DropNew:
			select {
			case sub.ch <- ev:
				sub.sent.Add(1)
			default:
				sub.dropped.Add(1)
			}
		case DropOld:
			if sub.latest.set(ev) {
				sub.dropped.Add(1)
			}
			sub.sent.Add(1)
		}
	}
}

// SubscriberStats returns delivery counters for one subscriber
func (b *Bus) SubscriberStats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}, nil
}

// Stats returns a snapshot of all counters
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make(map[string]SubscriberStats, len(b.subscribers))
	for id, sub := range b.subscribers {
		subs[id] = SubscriberStats{Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}
	}
	return Stats{Published: b.published.Load(), Subscribers: subs}
}

// Close shuts the bus down and closes every DropOld receiver
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subscribers {
		if sub.latest != nil {
			sub.latest.Close()
		}
	}
	b.subscribers = nil
}

// StartStatsLogger logs delivery stats periodically and warns about
// subscribers dropping most of their events. Blocks until ctx is done.
func (b *Bus) StartStatsLogger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := b.Stats()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := b.Stats()
			delta := stats.Published - prev.Published

			for id, s := range stats.Subscribers {
				dropped := s.Dropped - prev.Subscribers[id].Dropped
				if delta > 0 && float64(dropped)/float64(delta) > 0.80 {
					slog.Warn("events: subscriber high drop rate",
						"subscriber_id", id,
						"drop_rate_pct", int(float64(dropped)/float64(delta)*100),
						"dropped_last_interval", dropped,
						"events_last_interval", delta,
					)
				}
			}

			slog.Debug("events: bus stats",
				"published", stats.Published,
				"subscribers", len(stats.Subscribers),
			)
			prev = stats
		}
	}
}

// Latest holds the most recent event for a DropOld subscriber
type Latest struct {
	mu       sync.Mutex
	ev       session.Event
	seq      uint64
	consumed uint64
	notify   chan struct{}
	closed   bool
}

func newLatest() *Latest {
	return &Latest{notify: make(chan struct{}, 1)}
}

// set stores ev and reports whether an unread event was overwritten
func (l *Latest) set(ev session.Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	overwritten := l.seq > l.consumed
	l.ev = ev
	l.seq++

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return overwritten
}

// Receive blocks until an event newer than the last one received is
// available, the receiver is closed, or ctx is done.
func (l *Latest) Receive(ctx context.Context) (session.Event, error) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return session.Event{}, ErrReceiverClosed
		}
		if l.seq > l.consumed {
			l.consumed = l.seq
			ev := l.ev
			l.mu.Unlock()
			return ev, nil
		}
		l.mu.Unlock()

		select {
		case <-l.notify:
		case <-ctx.Done():
			return session.Event{}, ctx.Err()
		}
	}
}

// TryReceive returns the latest event without blocking, whether or not it
// was already received.
func (l *Latest) TryReceive() (session.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.seq == 0 || l.closed {
		return session.Event{}, false
	}
	l.consumed = l.seq
	return l.ev, true
}

// Close wakes any blocked Receive
func (l *Latest) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.notify)
}
