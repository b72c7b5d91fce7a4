package session

import (
	"time"

	"github.com/care/formcoach/internal/types"
)

// EventType identifies what a session event carries
type EventType string

const (
	EventState   EventType = "state"
	EventVerdict EventType = "verdict"
	EventFailure EventType = "failure"
	EventNotice  EventType = "notice"
	EventCycle   EventType = "cycle"
)

// Cycle outcomes carried by EventCycle
const (
	CycleAnalyzed = "analyzed"
	CycleSkipped  = "skipped"
	CycleGuard    = "guard_violation"
	CycleFailed   = "failed"
	CycleStale    = "stale"
)

// Event is published after every transition
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	State     State          `json:"state"`
	Exercise  string         `json:"exercise,omitempty"`
	Verdict   *types.Verdict `json:"verdict,omitempty"`
	Failure   *Failure       `json:"failure,omitempty"`
	Notice    string         `json:"notice,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Latency   time.Duration  `json:"latency_ns,omitempty"`
}

// Publisher receives session events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
