package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/care/formcoach/internal/capture"
	"github.com/care/formcoach/internal/types"
)

// fakeSource is a capture.Source whose reports and frames are scripted
type fakeSource struct {
	reports chan capture.Report

	mu        sync.Mutex
	frame     *types.Frame
	hasFrame  bool
	active    bool
	setActive []bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		reports:  make(chan capture.Report, 8),
		frame:    &types.Frame{MIME: types.MIMEJPEG, Data: []byte{0xff, 0xd8}, TraceID: "t"},
		hasFrame: true,
	}
}

func (s *fakeSource) SetActive(_ context.Context, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
	s.setActive = append(s.setActive, active)
}

func (s *fakeSource) Capture() (*types.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || !s.hasFrame {
		return nil, false
	}
	return s.frame, true
}

func (s *fakeSource) Reports() <-chan capture.Report {
	return s.reports
}

func (s *fakeSource) report(r capture.Report) {
	s.reports <- r
}

func (s *fakeSource) setHasFrame(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasFrame = ok
}

func (s *fakeSource) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// fakeTicker is fired by hand
type fakeTicker struct {
	interval time.Duration
	c        chan time.Time
	stopped  atomic.Bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }
func (t *fakeTicker) Stop()               { t.stopped.Store(true) }

type fakeClock struct {
	mu      sync.Mutex
	tickers []*fakeTicker
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{interval: d, c: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

func (c *fakeClock) last() *fakeTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tickers) == 0 {
		return nil
	}
	return c.tickers[len(c.tickers)-1]
}

func (c *fakeClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tickers {
		if !t.stopped.Load() {
			n++
		}
	}
	return n
}

// tick fires the newest ticker
func (c *fakeClock) tick(t *testing.T) {
	t.Helper()
	tk := c.last()
	if tk == nil {
		t.Fatal("no ticker to fire")
	}
	tk.c <- time.Now()
}

type analyzeResult struct {
	verdict types.Verdict
	err     error
}

// fakeClient answers from a queue; when the queue is empty the call blocks
// until a result is pushed
type fakeClient struct {
	results chan analyzeResult
	called  chan string
	calls   atomic.Int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		results: make(chan analyzeResult, 8),
		called:  make(chan string, 8),
	}
}

func (f *fakeClient) Analyze(ctx context.Context, _ *types.Frame, exercise string) (types.Verdict, error) {
	f.calls.Add(1)
	f.called <- exercise
	select {
	case r := <-f.results:
		return r.verdict, r.err
	case <-ctx.Done():
		return types.Verdict{}, ctx.Err()
	}
}

func (f *fakeClient) respond(v types.Verdict, err error) {
	f.results <- analyzeResult{verdict: v, err: err}
}

func (f *fakeClient) waitCalled(t *testing.T) string {
	t.Helper()
	select {
	case ex := <-f.called:
		return ex
	case <-time.After(2 * time.Second):
		t.Fatal("inference client was not called")
		return ""
	}
}

// recorder collects published events
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(match func(Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if match(ev) {
			n++
		}
	}
	return n
}

func (r *recorder) waitCount(t *testing.T, what string, n int, match func(Event) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.count(match) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %s events", n, what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func cycleOutcome(outcome string) func(Event) bool {
	return func(ev Event) bool { return ev.Type == EventCycle && ev.Outcome == outcome }
}

type harness struct {
	ctrl   *Controller
	source *fakeSource
	client *fakeClient
	clock  *fakeClock
	events *recorder
}

func newHarness(t *testing.T, exercises ...string) *harness {
	t.Helper()
	h := &harness{
		source: newFakeSource(),
		client: newFakeClient(),
		clock:  &fakeClock{},
		events: &recorder{},
	}
	h.ctrl = New(h.source, h.client, Config{
		Exercises: exercises,
		Clock:     h.clock,
		Publisher: h.events,
	})
	t.Cleanup(func() { h.ctrl.Close() })
	return h
}

func (h *harness) waitState(t *testing.T, what string, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := h.ctrl.State()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; state = %+v", what, s)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ready selects an exercise and brings the camera to granted+ready
func (h *harness) ready(t *testing.T, exercise string) {
	t.Helper()
	ctx := context.Background()

	if err := h.ctrl.SelectExercise(ctx, exercise); err != nil {
		t.Fatalf("SelectExercise() error = %v", err)
	}
	on, err := h.ctrl.ToggleCamera(ctx)
	if err != nil || !on {
		t.Fatalf("ToggleCamera() = %v, %v; want on", on, err)
	}
	h.source.report(capture.Report{Ready: true, Permission: types.PermissionGranted})
	h.waitState(t, "camera ready", func(s State) bool { return s.CameraReady })
}

// analyzing starts analysis with a first verdict
func (h *harness) analyzing(t *testing.T, first types.Verdict) {
	t.Helper()
	h.client.respond(first, nil)
	if err := h.ctrl.StartAnalysis(context.Background()); err != nil {
		t.Fatalf("StartAnalysis() error = %v", err)
	}
	h.client.waitCalled(t)
}
