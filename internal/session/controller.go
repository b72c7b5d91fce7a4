// Package session owns the coaching session state machine: which exercise
// is selected, whether the camera is on and permitted, and the analysis
// poll loop that turns camera frames into verdicts.
//
// All state lives on a single event-loop goroutine. Public methods send
// commands to the loop and wait for the reply; camera reports, poll ticks
// and inference completions arrive on channels serviced by the same loop,
// so transitions never interleave.
//
// Asynchronous completions carry the generation they were started under.
// Stopping or restarting analysis bumps the generation, and completions
// from an older generation are discarded without touching state.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/formcoach/internal/capture"
	"github.com/care/formcoach/internal/inference"
	"github.com/care/formcoach/internal/types"
)

const (
	// DefaultPollInterval is the period between poll cycles
	DefaultPollInterval = 5000 * time.Millisecond
	// DefaultAnalyzeTimeout bounds one inference call
	DefaultAnalyzeTimeout = 30 * time.Second
)

// Config configures a Controller
type Config struct {
	PollInterval   time.Duration
	AnalyzeTimeout time.Duration
	// Exercises is the catalog of selectable labels; empty accepts any label
	Exercises []string
	Clock     Clock
	Publisher Publisher
}

// Controller drives one coaching session
type Controller struct {
	source capture.Source
	client inference.Client
	cfg    Config

	cmds    chan func()
	results chan cycleResult
	quit    chan struct{}
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	snapshot  atomic.Pointer[State]
	closeOnce sync.Once
	wg        sync.WaitGroup

	// Owned by the loop goroutine
	state    State
	gen      uint64
	ticker   Ticker
	tickC    <-chan time.Time
	inFlight bool
	// firstCycle is resolved when the first poll cycle of the current
	// analysis run finishes (nil: analysis may continue, error otherwise)
	firstCycle chan error
}

type cycleResult struct {
	gen      uint64
	first    bool
	exercise string
	traceID  string
	verdict  types.Verdict
	err      error
	latency  time.Duration
}

// New creates a controller and starts its event loop
func New(source capture.Source, client inference.Client, cfg Config) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.AnalyzeTimeout <= 0 {
		cfg.AnalyzeTimeout = DefaultAnalyzeTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = nopPublisher{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		source:  source,
		client:  client,
		cfg:     cfg,
		cmds:    make(chan func()),
		results: make(chan cycleResult, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	initial := c.state.clone()
	c.snapshot.Store(&initial)

	c.wg.Add(1)
	go c.run()

	slog.Info("session: controller started",
		"poll_interval", cfg.PollInterval,
		"analyze_timeout", cfg.AnalyzeTimeout,
		"exercises", len(cfg.Exercises),
	)
	return c
}

// State returns the latest state snapshot
func (c *Controller) State() State {
	return *c.snapshot.Load()
}

// Exercises returns the configured catalog
func (c *Controller) Exercises() []string {
	return slices.Clone(c.cfg.Exercises)
}

// SelectExercise sets the exercise label; an empty label clears it.
// Changing the exercise while analyzing stops analysis.
func (c *Controller) SelectExercise(ctx context.Context, label string) error {
	return c.do(ctx, func() error {
		if label != "" && len(c.cfg.Exercises) > 0 && !slices.Contains(c.cfg.Exercises, label) {
			return c.reject(guardViolation(fmt.Sprintf("Unknown exercise %q.", label)))
		}
		if label == c.state.SelectedExercise {
			return nil
		}
		if c.state.Analyzing {
			c.stopAnalysis("exercise changed")
		}
		c.state.SelectedExercise = label
		slog.Info("session: exercise selected", "exercise", label)
		c.commit()
		return nil
	})
}

// ToggleCamera flips the camera on or off and returns the new cameraOn value.
//
// Turning off stops analysis and releases the device; the displayed error is
// kept. Turning on clears non-permission errors and starts acquisition,
// whose outcome arrives later as a frame source report.
func (c *Controller) ToggleCamera(ctx context.Context) (bool, error) {
	var on bool
	err := c.do(ctx, func() error {
		c.state.CameraOn = !c.state.CameraOn
		on = c.state.CameraOn

		if !on {
			if c.state.Analyzing {
				c.stopAnalysis("camera turned off")
			}
			c.state.CameraReady = false
			c.source.SetActive(c.ctx, false)
			slog.Info("session: camera off")
			c.commit()
			return nil
		}

		if c.state.Error != nil && c.state.Error.Kind != PermissionDenied {
			c.state.Error = nil
		}
		c.state.CameraReady = false
		c.source.SetActive(c.ctx, true)
		slog.Info("session: camera on, acquiring")
		c.commit()
		return nil
	})
	return on, err
}

// StartAnalysis begins the poll loop. It returns after the first poll
// cycle: nil when analysis continues, the cycle's *Failure when it stopped
// analysis, or ErrStopped when analysis was stopped meanwhile. Guard
// violations return a *Failure of kind UserGuardViolation and change nothing.
func (c *Controller) StartAnalysis(ctx context.Context) error {
	var first chan error
	err := c.do(ctx, func() error {
		if f := c.state.guardFailure(); f != nil {
			return c.reject(f)
		}
		if c.state.Analyzing {
			c.stopAnalysis("restart")
		}

		c.gen++
		c.state.Feedback = nil
		c.state.Error = nil
		c.state.Loading = true
		c.state.Analyzing = true
		c.firstCycle = make(chan error, 1)
		first = c.firstCycle

		slog.Info("session: analysis started",
			"exercise", c.state.SelectedExercise,
			"generation", c.gen,
		)
		c.commit()
		c.pollCycle(true)
		return nil
	})
	if err != nil {
		return err
	}

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// StopAnalysis cancels the poll loop. Idempotent.
func (c *Controller) StopAnalysis(ctx context.Context) error {
	return c.do(ctx, func() error {
		if !c.state.Analyzing && !c.state.Loading {
			return nil
		}
		c.stopAnalysis("stopped by user")
		c.commit()
		return nil
	})
}

// Close stops the loop, cancels in-flight work and turns the camera off
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
		c.wg.Wait()
		c.cancel()
		slog.Info("session: controller closed")
	})
	return nil
}

// do runs fn on the loop goroutine and returns its result
func (c *Controller) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	cmd := func() { reply <- fn() }

	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}

	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

func (c *Controller) run() {
	defer c.wg.Done()
	defer close(c.done)

	reports := c.source.Reports()
	for {
		select {
		case <-c.quit:
			c.shutdown()
			return
		case cmd := <-c.cmds:
			cmd()
		case r := <-reports:
			c.onReport(r)
		case <-c.tickC:
			c.pollCycle(false)
		case res := <-c.results:
			c.onResult(res)
		}
	}
}

func (c *Controller) shutdown() {
	if c.state.Analyzing || c.state.Loading {
		c.stopAnalysis("shutdown")
	}
	if c.state.CameraOn {
		c.state.CameraOn = false
		c.state.CameraReady = false
		c.source.SetActive(c.ctx, false)
	}
	c.commit()
}

// onReport applies a frame source report
func (c *Controller) onReport(r capture.Report) {
	if !c.state.CameraOn {
		slog.Debug("session: ignoring frame source report while camera off",
			"ready", r.Ready,
			"permission", r.Permission.String(),
		)
		return
	}

	c.state.CameraReady = r.Ready
	if r.Permission != types.PermissionUnknown {
		c.state.Permission = r.Permission
	}

	var failure *Failure
	switch {
	case r.Err != nil:
		failure = cameraFailure(r.Err)
	case c.state.Permission == types.PermissionDenied:
		failure = cameraFailure(capture.ErrPermissionDenied)
	case !r.Ready:
		failure = cameraFailure(capture.ErrDeviceUnavailable)
	}

	if failure == nil {
		// A healthy camera clears stale camera errors, not analysis errors
		if c.state.Error != nil && c.state.Error.Kind != RemoteAnalysisFailure {
			c.state.Error = nil
		}
		slog.Info("session: camera ready", "permission", c.state.Permission.String())
		c.commit()
		return
	}

	slog.Warn("session: camera failed",
		"kind", failure.Kind.String(),
		"permission", c.state.Permission.String(),
		"error", r.Err,
	)

	c.state.Error = failure
	c.state.CameraOn = false
	c.state.CameraReady = false
	if c.state.Analyzing || c.state.Loading {
		c.resolveFirst(failure)
		c.stopAnalysis("camera failed")
	}
	// Release is idempotent; the source may already have dropped the handle
	c.source.SetActive(c.ctx, false)

	c.commit()
	c.publish(Event{Type: EventFailure, Failure: failure})
}

// pollCycle runs one capture-then-analyze iteration
func (c *Controller) pollCycle(first bool) {
	if !c.state.Analyzing {
		return
	}
	if c.inFlight {
		slog.Debug("session: previous analysis still running, skipping tick")
		c.publish(Event{Type: EventCycle, Outcome: CycleSkipped})
		return
	}

	if f := c.state.guardFailure(); f != nil {
		failure := &Failure{Kind: DeviceUnavailable, Message: "Analysis stopped: " + f.Message}
		if c.state.Permission == types.PermissionDenied {
			failure.Kind = PermissionDenied
		}
		slog.Warn("session: poll guard failed, stopping analysis", "reason", f.Message)

		c.state.Error = failure
		c.resolveFirst(failure)
		c.stopAnalysis("guard failed")
		c.commit()
		c.publish(Event{Type: EventCycle, Outcome: CycleGuard})
		c.publish(Event{Type: EventFailure, Failure: failure})
		return
	}

	frame, ok := c.source.Capture()
	if !ok {
		slog.Debug("session: no frame available, skipping cycle")
		c.publish(Event{Type: EventCycle, Outcome: CycleSkipped})
		if first {
			c.finishFirstCycle()
		}
		return
	}

	c.inFlight = true
	gen := c.gen
	exercise := c.state.SelectedExercise

	// The call is never aborted when analysis stops; its result is dropped instead
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.AnalyzeTimeout)
		defer cancel()

		started := time.Now()
		verdict, err := c.client.Analyze(ctx, frame, exercise)
		res := cycleResult{
			gen:      gen,
			first:    first,
			exercise: exercise,
			traceID:  frame.TraceID,
			verdict:  verdict,
			err:      err,
			latency:  time.Since(started),
		}

		select {
		case c.results <- res:
		case <-c.done:
		}
	}()
}

// onResult applies an inference completion if it is still current
func (c *Controller) onResult(res cycleResult) {
	if res.gen != c.gen || !c.state.Analyzing {
		slog.Debug("session: discarding stale analysis result",
			"generation", res.gen,
			"current_generation", c.gen,
			"trace_id", res.traceID,
		)
		c.publish(Event{Type: EventCycle, Outcome: CycleStale, Exercise: res.exercise, TraceID: res.traceID, Latency: res.latency})
		return
	}
	c.inFlight = false

	if res.err != nil {
		failure := analysisFailure(res.err)
		slog.Warn("session: analysis failed, stopping",
			"exercise", res.exercise,
			"trace_id", res.traceID,
			"latency", res.latency,
			"error", res.err,
		)

		c.state.Feedback = nil
		c.state.Error = failure
		c.resolveFirst(failure)
		c.stopAnalysis("analysis failed")
		c.commit()
		c.publish(Event{Type: EventCycle, Outcome: CycleFailed, Exercise: res.exercise, TraceID: res.traceID, Latency: res.latency})
		c.publish(Event{Type: EventFailure, Failure: failure})
		return
	}

	verdict := res.verdict
	c.state.Feedback = &verdict
	c.state.Error = nil

	slog.Info("session: verdict",
		"exercise", res.exercise,
		"form_correct", verdict.FormCorrect,
		"trace_id", res.traceID,
		"latency", res.latency,
	)

	if res.first {
		c.finishFirstCycle()
	} else {
		c.commit()
	}
	c.publish(Event{Type: EventCycle, Outcome: CycleAnalyzed, Exercise: res.exercise, TraceID: res.traceID, Latency: res.latency})
	c.publish(Event{Type: EventVerdict, Exercise: res.exercise, Verdict: &verdict, TraceID: res.traceID, Latency: res.latency})
}

// finishFirstCycle starts the recurring timer if analysis survived the
// first cycle, and releases the StartAnalysis caller.
func (c *Controller) finishFirstCycle() {
	if c.state.Analyzing {
		c.startTicker()
		c.state.Loading = false
	}
	c.resolveFirst(nil)
	c.commit()
}

func (c *Controller) startTicker() {
	c.stopTicker()
	c.ticker = c.cfg.Clock.NewTicker(c.cfg.PollInterval)
	c.tickC = c.ticker.C()
}

func (c *Controller) stopTicker() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	c.tickC = nil
}

// stopAnalysis cancels the timer and invalidates in-flight work. It does
// not commit, so callers can batch it with other changes.
func (c *Controller) stopAnalysis(reason string) {
	c.gen++
	c.stopTicker()
	c.inFlight = false
	c.state.Analyzing = false
	c.state.Loading = false
	c.resolveFirst(ErrStopped)

	slog.Info("session: analysis stopped", "reason", reason, "generation", c.gen)
}

func (c *Controller) resolveFirst(err error) {
	if c.firstCycle == nil {
		return
	}
	c.firstCycle <- err
	c.firstCycle = nil
}

// reject publishes a guard violation notice without changing state
func (c *Controller) reject(f *Failure) error {
	slog.Info("session: action rejected", "reason", f.Message)
	c.publish(Event{Type: EventNotice, Notice: f.Message, Failure: f})
	return f
}

// commit publishes a new immutable snapshot
func (c *Controller) commit() {
	snap := c.state.clone()
	c.snapshot.Store(&snap)
	c.publish(Event{Type: EventState})
}

func (c *Controller) publish(ev Event) {
	ev.Timestamp = time.Now()
	ev.State = c.state.clone()
	c.cfg.Publisher.Publish(ev)
}
