// Package metrics exposes session and inference activity as Prometheus
// collectors.
package metrics

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/care/formcoach/internal/inference"
	"github.com/care/formcoach/internal/session"
	"github.com/care/formcoach/internal/types"
)

// Metrics holds every formcoach collector
type Metrics struct {
	PollCycles       *prometheus.CounterVec
	Verdicts         *prometheus.CounterVec
	Failures         *prometheus.CounterVec
	Notices          prometheus.Counter
	InferenceLatency *prometheus.HistogramVec
	Analyzing        prometheus.Gauge
	CameraOn         prometheus.Gauge
	CameraReady      prometheus.Gauge
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PollCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "formcoach_poll_cycles_total",
			Help: "Poll cycles, by outcome",
		}, []string{"outcome"}),

		Verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "formcoach_verdicts_total",
			Help: "Verdicts received, by exercise and correctness",
		}, []string{"exercise", "form_correct"}),

		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "formcoach_failures_total",
			Help: "User-visible failures, by kind",
		}, []string{"kind"}),

		Notices: f.NewCounter(prometheus.CounterOpts{
			Name: "formcoach_notices_total",
			Help: "Rejected user actions",
		}),

		InferenceLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formcoach_inference_duration_seconds",
			Help:    "Duration of inference calls",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}, []string{"backend", "outcome"}),

		Analyzing: f.NewGauge(prometheus.GaugeOpts{
			Name: "formcoach_analyzing",
			Help: "1 while the analysis poll loop is running",
		}),

		CameraOn: f.NewGauge(prometheus.GaugeOpts{
			Name: "formcoach_camera_on",
			Help: "1 while the camera is switched on",
		}),

		CameraReady: f.NewGauge(prometheus.GaugeOpts{
			Name: "formcoach_camera_ready",
			Help: "1 while the camera is delivering frames",
		}),
	}
}

// Observe updates collectors from one session event
func (m *Metrics) Observe(ev session.Event) {
	switch ev.Type {
	case session.EventState:
		m.Analyzing.Set(boolGauge(ev.State.Analyzing))
		m.CameraOn.Set(boolGauge(ev.State.CameraOn))
		m.CameraReady.Set(boolGauge(ev.State.CameraReady))
	case session.EventCycle:
		m.PollCycles.WithLabelValues(ev.Outcome).Inc()
	case session.EventVerdict:
		if ev.Verdict != nil {
			m.Verdicts.WithLabelValues(ev.Exercise, strconv.FormatBool(ev.Verdict.FormCorrect)).Inc()
		}
	case session.EventFailure:
		if ev.Failure != nil {
			m.Failures.WithLabelValues(ev.Failure.Kind.String()).Inc()
		}
	case session.EventNotice:
		m.Notices.Inc()
	}
}

// Run observes events from ch until ctx is done or ch is closed
func (m *Metrics) Run(ctx context.Context, ch <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// InstrumentedClient records latency and outcome of every call to the
// wrapped inference client
type InstrumentedClient struct {
	next    inference.Client
	backend string
	m       *Metrics
}

// Instrument wraps client
func (m *Metrics) Instrument(backend string, client inference.Client) *InstrumentedClient {
	return &InstrumentedClient{next: client, backend: backend, m: m}
}

// Analyze implements inference.Client
func (c *InstrumentedClient) Analyze(ctx context.Context, frame *types.Frame, exercise string) (types.Verdict, error) {
	started := time.Now()
	v, err := c.next.Analyze(ctx, frame, exercise)
	c.m.InferenceLatency.WithLabelValues(c.backend, Outcome(err)).Observe(time.Since(started).Seconds())
	return v, err
}

// Outcome classifies an inference error for labelling
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, inference.ErrTransport):
		return "transport"
	case errors.Is(err, inference.ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, inference.ErrRejected):
		return "rejected"
	default:
		return "error"
	}
}
