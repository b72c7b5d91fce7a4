package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/care/formcoach/internal/config"
	"github.com/care/formcoach/internal/session"
	"github.com/care/formcoach/internal/types"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type publishedMsg struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient records publishes; unused mqtt.Client methods panic via the
// nil embedded interface
type fakeClient struct {
	mqtt.Client

	mu   sync.Mutex
	msgs []publishedMsg
	err  error
}

func (c *fakeClient) IsConnected() bool { return true }
func (c *fakeClient) Disconnect(uint)   {}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, publishedMsg{topic, qos, retained, payload.([]byte)})
	return doneToken{err: c.err}
}

func (c *fakeClient) messages() []publishedMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishedMsg(nil), c.msgs...)
}

func newTestEmitter(t *testing.T) (*MQTTEmitter, *fakeClient) {
	t.Helper()
	cfg := &config.Config{
		InstanceID: "gym-01",
		Inference:  config.InferenceConfig{URL: "http://x"},
		MQTT:       config.MQTTConfig{Enabled: true, Broker: "localhost:1883"},
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatal(err)
	}

	e := NewMQTTEmitter(cfg)
	fc := &fakeClient{}
	e.Client = fc
	e.setConnected(true)
	return e, fc
}

func TestHandle_Verdict(t *testing.T) {
	e, fc := newTestEmitter(t)

	v := types.Verdict{FormCorrect: false, Feedback: "Bend knees more"}
	err := e.Handle(session.Event{
		Type:     session.EventVerdict,
		Exercise: "Squat",
		Verdict:  &v,
		TraceID:  "abc",
		Latency:  1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	msgs := fc.messages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.topic != "formcoach/verdicts/gym-01" || m.qos != 1 || m.retained {
		t.Errorf("message = %s qos=%d retained=%v", m.topic, m.qos, m.retained)
	}

	var got VerdictMessage
	if err := json.Unmarshal(m.payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.Verdict != v || got.Exercise != "Squat" || got.LatencyMS != 1500 || got.InstanceID != "gym-01" {
		t.Errorf("payload = %+v", got)
	}

	if e.Stats().Published["formcoach/verdicts/gym-01"] != 1 {
		t.Errorf("stats = %+v", e.Stats())
	}
}

func TestHandle_StateIsRetained(t *testing.T) {
	e, fc := newTestEmitter(t)

	err := e.Handle(session.Event{
		Type:  session.EventState,
		State: session.State{SelectedExercise: "Plank", CameraOn: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs := fc.messages()
	if len(msgs) != 1 || msgs[0].topic != "formcoach/state/gym-01" || !msgs[0].retained {
		t.Fatalf("messages = %+v", msgs)
	}

	var payload map[string]any
	if err := json.Unmarshal(msgs[0].payload, &payload); err != nil {
		t.Fatal(err)
	}
	state := payload["state"].(map[string]any)
	if state["selectedExercise"] != "Plank" || state["permission"] != "unknown" {
		t.Errorf("state payload = %v", state)
	}
}

func TestHandle_IgnoresOtherEvents(t *testing.T) {
	e, fc := newTestEmitter(t)

	for _, typ := range []session.EventType{session.EventNotice, session.EventCycle, session.EventFailure} {
		if err := e.Handle(session.Event{Type: typ}); err != nil {
			t.Errorf("Handle(%s) error = %v", typ, err)
		}
	}
	// Verdict without payload is ignored too
	e.Handle(session.Event{Type: session.EventVerdict})

	if n := len(fc.messages()); n != 0 {
		t.Errorf("published %d messages, want 0", n)
	}
}

func TestPublish_Errors(t *testing.T) {
	e, fc := newTestEmitter(t)

	e.setConnected(false)
	if err := e.PublishHealth([]byte(`{}`)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishHealth() disconnected = %v, want ErrNotConnected", err)
	}

	e.setConnected(true)
	fc.err = errors.New("broker refused")
	if err := e.PublishHealth([]byte(`{}`)); err == nil {
		t.Error("PublishHealth() should surface the token error")
	}

	if got := e.Stats().Errors; got != 2 {
		t.Errorf("errors = %d, want 2", got)
	}
}

func TestRun_StopsWhenChannelCloses(t *testing.T) {
	e, fc := newTestEmitter(t)

	ch := make(chan session.Event, 2)
	ch <- session.Event{Type: session.EventState}
	ch <- session.Event{Type: session.EventState}
	close(ch)

	done := make(chan struct{})
	go func() {
		e.Run(context.Background(), ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if n := len(fc.messages()); n != 2 {
		t.Errorf("published %d messages, want 2", n)
	}
}
