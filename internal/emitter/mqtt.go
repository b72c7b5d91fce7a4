package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/care/formcoach/internal/config"
	"github.com/care/formcoach/internal/session"
	"github.com/care/formcoach/internal/types"
)

// ErrNotConnected is returned when publishing without a broker connection
var ErrNotConnected = errors.New("mqtt not connected")

// VerdictMessage is published for every successful analysis
type VerdictMessage struct {
	InstanceID string        `json:"instance_id"`
	Exercise   string        `json:"exercise"`
	Verdict    types.Verdict `json:"verdict"`
	TraceID    string        `json:"trace_id,omitempty"`
	LatencyMS  int64         `json:"latency_ms"`
	Timestamp  time.Time     `json:"timestamp"`
}

// StateMessage is the retained session snapshot
type StateMessage struct {
	InstanceID string        `json:"instance_id"`
	State      session.State `json:"state"`
	Timestamp  time.Time     `json:"timestamp"`
}

// MQTTEmitter publishes session events to an MQTT broker
type MQTTEmitter struct {
	cfg        config.MQTTConfig
	instanceID string
	Client     mqtt.Client // Exported for control plane

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:        cfg.MQTT,
		instanceID: cfg.InstanceID,
		published:  make(map[string]uint64),
	}
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID("formcoach-" + e.instanceID)
	if e.cfg.Username != "" {
		opts.SetUsername(e.cfg.Username)
		opts.SetPassword(e.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", e.cfg.Broker,
			"instance_id", e.instanceID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("emitter: connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Run publishes events from ch until ctx is done or ch is closed
func (e *MQTTEmitter) Run(ctx context.Context, ch <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := e.Handle(ev); err != nil {
				slog.Debug("emitter: publish failed", "event", string(ev.Type), "error", err)
			}
		}
	}
}

// Handle publishes one session event. State events update the retained
// snapshot, verdict events go to the verdicts topic, the rest are not
// forwarded.
func (e *MQTTEmitter) Handle(ev session.Event) error {
	switch ev.Type {
	case session.EventVerdict:
		if ev.Verdict == nil {
			return nil
		}
		return e.publishJSON(e.cfg.Topics.Verdicts, e.qos("verdicts"), false, VerdictMessage{
			InstanceID: e.instanceID,
			Exercise:   ev.Exercise,
			Verdict:    *ev.Verdict,
			TraceID:    ev.TraceID,
			LatencyMS:  ev.Latency.Milliseconds(),
			Timestamp:  ev.Timestamp,
		})
	case session.EventState:
		return e.publishJSON(e.cfg.Topics.State, e.qos("state"), true, StateMessage{
			InstanceID: e.instanceID,
			State:      ev.State,
			Timestamp:  ev.Timestamp,
		})
	}
	return nil
}

// PublishHealth publishes a health message
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	return e.publish(e.cfg.Topics.Health, e.qos("health"), false, payload)
}

func (e *MQTTEmitter) publishJSON(topic string, qos byte, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return e.publish(topic, qos, retained, payload)
}

func (e *MQTTEmitter) publish(topic string, qos byte, retained bool, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	token := e.Client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("emitter: published",
		"topic", topic,
		"qos", qos,
		"retained", retained,
		"size", len(payload),
	)
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("emitter: mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func (e *MQTTEmitter) qos(kind string) byte {
	if qos, ok := e.cfg.QoS[kind]; ok {
		return qos
	}
	return 0
}
