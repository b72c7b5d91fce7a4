package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/care/formcoach/internal/config"
	"github.com/care/formcoach/internal/session"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Response statuses
const (
	StatusSuccess  = "success"
	StatusRejected = "rejected"
	StatusError    = "error"
)

// CommandTimeout bounds a single command, including the first poll cycle
// of start_analysis
const CommandTimeout = 60 * time.Second

// Handler handles control plane commands
type Handler struct {
	cfg       config.MQTTConfig
	client    mqtt.Client
	commands  chan Command
	callbacks CommandCallbacks
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus      func() map[string]interface{}
	OnSelectExercise func(ctx context.Context, exercise string) error
	OnToggleCamera   func(ctx context.Context) (bool, error)
	OnStartAnalysis  func(ctx context.Context) error
	OnStopAnalysis   func(ctx context.Context) error
	OnShutdown       func() error
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg.MQTT,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.Topics.Control
	qos := h.cfg.QoS["control"]

	slog.Info("control: subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control: handler started")

	go h.processCommands(ctx)
	return nil
}

// Stop unsubscribes and stops command processing
func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.Topics.Control)
		token.WaitTimeout(2 * time.Second)
	}

	close(h.commands)

	slog.Info("control: handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     StatusError,
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control: command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
		h.sendResponse(Response{
			CommandAck: cmd.Command,
			Status:     StatusError,
			Error:      "command queue full",
		})
	}
}

// processCommands executes queued commands one at a time
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(ctx, cmd)
		}
	}
}

// handleCommand executes a command and publishes its response
func (h *Handler) handleCommand(ctx context.Context, cmd Command) {
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	resp := Response{CommandAck: cmd.Command, Status: StatusSuccess}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			resp = notImplemented(cmd)
			break
		}
		resp.Data = h.callbacks.OnGetStatus()

	case "select_exercise":
		if h.callbacks.OnSelectExercise == nil {
			resp = notImplemented(cmd)
			break
		}
		exercise, ok := cmd.Params["exercise"].(string)
		if !ok {
			resp.Status = StatusError
			resp.Error = "params.exercise must be a string"
			break
		}
		if err := h.callbacks.OnSelectExercise(ctx, exercise); err != nil {
			resp = failed(cmd, err)
			break
		}
		resp.Data = map[string]interface{}{"exercise": exercise}

	case "toggle_camera":
		if h.callbacks.OnToggleCamera == nil {
			resp = notImplemented(cmd)
			break
		}
		on, err := h.callbacks.OnToggleCamera(ctx)
		if err != nil {
			resp = failed(cmd, err)
			break
		}
		resp.Data = map[string]interface{}{"camera_on": on}

	case "start_analysis":
		if h.callbacks.OnStartAnalysis == nil {
			resp = notImplemented(cmd)
			break
		}
		if err := h.callbacks.OnStartAnalysis(ctx); err != nil {
			resp = failed(cmd, err)
			break
		}
		resp.Data = map[string]interface{}{"analyzing": true}

	case "stop_analysis":
		if h.callbacks.OnStopAnalysis == nil {
			resp = notImplemented(cmd)
			break
		}
		if err := h.callbacks.OnStopAnalysis(ctx); err != nil {
			resp = failed(cmd, err)
			break
		}
		resp.Data = map[string]interface{}{"analyzing": false}

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			resp = notImplemented(cmd)
			break
		}
		resp.Status = "shutting_down"
		// Response goes out before the shutdown starts
		h.sendResponse(resp)

		go func() {
			time.Sleep(500 * time.Millisecond)
			if err := h.callbacks.OnShutdown(); err != nil {
				slog.Error("control: shutdown callback failed", "error", err)
			}
		}()
		return

	default:
		resp.Status = StatusError
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

func notImplemented(cmd Command) Response {
	return Response{
		CommandAck: cmd.Command,
		Status:     StatusError,
		Error:      cmd.Command + " not implemented",
	}
}

// failed maps a session error onto a response. Guard violations are
// reported as rejected, with the failure kind in data.
func failed(cmd Command, err error) Response {
	resp := Response{CommandAck: cmd.Command, Status: StatusError, Error: err.Error()}

	var f *session.Failure
	if errors.As(err, &f) {
		resp.Error = f.Message
		resp.Data = map[string]interface{}{"kind": f.Kind.String()}
		if f.Kind == session.UserGuardViolation {
			resp.Status = StatusRejected
		}
	}
	return resp
}

// sendResponse publishes a response to the responses topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.cfg.Topics.Responses, h.cfg.QoS["control"], false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("control: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}

	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
