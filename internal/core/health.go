package core

import (
	"time"

	"github.com/care/formcoach/internal/events"
	"github.com/care/formcoach/internal/session"
)

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status          string `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64  `json:"uptime_seconds"`
	CameraOn        bool   `json:"camera_on"`
	CameraReady     bool   `json:"camera_ready"`
	Permission      string `json:"permission"`
	Analyzing       bool   `json:"analyzing"`
	LastError       string `json:"last_error,omitempty"`
	MQTTEnabled     bool   `json:"mqtt_enabled"`
	MQTTConnected   bool   `json:"mqtt_connected"`
	BrowserAttached *bool  `json:"browser_attached,omitempty"`
	// RunnerRequests and RunnerAvgLatencyMS are set for the process backend
	RunnerRequests     uint64                            `json:"runner_requests,omitempty"`
	RunnerAvgLatencyMS float64                           `json:"runner_avg_latency_ms,omitempty"`
	Events             map[string]events.SubscriberStats `json:"events,omitempty"`
}

// HealthCheck returns the current health status of the service.
//
// unhealthy: not running. degraded: MQTT enabled but disconnected, or the
// session is showing a camera or analysis failure.
func (f *FormCoach) HealthCheck() HealthStatus {
	f.mu.RLock()
	running := f.isRunning
	started := f.started
	controller := f.controller
	f.mu.RUnlock()

	status := HealthStatus{
		Status:      "healthy",
		MQTTEnabled: f.emitter != nil,
		Events:      f.bus.Stats().Subscribers,
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	var state session.State
	if controller != nil {
		state = controller.State()
	}
	status.CameraOn = state.CameraOn
	status.CameraReady = state.CameraReady
	status.Permission = state.Permission.String()
	status.Analyzing = state.Analyzing
	if state.Error != nil && state.Error.Kind != session.UserGuardViolation {
		status.LastError = state.Error.Kind.String()
	}

	if f.emitter != nil {
		status.MQTTConnected = f.emitter.Stats().Connected
	}
	if f.remote != nil {
		attached := f.remote.Attached()
		status.BrowserAttached = &attached
	}
	if f.process != nil {
		status.RunnerRequests, status.RunnerAvgLatencyMS = f.process.Stats()
	}

	switch {
	case !running:
		status.Status = "unhealthy"
	case status.MQTTEnabled && !status.MQTTConnected:
		status.Status = "degraded"
	case status.LastError != "":
		status.Status = "degraded"
	}
	return status
}

// GetStatus returns the status map for the control plane
func (f *FormCoach) GetStatus() map[string]interface{} {
	h := f.HealthCheck()

	f.mu.RLock()
	controller := f.controller
	f.mu.RUnlock()

	out := map[string]interface{}{
		"instance_id": f.cfg.InstanceID,
		"uptime_s":    h.UptimeSeconds,
		"health":      h.Status,
	}
	if controller != nil {
		out["state"] = controller.State()
		out["exercises"] = controller.Exercises()
	}
	return out
}
