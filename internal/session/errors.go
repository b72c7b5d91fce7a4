package session

import (
	"errors"
	"fmt"

	"github.com/care/formcoach/internal/capture"
	"github.com/care/formcoach/internal/inference"
)

var (
	// ErrStopped is returned by StartAnalysis when analysis was stopped
	// before its first poll cycle completed.
	ErrStopped = errors.New("session: analysis stopped")
	// ErrClosed is returned once the controller has shut down
	ErrClosed = errors.New("session: controller closed")
)

// Kind classifies a user-visible failure
type Kind int

const (
	PermissionDenied Kind = iota + 1
	DeviceUnavailable
	PlaybackFailure
	RemoteAnalysisFailure
	UserGuardViolation
)

func (k Kind) String() string {
	switch k {
	case PermissionDenied:
		return "permission_denied"
	case DeviceUnavailable:
		return "device_unavailable"
	case PlaybackFailure:
		return "playback_failure"
	case RemoteAnalysisFailure:
		return "remote_analysis_failure"
	case UserGuardViolation:
		return "user_guard_violation"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind name for JSON payloads
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Failure is an error the session shows to the user
type Failure struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	}
	return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// IsGuardViolation reports whether err is a rejected user action
func IsGuardViolation(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == UserGuardViolation
}

func guardViolation(message string) *Failure {
	return &Failure{Kind: UserGuardViolation, Message: message}
}

// cameraFailure maps a frame source error onto the session taxonomy
func cameraFailure(err error) *Failure {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return &Failure{Kind: PermissionDenied, Message: "Camera access was denied. Allow camera access and turn the camera on again.", Err: err}
	case errors.Is(err, capture.ErrPlayback):
		return &Failure{Kind: PlaybackFailure, Message: "The camera started but produced no video.", Err: err}
	default:
		return &Failure{Kind: DeviceUnavailable, Message: "No usable camera was found, or it is in use by another application.", Err: err}
	}
}

// analysisFailure wraps an inference error for display
func analysisFailure(err error) *Failure {
	msg := "Analysis failed."
	var remote *inference.RemoteError
	if errors.As(err, &remote) && remote.Message != "" {
		msg = "Analysis failed: " + remote.Message
	}
	return &Failure{Kind: RemoteAnalysisFailure, Message: msg, Err: err}
}
