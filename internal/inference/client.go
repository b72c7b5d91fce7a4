// Package inference sends a single camera frame plus the selected exercise
// to a multimodal model and returns its verdict on the user's form.
//
// Backends share one contract: one request, one verdict or one
// *RemoteError. Retries and timeouts belong to the caller.
package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/care/formcoach/internal/types"
)

var (
	// ErrTransport means the backend could not be reached or the call was interrupted
	ErrTransport = errors.New("inference: transport failure")
	// ErrMalformedResponse means the backend answered with something that is not a verdict
	ErrMalformedResponse = errors.New("inference: malformed response")
	// ErrRejected means the backend refused the request
	ErrRejected = errors.New("inference: request rejected")
)

// Client analyzes one frame for one exercise
type Client interface {
	Analyze(ctx context.Context, frame *types.Frame, exercise string) (types.Verdict, error)
}

// RemoteError is the only error type returned by Client implementations.
// Message is safe to show to the user.
type RemoteError struct {
	Op      string
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func transportError(op string, err error) *RemoteError {
	return &RemoteError{Op: op, Message: "could not reach the analysis service", Err: fmt.Errorf("%w: %v", ErrTransport, err)}
}

func malformedError(op string, detail string) *RemoteError {
	return &RemoteError{Op: op, Message: "the analysis service returned an unreadable answer", Err: fmt.Errorf("%w: %s", ErrMalformedResponse, detail)}
}

func rejectedError(op string, message string) *RemoteError {
	if message == "" {
		message = "the analysis service rejected the request"
	}
	return &RemoteError{Op: op, Message: message, Err: ErrRejected}
}

// AnalyzeRequest is the wire request: a data URL still image and an exercise label
type AnalyzeRequest struct {
	Video        string `json:"video"`
	ExerciseType string `json:"exerciseType"`
}

// AnalyzeResponse is the wire response. Fields are pointers so that
// missing keys are detected instead of defaulting.
type AnalyzeResponse struct {
	FormCorrect *bool   `json:"formCorrect"`
	Feedback    *string `json:"feedback"`
	// Error is set by services that report rejections in-band
	Error string `json:"error,omitempty"`
}

// NewAnalyzeRequest builds the wire request for a frame
func NewAnalyzeRequest(frame *types.Frame, exercise string) AnalyzeRequest {
	return AnalyzeRequest{Video: frame.DataURL(), ExerciseType: exercise}
}

// Verdict validates the response and converts it
func (r AnalyzeResponse) Verdict() (types.Verdict, error) {
	if r.FormCorrect == nil {
		return types.Verdict{}, errors.New("missing formCorrect")
	}
	if r.Feedback == nil {
		return types.Verdict{}, errors.New("missing feedback")
	}
	return types.Verdict{FormCorrect: *r.FormCorrect, Feedback: *r.Feedback}, nil
}

// ResponseFor renders a verdict in wire form
func ResponseFor(v types.Verdict) AnalyzeResponse {
	correct, feedback := v.FormCorrect, v.Feedback
	return AnalyzeResponse{FormCorrect: &correct, Feedback: &feedback}
}

func validateInput(op string, frame *types.Frame, exercise string) error {
	if frame == nil || len(frame.Data) == 0 {
		return &RemoteError{Op: op, Message: "no frame to analyze", Err: ErrRejected}
	}
	if exercise == "" {
		return &RemoteError{Op: op, Message: "no exercise selected", Err: ErrRejected}
	}
	return nil
}
