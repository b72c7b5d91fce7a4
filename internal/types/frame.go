package types

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

// ErrInvalidDataURL is returned for strings that are not base64 data URLs
var ErrInvalidDataURL = errors.New("invalid data URL")

// MIMEJPEG is the encoding every capture device produces.
const MIMEJPEG = "image/jpeg"

// Frame represents a single encoded still image taken from a live camera
type Frame struct {
	// Seq is the monotonic sequence number within one capture handle
	Seq uint64
	// Timestamp is when the frame was captured
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// MIME is the encoding of Data (image/jpeg)
	MIME string
	// Data contains the lossy-compressed image bytes.
	// MUST NOT be modified once the frame is published.
	Data []byte
	// SourceStream identifies the device that produced the frame
	SourceStream string
	// TraceID is a unique identifier for following a frame through analysis
	TraceID string
}

// DataURL renders the frame as a base64 data URL with MIME prefix,
// the form hosted inference services accept.
func (f *Frame) DataURL() string {
	mime := f.MIME
	if mime == "" {
		mime = MIMEJPEG
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
}

// ParseDataURL splits a base64 data URL into its MIME type and payload
func ParseDataURL(s string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, ErrInvalidDataURL
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, ErrInvalidDataURL
	}
	mime, ok := strings.CutSuffix(header, ";base64")
	if !ok {
		return "", nil, ErrInvalidDataURL
	}
	if mime == "" {
		mime = "text/plain"
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, errors.Join(ErrInvalidDataURL, err)
	}
	return mime, data, nil
}

// Verdict is the inference service's judgement for one analyzed frame.
// It is replaced wholesale on every successful response.
type Verdict struct {
	FormCorrect bool   `json:"formCorrect"`
	Feedback    string `json:"feedback"`
}
