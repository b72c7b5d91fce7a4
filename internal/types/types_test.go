package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestFrameDataURL(t *testing.T) {
	f := &Frame{MIME: MIMEJPEG, Data: []byte{0xff, 0xd8, 0xff}}
	got := f.DataURL()
	if got != "data:image/jpeg;base64,/9j/" {
		t.Errorf("DataURL() = %q", got)
	}

	// Missing MIME falls back to JPEG
	f.MIME = ""
	if !strings.HasPrefix(f.DataURL(), "data:image/jpeg;base64,") {
		t.Errorf("DataURL() without MIME = %q", f.DataURL())
	}
}

func TestParseDataURL(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantMIME string
		wantLen  int
		wantErr  bool
	}{
		{"jpeg", "data:image/jpeg;base64,/9j/", "image/jpeg", 3, false},
		{"png", "data:image/png;base64,iVBORw==", "image/png", 4, false},
		{"no prefix", "image/jpeg;base64,/9j/", "", 0, true},
		{"not base64", "data:image/jpeg,abc", "", 0, true},
		{"bad payload", "data:image/jpeg;base64,!!!", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mime, data, err := ParseDataURL(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDataURL(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidDataURL) {
					t.Errorf("error %v is not ErrInvalidDataURL", err)
				}
				return
			}
			if mime != tt.wantMIME || len(data) != tt.wantLen {
				t.Errorf("ParseDataURL(%q) = %q, %d bytes", tt.in, mime, len(data))
			}
		})
	}

	// Round trip through DataURL
	f := &Frame{MIME: MIMEJPEG, Data: []byte("jpeg-bytes")}
	_, data, err := ParseDataURL(f.DataURL())
	if err != nil || string(data) != "jpeg-bytes" {
		t.Errorf("round trip = %q, %v", data, err)
	}
}

func TestPermissionStateText(t *testing.T) {
	tests := []struct {
		in      string
		want    PermissionState
		wantErr bool
	}{
		{"granted", PermissionGranted, false},
		{"denied", PermissionDenied, false},
		{"prompt", PermissionPrompt, false},
		{"", PermissionUnknown, false},
		{"maybe", PermissionUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePermissionState(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePermissionState(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParsePermissionState(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestPermissionStateJSON(t *testing.T) {
	var payload struct {
		State PermissionState `json:"state"`
	}
	if err := json.Unmarshal([]byte(`{"state":"denied"}`), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.State != PermissionDenied {
		t.Errorf("state = %v, want denied", payload.State)
	}

	out, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"state":"denied"}` {
		t.Errorf("marshal = %s", out)
	}
}
