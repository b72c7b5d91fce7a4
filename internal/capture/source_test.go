package capture

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/care/formcoach/internal/types"
)

func waitReport(t *testing.T, cam *Camera) Report {
	t.Helper()
	select {
	case r := <-cam.Reports():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for report")
		return Report{}
	}
}

func expectNoReport(t *testing.T, cam *Camera, wait time.Duration) {
	t.Helper()
	select {
	case r := <-cam.Reports():
		t.Fatalf("unexpected report: %+v", r)
	case <-time.After(wait):
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCamera_AcquireCaptureRelease(t *testing.T) {
	dev := NewMockDevice(MockConfig{FPS: 30})
	cam := NewCamera(dev)
	defer cam.Close()

	if _, ok := cam.Capture(); ok {
		t.Fatal("Capture() before activation should fail")
	}

	cam.SetActive(context.Background(), true)
	r := waitReport(t, cam)
	if !r.Ready || r.Err != nil || r.Permission != types.PermissionGranted {
		t.Fatalf("report = %+v, want ready and granted", r)
	}

	frame, ok := cam.Capture()
	if !ok {
		t.Fatal("Capture() after ready should return a frame")
	}
	if frame.MIME != types.MIMEJPEG || len(frame.Data) == 0 || frame.TraceID == "" {
		t.Errorf("unexpected frame: mime=%s len=%d trace=%q", frame.MIME, len(frame.Data), frame.TraceID)
	}
	if got := cam.OpenHandles(); got != 1 {
		t.Errorf("OpenHandles() = %d, want 1", got)
	}

	cam.SetActive(context.Background(), false)
	if _, ok := cam.Capture(); ok {
		t.Error("Capture() after release should fail")
	}
	if got := cam.OpenHandles(); got != 0 {
		t.Errorf("OpenHandles() after release = %d, want 0", got)
	}

	// Release is idempotent
	cam.SetActive(context.Background(), false)
	if got := dev.OpenCount(); got != 0 {
		t.Errorf("device open count = %d, want 0", got)
	}
}

func TestCamera_AcquisitionFailures(t *testing.T) {
	tests := []struct {
		name           string
		openErr        error
		wantPermission types.PermissionState
		wantErr        error
	}{
		{
			name:           "permission denied",
			openErr:        fmt.Errorf("%w: user dismissed prompt", ErrPermissionDenied),
			wantPermission: types.PermissionDenied,
			wantErr:        ErrPermissionDenied,
		},
		{
			name:           "device missing",
			openErr:        fmt.Errorf("%w: /dev/video0 not found", ErrDeviceUnavailable),
			wantPermission: types.PermissionUnknown,
			wantErr:        ErrDeviceUnavailable,
		},
		{
			name:           "playback",
			openErr:        fmt.Errorf("%w: no frame", ErrPlayback),
			wantPermission: types.PermissionUnknown,
			wantErr:        ErrPlayback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cam := NewCamera(NewMockDevice(MockConfig{OpenErr: tt.openErr}))
			defer cam.Close()

			cam.SetActive(context.Background(), true)
			r := waitReport(t, cam)

			if r.Ready {
				t.Error("report should not be ready")
			}
			if !errors.Is(r.Err, tt.wantErr) {
				t.Errorf("report error = %v, want %v", r.Err, tt.wantErr)
			}
			if r.Permission != tt.wantPermission {
				t.Errorf("permission = %v, want %v", r.Permission, tt.wantPermission)
			}
			if _, ok := cam.Capture(); ok {
				t.Error("Capture() should fail after failed acquisition")
			}
			if got := cam.OpenHandles(); got != 0 {
				t.Errorf("OpenHandles() = %d, want 0", got)
			}
		})
	}
}

func TestCamera_NoAutomaticRetry(t *testing.T) {
	dev := NewMockDevice(MockConfig{OpenErr: ErrDeviceUnavailable})
	cam := NewCamera(dev)
	defer cam.Close()

	cam.SetActive(context.Background(), true)
	waitReport(t, cam)
	expectNoReport(t, cam, 100*time.Millisecond)

	if got := dev.Opens(); got != 1 {
		t.Errorf("device opened %d times, want 1", got)
	}

	// An explicit activation is the retry
	dev.SetOpenError(nil)
	cam.SetActive(context.Background(), true)
	if r := waitReport(t, cam); !r.Ready {
		t.Errorf("retry report = %+v, want ready", r)
	}
}

func TestCamera_ReactivationDropsQueuedReports(t *testing.T) {
	dev := NewMockDevice(MockConfig{OpenErr: ErrDeviceUnavailable})
	cam := NewCamera(dev)
	defer cam.Close()

	cam.SetActive(context.Background(), true)
	waitUntil(t, "failure report queued", func() bool { return len(cam.reports) == 1 })

	// The failure is never read before the user toggles off and on again
	cam.SetActive(context.Background(), false)
	dev.SetOpenError(nil)
	cam.SetActive(context.Background(), true)

	r := waitReport(t, cam)
	if !r.Ready || r.Err != nil {
		t.Fatalf("first report after reactivation = %+v, want ready", r)
	}
	if got := cam.OpenHandles(); got != 1 {
		t.Errorf("OpenHandles() = %d, want 1", got)
	}
	expectNoReport(t, cam, 100*time.Millisecond)
}

func TestCamera_RevokedWhileActive(t *testing.T) {
	dev := NewMockDevice(MockConfig{FPS: 30})
	cam := NewCamera(dev)
	defer cam.Close()

	cam.SetActive(context.Background(), true)
	if r := waitReport(t, cam); !r.Ready {
		t.Fatalf("report = %+v, want ready", r)
	}

	dev.Revoke()
	r := waitReport(t, cam)
	if r.Ready || !errors.Is(r.Err, ErrPermissionDenied) || r.Permission != types.PermissionDenied {
		t.Fatalf("revocation report = %+v", r)
	}

	waitUntil(t, "handle release", func() bool { return cam.OpenHandles() == 0 })
	if _, ok := cam.Capture(); ok {
		t.Error("Capture() after revocation should fail")
	}
	if cam.Permission() != types.PermissionDenied {
		t.Errorf("Permission() = %v, want denied", cam.Permission())
	}
}

func TestCamera_DeviceFailureWhileActive(t *testing.T) {
	dev := NewMockDevice(MockConfig{})
	cam := NewCamera(dev)
	defer cam.Close()

	cam.SetActive(context.Background(), true)
	waitReport(t, cam)

	dev.Fail(fmt.Errorf("%w: unplugged", ErrDeviceUnavailable))
	r := waitReport(t, cam)
	if r.Ready || !errors.Is(r.Err, ErrDeviceUnavailable) {
		t.Fatalf("failure report = %+v", r)
	}
	// Device failures do not change permission
	if r.Permission != types.PermissionGranted {
		t.Errorf("permission = %v, want granted", r.Permission)
	}
	waitUntil(t, "handle release", func() bool { return dev.OpenCount() == 0 })
}

func TestCamera_ReleaseDuringAcquisitionIsSilent(t *testing.T) {
	dev := NewMockDevice(MockConfig{OpenDelay: 50 * time.Millisecond})
	cam := NewCamera(dev)
	defer cam.Close()

	cam.SetActive(context.Background(), true)
	cam.SetActive(context.Background(), false)

	expectNoReport(t, cam, 150*time.Millisecond)
	if got := dev.OpenCount(); got != 0 {
		t.Errorf("device open count = %d, want 0", got)
	}
}

func TestCamera_AtMostOneHandle(t *testing.T) {
	dev := NewMockDevice(MockConfig{OpenDelay: 10 * time.Millisecond})
	cam := NewCamera(dev)
	defer cam.Close()

	for i := 0; i < 5; i++ {
		cam.SetActive(context.Background(), true)
	}

	// Only the last activation may report
	r := waitReport(t, cam)
	if !r.Ready {
		t.Fatalf("report = %+v, want ready", r)
	}
	expectNoReport(t, cam, 100*time.Millisecond)

	if got := dev.MaxOpen(); got != 1 {
		t.Errorf("max simultaneously open handles = %d, want 1", got)
	}
	if got := cam.OpenHandles(); got != 1 {
		t.Errorf("OpenHandles() = %d, want 1", got)
	}
}

func TestPermissionFromError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		fallback types.PermissionState
		want     types.PermissionState
	}{
		{"nil", nil, types.PermissionUnknown, types.PermissionGranted},
		{"denied", fmt.Errorf("x: %w", ErrPermissionDenied), types.PermissionGranted, types.PermissionDenied},
		{"device", ErrDeviceUnavailable, types.PermissionPrompt, types.PermissionPrompt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PermissionFromError(tt.err, tt.fallback); got != tt.want {
				t.Errorf("PermissionFromError() = %v, want %v", got, tt.want)
			}
		})
	}
}
