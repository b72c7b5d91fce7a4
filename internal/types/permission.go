package types

import "fmt"

// PermissionState is the camera permission as reported by the platform
type PermissionState int

const (
	PermissionUnknown PermissionState = iota
	PermissionPrompt
	PermissionGranted
	PermissionDenied
)

// String returns the lowercase name used on the wire and in logs
func (p PermissionState) String() string {
	switch p {
	case PermissionPrompt:
		return "prompt"
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// ParsePermissionState parses the names produced by String.
func ParsePermissionState(s string) (PermissionState, error) {
	switch s {
	case "unknown", "":
		return PermissionUnknown, nil
	case "prompt":
		return PermissionPrompt, nil
	case "granted":
		return PermissionGranted, nil
	case "denied":
		return PermissionDenied, nil
	default:
		return PermissionUnknown, fmt.Errorf("unknown permission state %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (p PermissionState) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *PermissionState) UnmarshalText(b []byte) error {
	v, err := ParsePermissionState(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
