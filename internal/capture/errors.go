package capture

import (
	"fmt"
	"strings"
)

var permissionKeywords = []string{
	"permission denied",
	"not permitted",
	"eacces",
	"access denied",
	"notallowederror",
	"securityerror",
}

var deviceKeywords = []string{
	"no such file",
	"not found",
	"does not exist",
	"busy",
	"ebusy",
	"cannot identify device",
	"not a capture device",
	"could not open device",
	"failed to open",
	"not negotiated",
	"notfounderror",
	"notreadableerror",
	"overconstrainederror",
}

// ClassifyDeviceError maps a driver error message (and its optional debug
// detail) onto one of the capture sentinels.
//
// Permission keywords win over device keywords; anything unclassified is a
// playback failure since the device was reachable enough to report it.
func ClassifyDeviceError(message, debug string) error {
	combined := strings.ToLower(message + " " + debug)
	detail := strings.TrimSpace(message)
	if detail == "" {
		detail = "unknown error"
	}

	switch {
	case containsAny(combined, permissionKeywords):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, detail)
	case containsAny(combined, deviceKeywords):
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, detail)
	default:
		return fmt.Errorf("%w: %s", ErrPlayback, detail)
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
