package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
)

// ProbeDeviceNode checks that a video device node exists and can be opened
// for capture, mapping OS errors onto the capture sentinels.
func ProbeDeviceNode(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return probeError(path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrDeviceUnavailable, path)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return probeError(path, err)
	}
	return f.Close()
}

func probeError(path string, err error) error {
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EPERM) {
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, path, err)
	}
	// ENOENT, EBUSY, ENODEV and friends
	return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, path, err)
}
