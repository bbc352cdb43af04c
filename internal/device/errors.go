package device

import "fmt"

// UnsupportedDeviceError is returned when a memory query has no
// implementation for the requested device on this build or platform.
type UnsupportedDeviceError struct {
	Op     string
	Device Device
}

func (e *UnsupportedDeviceError) Error() string {
	return fmt.Sprintf("%s: unsupported device %s", e.Op, e.Device)
}

// PlatformQueryError wraps a failed OS or driver call, or output that
// could not be parsed.
type PlatformQueryError struct {
	Op  string
	Err error
}

func (e *PlatformQueryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PlatformQueryError) Unwrap() error {
	return e.Err
}
