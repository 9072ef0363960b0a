package scan

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidScanParameters is generated for a bad step count or bad scan bounds
	ErrInvalidScanParameters = errors.New("invalid scan parameters")

	// ErrDeviceConnection is generated when a stage, lock-in, or
	// spectrometer fails to connect or stops responding to a session
	ErrDeviceConnection = errors.New("device connection failure")

	// ErrDeviceTimeout is generated when a device does not answer within its
	// read window
	ErrDeviceTimeout = errors.New("device i/o timeout")

	// ErrDivisionByZero is generated when the reference transmission is zero
	ErrDivisionByZero = errors.New("reference transmission is zero")

	// ErrEmptyScanResult is generated when peak referencing is attempted on no rows
	ErrEmptyScanResult = errors.New("scan result has no rows")
)

// DeviceError describes a failed device operation.  Kind is one of
// ErrDeviceConnection or ErrDeviceTimeout and is matched by errors.Is.
type DeviceError struct {
	Device string
	Op     string
	Kind   error
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Device, e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause
func (e *DeviceError) Unwrap() error { return e.Err }

// Is matches the error kind
func (e *DeviceError) Is(target error) bool { return target == e.Kind }

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidScanParameters}, args...)...)
}
