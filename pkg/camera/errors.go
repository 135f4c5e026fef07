package camera

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrDeviceUnavailable is returned when the capture device cannot be
	// opened. It is fatal to the capture path and never retried
	// automatically; a new Start call is the only recovery.
	ErrDeviceUnavailable = errors.New("camera: device unavailable")

	// ErrNotReady is returned by Surface.Snapshot before the first frame
	// has landed or after the session ended.
	ErrNotReady = errors.New("camera: surface not ready")

	// ErrUnknownBackend is returned when no device is registered under
	// the configured backend name.
	ErrUnknownBackend = errors.New("camera: unknown backend")
)

// Reason classifies why a device could not be opened.
type Reason string

const (
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonNotFound         Reason = "not_found"
	ReasonDeviceBusy       Reason = "device_busy"
	ReasonUnknown          Reason = "unknown"
)

// DeviceError describes a failed device acquisition.
// errors.Is(err, ErrDeviceUnavailable) holds for every DeviceError.
type DeviceError struct {
	// Reason is the classified failure.
	Reason Reason

	// Device identifies the backend and device, e.g. "opencv:0".
	Device string

	// Err is the underlying backend error, if any.
	Err error
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("camera [%s]: device unavailable (%s): %v", e.Device, e.Reason, e.Err)
	}
	return fmt.Sprintf("camera [%s]: device unavailable (%s)", e.Device, e.Reason)
}

// Unwrap returns the underlying backend error.
func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Is reports DeviceError as ErrDeviceUnavailable.
func (e *DeviceError) Is(target error) bool {
	return target == ErrDeviceUnavailable
}

// NewDeviceError builds a DeviceError.
func NewDeviceError(device string, reason Reason, err error) *DeviceError {
	return &DeviceError{Reason: reason, Device: device, Err: err}
}

// ReasonOf returns the Reason carried by err, or ReasonUnknown.
func ReasonOf(err error) Reason {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Reason
	}
	return ReasonUnknown
}
