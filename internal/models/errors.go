package models

import (
	"errors"
	"strings"
)

type ErrorKind string

const (
	KindPermissionDenied   ErrorKind = "PermissionDenied"
	KindDeviceBusy         ErrorKind = "DeviceBusy"
	KindDeviceNotFound     ErrorKind = "DeviceNotFound"
	KindTransientReadError ErrorKind = "TransientReadError"
	KindUnknown            ErrorKind = "Unknown"
)

var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrDeviceBusy       = errors.New("camera device busy")
	ErrDeviceNotFound   = errors.New("no camera matches the requested facing mode")
	ErrTransientRead    = errors.New("frame read failed")

	// ErrSessionErrored is returned by Start on a session in ERROR; only
	// Restart recovers it.
	ErrSessionErrored = errors.New("capture session is in error state, restart required")
	ErrTornDown       = errors.New("scanner has been shut down")
	ErrInvalidStage   = errors.New("operation not valid in current stage")
	ErrAmountRequired = errors.New("amount is required")
	ErrUnknownSource  = errors.New("unknown payment source")
	ErrRetryDisabled  = errors.New("retry is not available")
)

// CameraError attaches a kind and the failing operation to a camera-layer error.
type CameraError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *CameraError) Error() string {
	if e.Op != "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *CameraError) Unwrap() error {
	return e.Err
}

func NewCameraError(kind ErrorKind, op string, err error) *CameraError {
	return &CameraError{Kind: kind, Op: op, Err: err}
}

// platform error names reported by browser-style capture stacks
var kindByMessage = []struct {
	needle string
	kind   ErrorKind
}{
	{"notallowederror", KindPermissionDenied},
	{"permission denied", KindPermissionDenied},
	{"securityerror", KindPermissionDenied},
	{"notreadableerror", KindDeviceBusy},
	{"could not start video source", KindDeviceBusy},
	{"device in use", KindDeviceBusy},
	{"trackstarterror", KindDeviceBusy},
	{"notfounderror", KindDeviceNotFound},
	{"overconstrainederror", KindDeviceNotFound},
	{"requested device not found", KindDeviceNotFound},
	{"devicesnotfounderror", KindDeviceNotFound},
}

// Classify maps any camera-layer error to its kind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var camErr *CameraError
	if errors.As(err, &camErr) && camErr.Kind != "" {
		return camErr.Kind
	}

	switch {
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrDeviceBusy):
		return KindDeviceBusy
	case errors.Is(err, ErrDeviceNotFound):
		return KindDeviceNotFound
	case errors.Is(err, ErrTransientRead):
		return KindTransientReadError
	}

	msg := strings.ToLower(err.Error())
	for _, m := range kindByMessage {
		if strings.Contains(msg, m.needle) {
			return m.kind
		}
	}
	return KindUnknown
}
