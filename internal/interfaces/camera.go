package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/akylbek/payment-system/qr-scanner/internal/models"
)

// ErrPermissionQueryUnsupported is returned by a PermissionSource on platforms
// that cannot report camera permission.
var ErrPermissionQueryUnsupported = errors.New("permission query not supported")

// Camera is an open video input stream.
type Camera interface {
	ID() string
	// ReadFrame blocks until the next frame is available.
	ReadFrame(ctx context.Context) (models.Frame, error)
	// Close releases the physical device. It returns once the driver has
	// let go of the handle.
	Close() error
}

// CameraProvider opens cameras. Open fails with models.ErrDeviceNotFound when
// no device matches the facing mode and models.ErrDeviceBusy when the device
// is held elsewhere.
type CameraProvider interface {
	Open(ctx context.Context, cfg models.ScanConfig) (Camera, error)
}

// Decoder is the decode primitive: it extracts text from one frame or
// reports a miss.
type Decoder interface {
	Decode(ctx context.Context, frame models.Frame) (string, error)
}

type PermissionSource interface {
	Query(ctx context.Context) (models.PermissionState, error)
}

// PermissionWatcher is implemented by sources that push permission changes.
type PermissionWatcher interface {
	Watch(ctx context.Context) (<-chan models.PermissionState, error)
}

// PermissionReader gives read access to the current camera permission.
type PermissionReader interface {
	CurrentState() models.PermissionState
}

// DeviceLease guards exclusive use of a physical device across session
// instances (and, with a shared backend, across processes).
type DeviceLease interface {
	Acquire(ctx context.Context, deviceKey, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, deviceKey, owner string) error
}
