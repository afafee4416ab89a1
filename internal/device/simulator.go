// Package device provides a simulated camera stack. Frames are fed in from
// outside (HTTP uploads, tests) and permission changes are driven through
// SetPermission, standing in for the platform callbacks.
package device

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/qr-scanner/internal/interfaces"
	"github.com/akylbek/payment-system/qr-scanner/internal/models"
	"github.com/akylbek/payment-system/qr-scanner/internal/telemetry"
)

var blankFrame = image.NewGray(image.Rect(0, 0, 64, 64))

type Options struct {
	// Devices maps each available facing mode to a device id.
	Devices map[models.FacingMode]string
	// ReleaseLag keeps a closed device busy for a while, like a driver
	// that frees the handle after Close returns.
	ReleaseLag time.Duration
	Permission models.PermissionState
	QueueSize  int
}

func DefaultOptions() Options {
	return Options{
		Devices: map[models.FacingMode]string{
			models.FacingEnvironment: "cam-back",
			models.FacingUser:        "cam-front",
		},
		Permission: models.PermissionGranted,
		QueueSize:  32,
	}
}

var (
	_ interfaces.CameraProvider    = (*Simulator)(nil)
	_ interfaces.PermissionSource  = (*Simulator)(nil)
	_ interfaces.PermissionWatcher = (*Simulator)(nil)
)

type Simulator struct {
	opts   Options
	frames chan image.Image

	mu         sync.Mutex
	permission models.PermissionState
	watchers   map[chan models.PermissionState]struct{}
	busyUntil  map[string]time.Time
	open       map[string]bool
	openErrs   []error
	readErrs   []error
	opens      int
}

func NewSimulator(opts Options) *Simulator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	if opts.Permission == "" {
		opts.Permission = models.PermissionGranted
	}
	return &Simulator{
		opts:       opts,
		frames:     make(chan image.Image, opts.QueueSize),
		permission: opts.Permission,
		watchers:   make(map[chan models.PermissionState]struct{}),
		busyUntil:  make(map[string]time.Time),
		open:       make(map[string]bool),
	}
}

// --- Permission source ---

func (s *Simulator) Query(ctx context.Context) (models.PermissionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permission, nil
}

func (s *Simulator) Watch(ctx context.Context) (<-chan models.PermissionState, error) {
	ch := make(chan models.PermissionState, 4)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

// SetPermission plays the platform's permission callback.
func (s *Simulator) SetPermission(state models.PermissionState) {
	s.mu.Lock()
	s.permission = state
	watchers := make([]chan models.PermissionState, 0, len(s.watchers))
	for ch := range s.watchers {
		watchers = append(watchers, ch)
	}
	s.mu.Unlock()

	telemetry.Logger.Info("[SIM] Camera permission set", zap.String("state", string(state)))

	for _, ch := range watchers {
		select {
		case ch <- state:
		default:
			telemetry.Logger.Warn("[SIM] Permission watcher lagging, update dropped")
		}
	}
}

// --- Frame feed & fault injection ---

// Feed queues one image for the next frame read. It fails when the queue
// is full.
func (s *Simulator) Feed(img image.Image) error {
	select {
	case s.frames <- img:
		return nil
	default:
		return fmt.Errorf("frame queue full (%d)", cap(s.frames))
	}
}

// FailNextOpen makes the next Open return err.
func (s *Simulator) FailNextOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErrs = append(s.openErrs, err)
}

// FailNextRead makes the next frame read return err.
func (s *Simulator) FailNextRead(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErrs = append(s.readErrs, err)
}

// Opens reports how many cameras have been opened successfully.
func (s *Simulator) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// --- Camera provider ---

func (s *Simulator) Open(ctx context.Context, cfg models.ScanConfig) (interfaces.Camera, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.openErrs) > 0 {
		err := s.openErrs[0]
		s.openErrs = s.openErrs[1:]
		return nil, err
	}
	if s.permission == models.PermissionDenied {
		return nil, models.NewCameraError(models.KindPermissionDenied, "open", models.ErrPermissionDenied)
	}

	id, ok := s.opts.Devices[cfg.FacingMode]
	if !ok {
		return nil, models.NewCameraError(models.KindDeviceNotFound, "open",
			fmt.Errorf("%w: %s", models.ErrDeviceNotFound, cfg.FacingMode))
	}
	if s.open[id] || time.Now().Before(s.busyUntil[id]) {
		return nil, models.NewCameraError(models.KindDeviceBusy, "open",
			fmt.Errorf("%w: %s", models.ErrDeviceBusy, id))
	}

	s.open[id] = true
	s.opens++
	telemetry.Logger.Info("[SIM] Camera opened",
		zap.String("device", id),
		zap.String("facing_mode", string(cfg.FacingMode)),
	)
	return &Camera{sim: s, id: id, facing: cfg.FacingMode}, nil
}

func (s *Simulator) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, id)
	if s.opts.ReleaseLag > 0 {
		s.busyUntil[id] = time.Now().Add(s.opts.ReleaseLag)
	}
	telemetry.Logger.Info("[SIM] Camera closed", zap.String("device", id))
}

func (s *Simulator) nextReadErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.readErrs) == 0 {
		return nil
	}
	err := s.readErrs[0]
	s.readErrs = s.readErrs[1:]
	return err
}

// Camera is an open simulated device.
type Camera struct {
	sim    *Simulator
	id     string
	facing models.FacingMode

	mu     sync.Mutex
	seq    uint64
	closed bool
}

func (c *Camera) ID() string { return c.id }

// ReadFrame returns the next fed image, or a blank frame when none is queued.
func (c *Camera) ReadFrame(ctx context.Context) (models.Frame, error) {
	if err := ctx.Err(); err != nil {
		return models.Frame{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return models.Frame{}, models.NewCameraError(models.KindTransientReadError, "read",
			fmt.Errorf("%w: device %s closed", models.ErrTransientRead, c.id))
	}
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	if err := c.sim.nextReadErr(); err != nil {
		return models.Frame{}, err
	}

	img := image.Image(blankFrame)
	select {
	case fed := <-c.sim.frames:
		img = fed
	default:
	}

	return models.Frame{
		Seq:        seq,
		DeviceID:   c.id,
		FacingMode: c.facing,
		Image:      img,
		CapturedAt: time.Now(),
	}, nil
}

func (c *Camera) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.sim.release(c.id)
	return nil
}
