// Package capture owns the camera handle and drives frame delivery.
//
// A Session moves through
//
//	UNINITIALIZED -> STARTING -> ACTIVE -> STOPPING -> STOPPED
//
// with ERROR reachable from STARTING and ACTIVE. Start, Stop and Restart
// are serialized: an operation issued while another is in flight waits
// for it, except that Start on a STARTING or ACTIVE session is rejected
// with a DeviceBusy error straight away.
package capture

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/qr-scanner/internal/interfaces"
	"github.com/akylbek/payment-system/qr-scanner/internal/models"
	"github.com/akylbek/payment-system/qr-scanner/internal/telemetry"
)

// FrameFunc receives frames on the session's pump goroutine. ctx is
// cancelled as soon as a stop is requested. It must not call Stop or
// Restart; use RequestStop instead.
type FrameFunc func(ctx context.Context, frame models.Frame)

// ErrorFunc receives a frame acquisition failure. It is called at most
// once per run, after the session has moved to ERROR.
type ErrorFunc func(err error)

type Options struct {
	Provider   interfaces.CameraProvider
	Permission interfaces.PermissionReader
	Lease      interfaces.DeviceLease
	// LeaseKey names the physical device group the lease guards.
	LeaseKey string
	LeaseTTL time.Duration
	// ReleaseGrace is waited between the stop and start halves of Restart.
	ReleaseGrace time.Duration
}

type Session struct {
	id   string
	opts Options

	// ops is a one-slot semaphore serializing Start/Stop/Restart.
	ops chan struct{}

	mu         sync.Mutex
	state      models.SessionState
	cfg        models.ScanConfig
	camera     interfaces.Camera
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
	listeners  []func(from, to models.SessionState)
}

func NewSession(opts Options) *Session {
	if opts.LeaseKey == "" {
		opts.LeaseKey = "camera"
	}
	return &Session{
		id:    uuid.NewString(),
		opts:  opts,
		ops:   make(chan struct{}, 1),
		state: models.SessionUninitialized,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns the configuration of the current or last run.
func (s *Session) Config() models.ScanConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// OnStateChange registers fn for every transition.
func (s *Session) OnStateChange(fn func(from, to models.SessionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Session) Start(ctx context.Context, cfg models.ScanConfig, onFrame FrameFunc, onError ErrorFunc) error {
	if err := s.rejectBusy("start"); err != nil {
		return err
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.releaseOp()

	return s.start(ctx, cfg, onFrame, onError)
}

// Stop releases the device and resolves only once it is free. Stopping a
// session that is STOPPED or was never started does nothing.
func (s *Session) Stop(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.releaseOp()

	_, err := s.stop(ctx)
	return err
}

// Restart is Stop, a release grace period, then Start with cfg.
func (s *Session) Restart(ctx context.Context, cfg models.ScanConfig, onFrame FrameFunc, onError ErrorFunc) error {
	ctx, span := telemetry.Tracer.Start(ctx, "capture.restart")
	defer span.End()

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.releaseOp()

	stopped, err := s.stop(ctx)
	if err != nil {
		return err
	}

	if stopped && s.opts.ReleaseGrace > 0 {
		timer := time.NewTimer(s.opts.ReleaseGrace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	if err := s.start(ctx, cfg, onFrame, onError); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// RequestStop halts frame delivery without waiting. The device stays held
// until Stop or Restart runs.
func (s *Session) RequestStop() {
	s.mu.Lock()
	cancel := s.pumpCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.ops <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) releaseOp() {
	<-s.ops
}

func (s *Session) rejectBusy(op string) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case models.SessionStarting, models.SessionActive:
		return models.NewCameraError(models.KindDeviceBusy, op,
			fmt.Errorf("%w: session already %s", models.ErrDeviceBusy, state))
	case models.SessionError:
		return models.ErrSessionErrored
	}
	return nil
}

// start runs with the op semaphore held.
func (s *Session) start(ctx context.Context, cfg models.ScanConfig, onFrame FrameFunc, onError ErrorFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.rejectBusy("start"); err != nil {
		return err
	}

	if s.opts.Permission != nil && s.opts.Permission.CurrentState() == models.PermissionDenied {
		return models.NewCameraError(models.KindPermissionDenied, "start", models.ErrPermissionDenied)
	}

	ctx, span := telemetry.Tracer.Start(ctx, "capture.start")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", s.id),
		attribute.String("camera.facing_mode", string(cfg.FacingMode)),
		attribute.Int("camera.fps", cfg.FramesPerSecond),
	)

	begin := time.Now()
	s.transition(models.SessionStarting, func() { s.cfg = cfg })

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.transition(models.SessionError, nil)
		return err
	}

	if s.opts.Lease != nil {
		ok, err := s.opts.Lease.Acquire(ctx, s.opts.LeaseKey, s.id, s.opts.LeaseTTL)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				s.releaseLease(ctx)
				s.transition(models.SessionStopped, nil)
				return ctxErr
			}
			return fail(models.NewCameraError(models.KindUnknown, "lease", err))
		}
		if !ok {
			return fail(models.NewCameraError(models.KindDeviceBusy, "lease",
				fmt.Errorf("%w: held by another session", models.ErrDeviceBusy)))
		}
	}

	cam, err := s.opts.Provider.Open(ctx, cfg)
	if err != nil {
		s.releaseLease(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.transition(models.SessionStopped, nil)
			return ctxErr
		}
		return fail(models.NewCameraError(models.Classify(err), "open", err))
	}

	// The caller gave up while the device was opening; hand it straight back.
	if ctxErr := ctx.Err(); ctxErr != nil {
		s.closeCamera(cam)
		s.releaseLease(ctx)
		s.transition(models.SessionStopped, nil)
		return ctxErr
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.transition(models.SessionActive, func() {
		s.camera = cam
		s.pumpCancel = cancel
		s.pumpDone = done
	})
	telemetry.SessionStartLatency.Observe(time.Since(begin).Seconds())

	go s.pump(pumpCtx, cam, cfg, onFrame, onError, done)
	return nil
}

// stop runs with the op semaphore held. It reports whether any teardown
// work was done.
func (s *Session) stop(ctx context.Context) (bool, error) {
	s.mu.Lock()
	state := s.state
	if state == models.SessionUninitialized || state == models.SessionStopped {
		s.mu.Unlock()
		return false, nil
	}
	cam, cancel, done := s.camera, s.pumpCancel, s.pumpDone
	s.mu.Unlock()

	_, span := telemetry.Tracer.Start(ctx, "capture.stop")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", s.id), attribute.String("from_state", string(state)))

	s.transition(models.SessionStopping, nil)

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if cam != nil {
		s.closeCamera(cam)
	}
	s.releaseLease(ctx)

	s.transition(models.SessionStopped, func() {
		s.camera = nil
		s.pumpCancel = nil
		s.pumpDone = nil
	})
	return true, nil
}

func (s *Session) pump(ctx context.Context, cam interfaces.Camera, cfg models.ScanConfig, onFrame FrameFunc, onError ErrorFunc, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(cfg.FrameInterval())
	defer ticker.Stop()

	var refresh <-chan time.Time
	if s.opts.Lease != nil && s.opts.LeaseTTL > 0 {
		t := time.NewTicker(s.opts.LeaseTTL / 2)
		defer t.Stop()
		refresh = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh:
			if _, err := s.opts.Lease.Acquire(ctx, s.opts.LeaseKey, s.id, s.opts.LeaseTTL); err != nil && ctx.Err() == nil {
				telemetry.Logger.Warn("Failed to refresh camera lease", zap.String("session_id", s.id), zap.Error(err))
			}
		case <-ticker.C:
			frame, err := cam.ReadFrame(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.readFailed(cam, err, onError)
				return
			}
			if onFrame != nil {
				onFrame(ctx, frame)
			}
		}
	}
}

func (s *Session) readFailed(cam interfaces.Camera, err error, onError ErrorFunc) {
	kind := models.Classify(err)
	if kind == models.KindUnknown {
		kind = models.KindTransientReadError
	}
	wrapped := models.NewCameraError(kind, "read", err)

	// a stop racing the failure wins
	if !s.transitionFrom([]models.SessionState{models.SessionActive}, models.SessionError, nil) {
		return
	}

	telemetry.Logger.Warn("Frame acquisition failed",
		zap.String("session_id", s.id),
		zap.String("device", cam.ID()),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	if onError != nil {
		onError(wrapped)
	}
}

func (s *Session) closeCamera(cam interfaces.Camera) {
	if err := cam.Close(); err != nil {
		telemetry.Logger.Warn("Camera close failed",
			zap.String("session_id", s.id),
			zap.String("device", cam.ID()),
			zap.Error(err),
		)
	}
}

func (s *Session) releaseLease(ctx context.Context) {
	if s.opts.Lease == nil {
		return
	}
	if err := s.opts.Lease.Release(context.WithoutCancel(ctx), s.opts.LeaseKey, s.id); err != nil {
		telemetry.Logger.Warn("Failed to release camera lease", zap.String("session_id", s.id), zap.Error(err))
	}
}

func (s *Session) transition(to models.SessionState, mutate func()) {
	s.transitionFrom(nil, to, mutate)
}

// transitionFrom moves to `to` only when the current state is one of from
// (any state when from is empty), applying mutate under the lock, and
// reports whether it moved.
func (s *Session) transitionFrom(from []models.SessionState, to models.SessionState, mutate func()) bool {
	s.mu.Lock()
	prev := s.state
	if len(from) > 0 && !slices.Contains(from, prev) {
		s.mu.Unlock()
		return false
	}
	if mutate != nil {
		mutate()
	}
	s.state = to
	listeners := append([]func(from, to models.SessionState){}, s.listeners...)
	s.mu.Unlock()

	if prev == to {
		return true
	}

	telemetry.SessionTransitions.WithLabelValues(string(prev), string(to)).Inc()
	telemetry.Logger.Info("Capture session transition",
		zap.String("session_id", s.id),
		zap.String("from_state", string(prev)),
		zap.String("to_state", string(to)),
	)
	for _, fn := range listeners {
		fn(prev, to)
	}
	return true
}
