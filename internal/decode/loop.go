// Package decode runs the decode primitive against captured frames.
package decode

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/qr-scanner/internal/interfaces"
	"github.com/akylbek/payment-system/qr-scanner/internal/models"
	"github.com/akylbek/payment-system/qr-scanner/internal/telemetry"
)

// ErrNoCode is the benign "nothing in this frame" outcome. It fires many
// times per second during normal scanning and is never surfaced.
var ErrNoCode = errors.New("no barcode or QR code detected")

// messages some decode stacks use for a benign miss
var benignMessages = []string{
	"no multiformat readers",
	"no barcode or qr code detected",
	"failed to execute 'drawimage'",
	"notfoundexception",
}

func IsBenignMiss(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoCode) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range benignMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Stopper halts frame delivery without waiting for the device.
type Stopper interface {
	RequestStop()
}

type PayloadFunc func(ctx context.Context, generation uint64, payload models.DecodedPayload)

type ErrorFunc func(generation uint64, err error)

// HealthyFunc is called once per generation, on the first frame the decode
// primitive handled without a genuine error.
type HealthyFunc func(ctx context.Context, generation uint64)

// Loop classifies decode results. Each Arm starts a generation that emits
// at most one payload; frames from older generations are dropped.
type Loop struct {
	decoder   interfaces.Decoder
	stopper   Stopper
	onPayload PayloadFunc
	onError   ErrorFunc
	onHealthy HealthyFunc

	mu         sync.Mutex
	generation uint64
	emitted    bool
	healthy    bool
}

func NewLoop(decoder interfaces.Decoder, stopper Stopper, onPayload PayloadFunc, onError ErrorFunc) *Loop {
	return &Loop{
		decoder:   decoder,
		stopper:   stopper,
		onPayload: onPayload,
		onError:   onError,
	}
}

// OnHealthy registers fn. It must be set before the first Arm.
func (l *Loop) OnHealthy(fn HealthyFunc) {
	l.onHealthy = fn
}

// Arm starts a new generation and returns the frame handler bound to it.
func (l *Loop) Arm() (uint64, func(ctx context.Context, frame models.Frame)) {
	l.mu.Lock()
	l.generation++
	l.emitted = false
	l.healthy = false
	gen := l.generation
	l.mu.Unlock()

	return gen, func(ctx context.Context, frame models.Frame) {
		l.handleFrame(ctx, gen, frame)
	}
}

// Disarm retires the current generation without starting a new one.
func (l *Loop) Disarm() {
	l.mu.Lock()
	l.generation++
	l.emitted = true
	l.mu.Unlock()
}

func (l *Loop) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation
}

func (l *Loop) live(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation == gen && !l.emitted
}

// markHealthy reports whether this is the first clean frame of gen.
func (l *Loop) markHealthy(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.generation != gen || l.healthy {
		return false
	}
	l.healthy = true
	return true
}

// claim marks gen as having emitted. Only the first caller wins.
func (l *Loop) claim(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.generation != gen || l.emitted {
		return false
	}
	l.emitted = true
	return true
}

func (l *Loop) handleFrame(ctx context.Context, gen uint64, frame models.Frame) {
	if ctx.Err() != nil || !l.live(gen) {
		return
	}

	text, err := l.decoder.Decode(ctx, frame)
	if ctx.Err() != nil {
		return
	}

	switch {
	case err != nil && IsBenignMiss(err), err == nil && text == "":
		telemetry.FramesProcessed.WithLabelValues("miss").Inc()
		l.reportHealthy(ctx, gen)
		return
	case err != nil:
		telemetry.FramesProcessed.WithLabelValues("error").Inc()
		telemetry.Logger.Warn("Decode primitive failed",
			zap.Uint64("frame_seq", frame.Seq),
			zap.String("device", frame.DeviceID),
			zap.Error(err),
		)
		if l.live(gen) && l.onError != nil {
			l.onError(gen, err)
		}
		return
	}

	l.reportHealthy(ctx, gen)
	if !l.claim(gen) {
		return
	}
	telemetry.FramesProcessed.WithLabelValues("hit").Inc()
	telemetry.Logger.Info("QR code decoded",
		zap.Uint64("frame_seq", frame.Seq),
		zap.String("device", frame.DeviceID),
		zap.Int("length", len(text)),
	)

	if l.onPayload != nil {
		l.onPayload(ctx, gen, models.DecodedPayload{
			Text:      text,
			FrameSeq:  frame.Seq,
			DecodedAt: time.Now(),
		})
	}
	if l.stopper != nil {
		l.stopper.RequestStop()
	}
}

func (l *Loop) reportHealthy(ctx context.Context, gen uint64) {
	if l.onHealthy != nil && l.markHealthy(gen) {
		l.onHealthy(ctx, gen)
	}
}
