package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/qr-scanner/internal/capture"
	"github.com/akylbek/payment-system/qr-scanner/internal/decode"
	"github.com/akylbek/payment-system/qr-scanner/internal/intent"
	"github.com/akylbek/payment-system/qr-scanner/internal/interfaces"
	"github.com/akylbek/payment-system/qr-scanner/internal/models"
	"github.com/akylbek/payment-system/qr-scanner/internal/recovery"
	"github.com/akylbek/payment-system/qr-scanner/internal/telemetry"
)

const (
	TitleRecognized       = "QR Code Recognized"
	TitleUnrecognized     = "Unrecognized QR Code"
	TitleSubmitted        = "Payment Submitted"
	TitleSubmitFailed     = "Payment Failed"
	TitlePermissionDenied = "Camera Permission Denied"
	TitleDeviceNotFound   = "Camera Not Found"
	TitleDeviceFailed     = "Camera Unavailable"
)

// CaptureSession is the part of *capture.Session the flow drives.
type CaptureSession interface {
	State() models.SessionState
	Restart(ctx context.Context, cfg models.ScanConfig, onFrame capture.FrameFunc, onError capture.ErrorFunc) error
	Stop(ctx context.Context) error
	RequestStop()
}

type PermissionFeed interface {
	CurrentState() models.PermissionState
	OnChange(fn func(models.PermissionState)) func()
}

type Dependencies struct {
	Session    CaptureSession
	Permission PermissionFeed
	Decoder    interfaces.Decoder
	Parser     *intent.Parser
	Recovery   *recovery.Controller
	Notifier   interfaces.Notifier
	Submitter  interfaces.PaymentSubmitter
	Sources    interfaces.PaymentSourceProvider
	Repo       interfaces.ScanEventRepository
	Publisher  interfaces.EventPublisher
}

// ConfirmRequest carries the confirmation form.
type ConfirmRequest struct {
	Amount   string `json:"amount"`
	Note     string `json:"note"`
	SourceID string `json:"payment_source_id"`
}

type request struct {
	fn    func(ctx context.Context) error
	reply chan error
}

// ScanFlow coordinates scanning and confirmation. Every state change runs
// on the goroutine started by Run; public methods post to it and wait.
type ScanFlow struct {
	id   string
	deps Dependencies
	loop *decode.Loop

	inbox    chan request
	done     chan struct{}
	stopping chan struct{}
	closing  atomic.Bool

	opMu     sync.Mutex
	opCancel context.CancelFunc

	// owned by the Run goroutine
	stage        models.FlowStage
	cfg          models.ScanConfig
	gen          uint64
	intent       *models.PaymentIntent
	prefill      models.Prefill
	failure      *models.FailureInfo
	retryTimer   *time.Timer
	retryToken   uint64
	retryPending bool
	sources      []models.PaymentSource
	selected     string
	finished     bool

	snapMu sync.RWMutex
	snap   models.FlowSnapshot
}

func NewScanFlow(cfg models.ScanConfig, deps Dependencies) *ScanFlow {
	if deps.Parser == nil {
		deps.Parser = intent.NewParser("")
	}
	if deps.Recovery == nil {
		deps.Recovery = recovery.NewController(recovery.DefaultPolicy())
	}
	f := &ScanFlow{
		id:       uuid.NewString(),
		deps:     deps,
		inbox:    make(chan request, 16),
		done:     make(chan struct{}),
		stopping: make(chan struct{}),
		stage:    models.StageScanning,
		cfg:      cfg,
	}
	f.loop = decode.NewLoop(deps.Decoder, deps.Session, f.payloadDecoded, f.decodeFailed)
	f.loop.OnHealthy(f.runHealthy)
	f.publish()
	return f
}

func (f *ScanFlow) ID() string { return f.id }

// Run starts scanning and processes commands until ctx ends or Shutdown
// completes.
func (f *ScanFlow) Run(ctx context.Context) error {
	defer close(f.done)

	opCtx, cancel := context.WithCancel(ctx)
	f.opMu.Lock()
	f.opCancel = cancel
	f.opMu.Unlock()
	defer cancel()

	unsubscribe := f.deps.Permission.OnChange(func(state models.PermissionState) {
		f.post(ctx, func(ctx context.Context) error {
			f.permissionChanged(ctx, state)
			return nil
		})
	})
	defer unsubscribe()

	f.loadSources(opCtx)
	f.record(opCtx, "scan_started", "", models.StageScanning, "", string(f.cfg.FacingMode))
	f.restartCapture(opCtx)
	f.publish()

	for {
		select {
		case <-ctx.Done():
			stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			f.teardown(stopCtx)
			stopCancel()
			f.publish()
			return ctx.Err()
		case req := <-f.inbox:
			err := req.fn(opCtx)
			f.publish()
			if req.reply != nil {
				req.reply <- err
			}
			if f.finished {
				return nil
			}
		}
	}
}

// Shutdown clears pending retries and stops the capture session, waiting
// for the device to be released. Later commands fail with ErrTornDown.
func (f *ScanFlow) Shutdown(ctx context.Context) error {
	if !f.closing.Swap(true) {
		close(f.stopping)

		// abort an in-flight start; its result is discarded
		f.opMu.Lock()
		cancel := f.opCancel
		f.opMu.Unlock()
		if cancel != nil {
			cancel()
		}

		err := f.send(ctx, func(context.Context) error {
			f.teardown(ctx)
			f.finished = true
			return nil
		})
		if err != nil && !errors.Is(err, models.ErrTornDown) {
			return err
		}
	}

	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the state last published by the flow, with live session
// and permission state.
func (f *ScanFlow) Snapshot() models.FlowSnapshot {
	f.snapMu.RLock()
	snap := f.snap
	f.snapMu.RUnlock()

	snap.SessionState = f.deps.Session.State()
	snap.Permission = f.deps.Permission.CurrentState()
	return snap
}

// ToggleFacingMode switches between the front and rear camera. Only valid
// while scanning.
func (f *ScanFlow) ToggleFacingMode(ctx context.Context) error {
	return f.send(ctx, func(ctx context.Context) error {
		if f.stage != models.StageScanning {
			return fmt.Errorf("%w: toggle facing mode in %s", models.ErrInvalidStage, f.stage)
		}
		f.cancelRetry()
		f.deps.Recovery.Reset()
		f.failure = nil

		f.cfg = f.cfg.WithFacingMode(f.cfg.FacingMode.Toggle())
		f.record(ctx, "facing_mode_toggled", models.StageScanning, models.StageScanning, "", string(f.cfg.FacingMode))
		f.restartCapture(ctx)
		return nil
	})
}

// Cancel abandons the recognized intent and resumes scanning.
func (f *ScanFlow) Cancel(ctx context.Context) error {
	return f.send(ctx, func(ctx context.Context) error {
		if f.stage != models.StageConfirming {
			return fmt.Errorf("%w: cancel in %s", models.ErrInvalidStage, f.stage)
		}
		merchantID := f.intent.MerchantID
		f.clearIntent()
		f.record(ctx, "cancelled", models.StageConfirming, models.StageScanning, merchantID, "")
		f.restartCapture(ctx)
		return nil
	})
}

// Retry is the manual retry after a terminal failure. It resets the retry
// budget.
func (f *ScanFlow) Retry(ctx context.Context) error {
	return f.send(ctx, func(ctx context.Context) error {
		if f.failure == nil || !f.failure.RetryAllowed {
			return models.ErrRetryDisabled
		}
		kind := f.failure.Kind
		f.cancelRetry()
		f.deps.Recovery.Reset()
		f.failure = nil
		f.record(ctx, "manual_retry", f.stage, models.StageScanning, "", string(kind))
		f.restartCapture(ctx)
		return nil
	})
}

func (f *ScanFlow) SelectSource(ctx context.Context, sourceID string) error {
	return f.send(ctx, func(ctx context.Context) error {
		if _, ok := f.findSource(sourceID); !ok {
			return fmt.Errorf("%w: %s", models.ErrUnknownSource, sourceID)
		}
		f.selected = sourceID
		return nil
	})
}

// Confirm submits the payment for the recognized intent and returns to
// scanning. A failed submission leaves the flow confirming.
func (f *ScanFlow) Confirm(ctx context.Context, req ConfirmRequest) (*models.SubmissionAck, error) {
	var ack *models.SubmissionAck
	err := f.send(ctx, func(ctx context.Context) error {
		if f.stage != models.StageConfirming {
			return fmt.Errorf("%w: confirm in %s", models.ErrInvalidStage, f.stage)
		}

		amount := strings.TrimSpace(req.Amount)
		if amount == "" {
			return models.ErrAmountRequired
		}
		sourceID := req.SourceID
		if sourceID == "" {
			sourceID = f.selected
		}
		source, ok := f.findSource(sourceID)
		if !ok {
			return fmt.Errorf("%w: %q", models.ErrUnknownSource, sourceID)
		}

		submission := &models.PaymentSubmission{
			SubmissionID:    uuid.NewString(),
			MerchantName:    f.intent.MerchantName,
			MerchantID:      f.intent.MerchantID,
			Amount:          amount,
			Note:            strings.TrimSpace(req.Note),
			PaymentSourceID: source.ID,
			SubmittedAt:     time.Now(),
		}

		var err error
		ack, err = f.deps.Submitter.Submit(ctx, submission)
		if err != nil {
			telemetry.PaymentSubmissions.WithLabelValues("failed").Inc()
			telemetry.Logger.Error("Payment submission failed",
				zap.String("flow_id", f.id),
				zap.String("submission_id", submission.SubmissionID),
				zap.Error(err),
			)
			f.notify(ctx, TitleSubmitFailed, "The payment could not be submitted. Please try again.", models.SeverityError)
			return err
		}
		telemetry.PaymentSubmissions.WithLabelValues("accepted").Inc()

		f.notify(ctx, TitleSubmitted,
			fmt.Sprintf("₹%s paid to %s using %s", amount, submission.MerchantName, source.Name),
			models.SeveritySuccess)

		f.clearIntent()
		f.record(ctx, "payment_submitted", models.StageConfirming, models.StageScanning,
			submission.MerchantID, submission.SubmissionID)
		f.restartCapture(ctx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ack, nil
}

// send posts fn to the Run goroutine and waits for its result.
func (f *ScanFlow) send(ctx context.Context, fn func(ctx context.Context) error) error {
	reply := make(chan error, 1)
	select {
	case f.inbox <- request{fn: fn, reply: reply}:
	case <-f.done:
		return models.ErrTornDown
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-f.done:
		select {
		case err := <-reply:
			return err
		default:
			return models.ErrTornDown
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues an event without waiting for it to be handled. It gives up
// when ctx ends, which for frame callbacks means the capture run stopped,
// or once shutdown has begun.
func (f *ScanFlow) post(ctx context.Context, fn func(ctx context.Context) error) {
	select {
	case f.inbox <- request{fn: fn}:
	case <-f.stopping:
	case <-f.done:
	case <-ctx.Done():
	}
}

// --- events from the capture and decode goroutines ---

func (f *ScanFlow) payloadDecoded(ctx context.Context, gen uint64, payload models.DecodedPayload) {
	f.post(ctx, func(ctx context.Context) error {
		f.handlePayload(ctx, gen, payload)
		return nil
	})
}

// runHealthy ends a failure streak once a run has delivered a frame the
// decoder handled cleanly.
func (f *ScanFlow) runHealthy(ctx context.Context, gen uint64) {
	f.post(ctx, func(ctx context.Context) error {
		if f.stale(gen) {
			return nil
		}
		f.deps.Recovery.Reset()
		return nil
	})
}

// Errors arrive on the pump goroutine, which Session.Stop waits for, so
// they are posted from a separate goroutine.
func (f *ScanFlow) decodeFailed(gen uint64, err error) {
	go f.post(context.Background(), func(ctx context.Context) error {
		f.handleFailure(ctx, gen, err)
		return nil
	})
}

func (f *ScanFlow) captureFailed(gen uint64) capture.ErrorFunc {
	return func(err error) {
		go f.post(context.Background(), func(ctx context.Context) error {
			f.handleFailure(ctx, gen, err)
			return nil
		})
	}
}

func (f *ScanFlow) handlePayload(ctx context.Context, gen uint64, payload models.DecodedPayload) {
	if f.stale(gen) || f.stage != models.StageScanning {
		return
	}

	result := f.deps.Parser.Parse(payload.Text)
	if !result.OK() {
		telemetry.PayloadsParsed.WithLabelValues("rejected").Inc()
		telemetry.Logger.Info("Decoded payload rejected",
			zap.String("flow_id", f.id),
			zap.String("reason", result.Failure.Reason),
		)
		f.notify(ctx, TitleUnrecognized, "This QR code is not a recognized payment code.", models.SeverityInfo)
		f.record(ctx, "payload_rejected", models.StageScanning, models.StageScanning, "", result.Failure.Reason)
		f.restartCapture(ctx)
		return
	}
	telemetry.PayloadsParsed.WithLabelValues("accepted").Inc()

	f.loop.Disarm()
	f.gen = f.loop.Generation()
	if err := f.deps.Session.Stop(ctx); err != nil {
		telemetry.Logger.Warn("Failed to stop capture session", zap.String("flow_id", f.id), zap.Error(err))
	}

	f.intent = result.Intent
	f.prefill = models.Prefill{Note: result.Intent.Note}
	if result.Intent.Amount != nil {
		f.prefill.Amount = *result.Intent.Amount
	}
	f.selected = defaultSource(f.sources)

	f.record(ctx, "intent_recognized", models.StageScanning, models.StageConfirming, result.Intent.MerchantID, "")
	f.notify(ctx, TitleRecognized,
		fmt.Sprintf("Paying %s (%s)", result.Intent.MerchantName, result.Intent.MerchantID),
		models.SeveritySuccess)
}

func (f *ScanFlow) handleFailure(ctx context.Context, gen uint64, err error) {
	if f.stale(gen) || ctx.Err() != nil {
		return
	}
	if f.retryPending {
		telemetry.Logger.Debug("Retry pending, capture error ignored", zap.String("flow_id", f.id), zap.Error(err))
		return
	}

	d := f.deps.Recovery.Handle(err)
	if d.Action == recovery.ActionRetry {
		f.scheduleRetry(d.Delay)
		return
	}

	f.loop.Disarm()
	f.gen = f.loop.Generation()
	if err := f.deps.Session.Stop(ctx); err != nil {
		telemetry.Logger.Warn("Failed to stop capture session", zap.String("flow_id", f.id), zap.Error(err))
	}

	f.failure = &models.FailureInfo{
		Kind:         d.Kind,
		Message:      d.Message,
		Remediation:  d.Remediation,
		RetryAllowed: d.RetryAllowed,
		OccurredAt:   time.Now(),
	}
	telemetry.Logger.Error("Scanner failed",
		zap.String("flow_id", f.id),
		zap.String("kind", string(d.Kind)),
		zap.String("remediation", string(d.Remediation)),
		zap.Error(err),
	)
	f.notify(ctx, failureTitle(d.Kind), d.Message, models.SeverityError)
	f.record(ctx, "scan_failed", f.stage, f.stage, "", string(d.Kind))
}

func (f *ScanFlow) permissionChanged(ctx context.Context, state models.PermissionState) {
	if f.closing.Load() {
		return
	}

	if f.failure != nil && f.failure.Kind == models.KindPermissionDenied {
		if state == models.PermissionDenied {
			return
		}
		f.failure.RetryAllowed = true
		if state == models.PermissionGranted && f.stage == models.StageScanning {
			f.deps.Recovery.Reset()
			f.failure = nil
			f.record(ctx, "permission_granted", models.StageScanning, models.StageScanning, "", "")
			f.restartCapture(ctx)
		}
		return
	}

	// revoked mid-scan
	if state == models.PermissionDenied && f.stage == models.StageScanning && f.failure == nil {
		f.cancelRetry()
		f.handleFailure(ctx, f.gen, models.NewCameraError(models.KindPermissionDenied, "permission", models.ErrPermissionDenied))
	}
}

// --- retry timer ---

func (f *ScanFlow) scheduleRetry(delay time.Duration) {
	f.cancelRetry()
	f.retryToken++
	token := f.retryToken
	f.retryPending = true

	f.retryTimer = time.AfterFunc(delay, func() {
		f.post(context.Background(), func(ctx context.Context) error {
			f.retryFired(ctx, token)
			return nil
		})
	})
}

func (f *ScanFlow) retryFired(ctx context.Context, token uint64) {
	if token != f.retryToken || !f.retryPending || f.closing.Load() {
		return
	}
	f.retryPending = false
	f.retryTimer = nil
	if f.stage != models.StageScanning {
		return
	}
	f.restartCapture(ctx)
}

func (f *ScanFlow) cancelRetry() {
	if f.retryTimer != nil {
		f.retryTimer.Stop()
		f.retryTimer = nil
	}
	f.retryPending = false
	f.retryToken++
}

// --- helpers ---

// restartCapture stops any previous run and starts a fresh one with a new
// decode generation, so frames from the old run are never accepted.
func (f *ScanFlow) restartCapture(ctx context.Context) {
	if f.closing.Load() {
		return
	}
	gen, onFrame := f.loop.Arm()
	f.gen = gen

	if err := f.deps.Session.Restart(ctx, f.cfg, onFrame, f.captureFailed(gen)); err != nil {
		f.handleFailure(ctx, gen, err)
		return
	}
	f.failure = nil
}

func (f *ScanFlow) teardown(ctx context.Context) {
	f.cancelRetry()
	f.loop.Disarm()
	f.gen = f.loop.Generation()
	if err := f.deps.Session.Stop(ctx); err != nil {
		telemetry.Logger.Error("Failed to stop capture session on shutdown", zap.String("flow_id", f.id), zap.Error(err))
		return
	}
	telemetry.Logger.Info("Scan flow shut down", zap.String("flow_id", f.id))
}

func (f *ScanFlow) stale(gen uint64) bool {
	return gen != f.gen || f.closing.Load()
}

func (f *ScanFlow) clearIntent() {
	f.intent = nil
	f.prefill = models.Prefill{}
	f.selected = defaultSource(f.sources)
}

func (f *ScanFlow) loadSources(ctx context.Context) {
	if f.deps.Sources == nil {
		return
	}
	sources, err := f.deps.Sources.PaymentSources(ctx)
	if err != nil {
		telemetry.Logger.Error("Failed to load payment sources", zap.Error(err))
		return
	}
	f.sources = sources
	f.selected = defaultSource(sources)
}

func (f *ScanFlow) findSource(id string) (models.PaymentSource, bool) {
	for _, s := range f.sources {
		if s.ID == id {
			return s, true
		}
	}
	return models.PaymentSource{}, false
}

func defaultSource(sources []models.PaymentSource) string {
	for _, s := range sources {
		if s.IsDefault {
			return s.ID
		}
	}
	if len(sources) > 0 {
		return sources[0].ID
	}
	return ""
}

func failureTitle(kind models.ErrorKind) string {
	switch kind {
	case models.KindPermissionDenied:
		return TitlePermissionDenied
	case models.KindDeviceNotFound:
		return TitleDeviceNotFound
	}
	return TitleDeviceFailed
}

func (f *ScanFlow) notify(ctx context.Context, title, body string, severity models.Severity) {
	if f.deps.Notifier != nil {
		f.deps.Notifier.Notify(ctx, title, body, severity)
	}
}

// record applies a stage transition, then logs, stores and publishes it.
func (f *ScanFlow) record(ctx context.Context, event string, from, to models.FlowStage, merchantID, detail string) {
	f.stage = to

	telemetry.FlowTransitions.WithLabelValues(event).Inc()
	telemetry.Logger.Info("Scan flow transition",
		zap.String("flow_id", f.id),
		zap.String("event", event),
		zap.String("from_state", string(from)),
		zap.String("to_state", string(to)),
	)

	ev := &models.ScanEvent{
		FlowID:     f.id,
		Event:      event,
		FromStage:  from,
		ToStage:    to,
		MerchantID: merchantID,
		Detail:     detail,
		CreatedAt:  time.Now(),
	}
	ctx = context.WithoutCancel(ctx)
	if f.deps.Repo != nil {
		if err := f.deps.Repo.InsertEvent(ctx, ev); err != nil {
			telemetry.Logger.Error("Failed to record scan event", zap.String("flow_id", f.id), zap.Error(err))
		}
	}
	if f.deps.Publisher != nil {
		if err := f.deps.Publisher.PublishFlowEvent(ctx, ev); err != nil {
			telemetry.Logger.Error("Failed to publish flow event", zap.String("flow_id", f.id), zap.Error(err))
		}
	}
}

func (f *ScanFlow) publish() {
	snap := models.FlowSnapshot{
		FlowID:           f.id,
		Stage:            f.stage,
		Config:           f.cfg,
		Prefill:          f.prefill,
		RetryPending:     f.retryPending,
		Budget:           f.deps.Recovery.Budget(),
		Sources:          append([]models.PaymentSource{}, f.sources...),
		SelectedSourceID: f.selected,
	}
	if f.intent != nil {
		in := *f.intent
		snap.Intent = &in
	}
	if f.failure != nil {
		fi := *f.failure
		snap.Failure = &fi
	}

	f.snapMu.Lock()
	f.snap = snap
	f.snapMu.Unlock()
}
