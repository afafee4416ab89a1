package service

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/akylbek/payment-system/qr-scanner/internal/capture"
	"github.com/akylbek/payment-system/qr-scanner/internal/config"
	"github.com/akylbek/payment-system/qr-scanner/internal/decode"
	"github.com/akylbek/payment-system/qr-scanner/internal/device"
	"github.com/akylbek/payment-system/qr-scanner/internal/intent"
	"github.com/akylbek/payment-system/qr-scanner/internal/interfaces"
	"github.com/akylbek/payment-system/qr-scanner/internal/lease"
	"github.com/akylbek/payment-system/qr-scanner/internal/models"
	"github.com/akylbek/payment-system/qr-scanner/internal/notify"
	"github.com/akylbek/payment-system/qr-scanner/internal/permission"
	"github.com/akylbek/payment-system/qr-scanner/internal/recovery"
	"github.com/akylbek/payment-system/qr-scanner/internal/repository"
)

const shopPayload = "upi://pay?pa=shop@bank&pn=Shop&am=250"

// codeImage carries its text so the fake decoder can skip QR rendering.
type codeImage struct {
	*image.Gray
	text string
}

func code(text string) image.Image {
	return codeImage{Gray: image.NewGray(image.Rect(0, 0, 1, 1)), text: text}
}

type textDecoder struct{}

func (textDecoder) Decode(ctx context.Context, frame models.Frame) (string, error) {
	if img, ok := frame.Image.(codeImage); ok {
		return img.text, nil
	}
	return "", decode.ErrNoCode
}

type brokenDecoder struct{}

func (brokenDecoder) Decode(ctx context.Context, frame models.Frame) (string, error) {
	return "", errors.New("decoder crashed")
}

type fakeSubmitter struct {
	mu   sync.Mutex
	subs []models.PaymentSubmission
	err  error
}

func (s *fakeSubmitter) Submit(ctx context.Context, sub *models.PaymentSubmission) (*models.SubmissionAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.subs = append(s.subs, *sub)
	return &models.SubmissionAck{Status: "accepted", SubmissionID: sub.SubmissionID}, nil
}

func (s *fakeSubmitter) submissions() []models.PaymentSubmission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PaymentSubmission{}, s.subs...)
}

type harness struct {
	sim       *device.Simulator
	session   *capture.Session
	feed      *notify.Feed
	submitter *fakeSubmitter
	repo      *repository.MemoryScanEventRepository
	flow      *ScanFlow
}

type harnessOptions struct {
	sim     device.Options
	backoff []time.Duration
	decoder interfaces.Decoder
	before  func(sim *device.Simulator)
}

func defaultHarnessOptions() harnessOptions {
	return harnessOptions{
		sim:     device.DefaultOptions(),
		backoff: []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond},
		decoder: textDecoder{},
	}
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	sim := device.NewSimulator(opts.sim)
	if opts.before != nil {
		opts.before(sim)
	}

	monitor := permission.NewMonitor(sim)
	if err := monitor.Start(ctx); err != nil {
		t.Fatal(err)
	}

	session := capture.NewSession(capture.Options{
		Provider:   sim,
		Permission: monitor,
		Lease:      lease.NewRegistry(),
		LeaseTTL:   time.Minute,
	})

	cfg := models.DefaultScanConfig()
	cfg.FramesPerSecond = 100

	h := &harness{
		sim:       sim,
		session:   session,
		feed:      notify.NewFeed(32),
		submitter: &fakeSubmitter{},
		repo:      repository.NewMemoryScanEventRepository(100),
	}
	h.flow = NewScanFlow(cfg, Dependencies{
		Session:    session,
		Permission: monitor,
		Decoder:    opts.decoder,
		Parser:     intent.NewParser("upi"),
		Recovery: recovery.NewController(recovery.Policy{
			MaxAttempts:        3,
			Backoff:            opts.backoff,
			UnknownMaxAttempts: 1,
		}),
		Notifier:  h.feed,
		Submitter: h.submitter,
		Sources:   config.PaymentsConfig{Sources: config.ParseSources("")},
		Repo:      h.repo,
	})

	go h.flow.Run(ctx)

	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		h.flow.Shutdown(shutdownCtx)
		monitor.Close()
		cancel()
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitSession(t *testing.T, state models.SessionState) {
	t.Helper()
	waitFor(t, "session "+string(state), func() bool { return h.session.State() == state })
}

func (h *harness) waitStage(t *testing.T, stage models.FlowStage) {
	t.Helper()
	waitFor(t, "stage "+string(stage), func() bool { return h.flow.Snapshot().Stage == stage })
}

func (h *harness) waitNotification(t *testing.T, title string) models.Notification {
	t.Helper()
	var found models.Notification
	waitFor(t, "notification "+title, func() bool {
		for _, n := range h.feed.Since(0) {
			if n.Title == title {
				found = n
				return true
			}
		}
		return false
	})
	return found
}

// toConfirming scans the shop payload and waits for the confirmation stage.
func (h *harness) toConfirming(t *testing.T) {
	t.Helper()
	h.waitSession(t, models.SessionActive)
	if err := h.sim.Feed(code(shopPayload)); err != nil {
		t.Fatal(err)
	}
	h.waitStage(t, models.StageConfirming)
}

func TestScanFlow_HappyPath(t *testing.T) {
	h := newHarness(t, defaultHarnessOptions())
	h.toConfirming(t)

	snap := h.flow.Snapshot()
	if snap.Intent == nil {
		t.Fatal("expected intent in snapshot")
	}
	if snap.Intent.MerchantID != "shop@bank" || snap.Intent.MerchantName != "Shop" {
		t.Errorf("unexpected merchant: %+v", snap.Intent)
	}
	if snap.Intent.Amount == nil || *snap.Intent.Amount != "250" {
		t.Errorf("expected amount 250, got %v", snap.Intent.Amount)
	}
	if snap.Prefill.Amount != "250" {
		t.Errorf("expected prefilled amount, got %q", snap.Prefill.Amount)
	}
	if snap.SelectedSourceID != "alice@sbi" {
		t.Errorf("expected default source selected, got %q", snap.SelectedSourceID)
	}
	if snap.SessionState != models.SessionStopped {
		t.Errorf("expected session STOPPED, got %s", snap.SessionState)
	}

	n := h.waitNotification(t, TitleRecognized)
	if n.Severity != models.SeveritySuccess {
		t.Errorf("expected success severity, got %s", n.Severity)
	}

	events, _ := h.repo.ListRecent(context.Background(), h.flow.ID(), 10)
	if len(events) == 0 || events[0].Event != "intent_recognized" {
		t.Errorf("expected intent_recognized audit event, got %+v", events)
	}
}

func TestScanFlow_UnrecognizedPayloadKeepsScanning(t *testing.T) {
	h := newHarness(t, defaultHarnessOptions())
	h.waitSession(t, models.SessionActive)

	if err := h.sim.Feed(code("https://example.com")); err != nil {
		t.Fatal(err)
	}

	n := h.waitNotification(t, TitleUnrecognized)
	if n.Severity != models.SeverityInfo {
		t.Errorf("expected info severity, got %s", n.Severity)
	}
	h.waitSession(t, models.SessionActive)
	if snap := h.flow.Snapshot(); snap.Stage != models.StageScanning || snap.Intent != nil {
		t.Errorf("expected scanning without intent, got %+v", snap)
	}
}

func TestScanFlow_BenignMissesAreSilent(t *testing.T) {
	h := newHarness(t, defaultHarnessOptions())
	h.waitSession(t, models.SessionActive)

	time.Sleep(100 * time.Millisecond)

	if got := h.feed.Since(0); len(got) != 0 {
		t.Errorf("expected no notifications, got %+v", got)
	}
	if snap := h.flow.Snapshot(); snap.Stage != models.StageScanning || snap.Failure != nil {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestScanFlow_CancelRestoresScanning(t *testing.T) {
	h := newHarness(t, defaultHarnessOptions())
	h.toConfirming(t)

	if err := h.flow.Cancel(context.Background()); err != nil {
		t.Fatal(err)
	}

	snap := h.flow.Snapshot()
	if snap.Stage != models.StageScanning {
		t.Errorf("expected SCANNING, got %s", snap.Stage)
	}
	if snap.Intent != nil || snap.Prefill.Amount != "" {
		t.Errorf("expected intent cleared, got %+v", snap)
	}
	h.waitSession(t, models.SessionActive)

	if err := h.flow.Cancel(context.Background()); !errors.Is(err, models.ErrInvalidStage) {
		t.Errorf("expected ErrInvalidStage for cancel while scanning, got %v", err)
	}
}

func TestScanFlow_ToggleFacingMode(t *testing.T) {
	h := newHarness(t, defaultHarnessOptions())
	h.waitSession(t, models.SessionActive)

	var transitions []string
	var mu sync.Mutex
	h.session.OnStateChange(func(from, to models.SessionState) {
		mu.Lock()
		transitions = append(transitions, string(to))
		mu.Unlock()
	})

	if err := h.flow.ToggleFacingMode(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := h.session.Config().FacingMode; got != models.FacingUser {
		t.Errorf("expected user facing mode, got %s", got)
	}
	if got := h.flow.Snapshot().Config.FacingMode; got != models.FacingUser {
		t.Errorf("snapshot facing mode %s", got)
	}
	if h.session.State() != models.SessionActive {
		t.Errorf("expected ACTIVE, got %s", h.session.State())
	}

	mu.Lock()
	want := []string{"STOPPING", "STOPPED", "STARTING", "ACTIVE"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
	mu.Unlock()

	h.toConfirming(t)
	if err := h.flow.ToggleFacingMode(context.Background()); !errors.Is(err, models.ErrInvalidStage) {
		t.Errorf("expected ErrInvalidStage while confirming, got %v", err)
	}
}

func TestScanFlow_StaleGenerationIgnored(t *testing.T) {
	h := newHarness(t, defaultHarnessOptions())
	h.waitSession(t, models.SessionActive)

	stale := h.flow.loop.Generation()
	if err := h.flow.ToggleFacingMode(context.Background()); err != nil {
		t.Fatal(err)
	}

	// a payload decoded under the previous configuration
	h.flow.payloadDecoded(context.Background(), stale, models.DecodedPayload{Text: shopPayload})
	h.flow.SelectSource(context.Background(), "alice@sbi") // barrier: the event above has been handled

	if snap := h.flow.Snapshot(); snap.Stage != models.StageScanning || snap.Intent != nil {
		t.Errorf("stale payload was accepted: %+v", snap)
	}
}

func TestScanFlow_Confirm(t *testing.T) {
	h := newHarness(t, defaultHarnessOptions())
	h.toConfirming(t)
	ctx := context.Background()

	if _, err := h.flow.Confirm(ctx, ConfirmRequest{Amount: "  "}); !errors.Is(err, models.ErrAmountRequired) {
		t.Errorf("expected ErrAmountRequired, got %v", err)
	}
	if _, err := h.flow.Confirm(ctx, ConfirmRequest{Amount: "250", SourceID: "bob@nowhere"}); !errors.Is(err, models.ErrUnknownSource) {
		t.Errorf("expected ErrUnknownSource, got %v", err)
	}
	if err := h.flow.SelectSource(ctx, "alice@hdfc"); err != nil {
		t.Fatal(err)
	}

	ack, err := h.flow.Confirm(ctx, ConfirmRequest{Amount: "300", Note: "lunch"})
	if err != nil {
		t.Fatal(err)
	}
	if ack.Status != "accepted" {
		t.Errorf("unexpected ack %+v", ack)
	}

	subs := h.submitter.submissions()
	if len(subs) != 1 {
		t.Fatalf("expected one submission, got %d", len(subs))
	}
	sub := subs[0]
	if sub.MerchantID != "shop@bank" || sub.Amount != "300" || sub.Note != "lunch" || sub.PaymentSourceID != "alice@hdfc" {
		t.Errorf("unexpected submission %+v", sub)
	}

	n := h.waitNotification(t, TitleSubmitted)
	if n.Body != "₹300 paid to Shop using Salary Account" {
		t.Errorf("unexpected body %q", n.Body)
	}
	if h.flow.Snapshot().Stage != models.StageScanning {
		t.Error("expected flow back in SCANNING")
	}
	h.waitSession(t, models.SessionActive)
}

func TestScanFlow_SubmissionFailureStaysConfirming(t *testing.T) {
	h := newHarness(t, defaultHarnessOptions())
	h.submitter.err = errors.New("backend unavailable")
	h.toConfirming(t)

	if _, err := h.flow.Confirm(context.Background(), ConfirmRequest{Amount: "250"}); err == nil {
		t.Fatal("expected submission error")
	}
	if h.flow.Snapshot().Stage != models.StageConfirming {
		t.Error("expected flow to stay CONFIRMING")
	}
	if n := h.waitNotification(t, TitleSubmitFailed); n.Severity != models.SeverityError {
		t.Errorf("expected error severity, got %s", n.Severity)
	}
}

func TestScanFlow_RetryBudgetExhaustion(t *testing.T) {
	opts := defaultHarnessOptions()
	opts.before = func(sim *device.Simulator) {
		for i := 0; i < 4; i++ {
			sim.FailNextOpen(models.NewCameraError(models.KindDeviceBusy, "open", models.ErrDeviceBusy))
		}
	}
	h := newHarness(t, opts)

	waitFor(t, "terminal failure", func() bool { return h.flow.Snapshot().Failure != nil })

	snap := h.flow.Snapshot()
	if snap.Failure.Kind != models.KindDeviceBusy || snap.Failure.Remediation != models.RemediationManualRetry {
		t.Errorf("unexpected failure %+v", snap.Failure)
	}
	if !snap.Failure.RetryAllowed {
		t.Error("expected manual retry to be allowed")
	}
	if snap.Budget.AttemptsUsed != 3 {
		t.Errorf("expected 3 attempts used, got %d", snap.Budget.AttemptsUsed)
	}
	if h.sim.Opens() != 0 {
		t.Errorf("expected no successful opens, got %d", h.sim.Opens())
	}
	if n := h.waitNotification(t, TitleDeviceFailed); n.Severity != models.SeverityError {
		t.Errorf("expected error severity, got %s", n.Severity)
	}

	if err := h.flow.Retry(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.waitSession(t, models.SessionActive)
	snap = h.flow.Snapshot()
	if snap.Failure != nil || snap.Budget.AttemptsUsed != 0 {
		t.Errorf("expected failure cleared and budget reset, got %+v", snap)
	}
}

func TestScanFlow_TransientReadErrorRetriedSilently(t *testing.T) {
	h := newHarness(t, defaultHarnessOptions())
	h.waitSession(t, models.SessionActive)
	opens := h.sim.Opens()

	h.sim.FailNextRead(errors.New("frame grab hiccup"))

	waitFor(t, "camera reopened", func() bool { return h.sim.Opens() > opens })
	h.waitSession(t, models.SessionActive)

	if got := h.feed.Since(0); len(got) != 0 {
		t.Errorf("expected transient failure to be invisible, got %+v", got)
	}
	if h.flow.Snapshot().Failure != nil {
		t.Error("expected no failure recorded")
	}
}

func TestScanFlow_PersistentReadErrorsBecomeTerminal(t *testing.T) {
	opts := defaultHarnessOptions()
	opts.before = func(sim *device.Simulator) {
		for i := 0; i < 4; i++ {
			sim.FailNextRead(models.ErrTransientRead)
		}
	}
	h := newHarness(t, opts)

	waitFor(t, "terminal failure", func() bool { return h.flow.Snapshot().Failure != nil })

	snap := h.flow.Snapshot()
	if snap.Failure.Kind != models.KindTransientReadError || snap.Failure.Remediation != models.RemediationManualRetry {
		t.Errorf("unexpected failure %+v", snap.Failure)
	}
	if !snap.Failure.RetryAllowed {
		t.Error("expected manual retry to be allowed")
	}
	if snap.Budget.AttemptsUsed != 3 {
		t.Errorf("expected 3 attempts used, got %d", snap.Budget.AttemptsUsed)
	}
	if h.sim.Opens() != 4 {
		t.Errorf("expected initial open plus 3 retries, got %d", h.sim.Opens())
	}
	h.waitNotification(t, TitleDeviceFailed)
	h.waitSession(t, models.SessionStopped)
}

func TestScanFlow_DecoderFailureFatalAfterOneRestart(t *testing.T) {
	opts := defaultHarnessOptions()
	opts.decoder = brokenDecoder{}
	h := newHarness(t, opts)

	waitFor(t, "terminal failure", func() bool { return h.flow.Snapshot().Failure != nil })

	snap := h.flow.Snapshot()
	if snap.Failure.Kind != models.KindUnknown || snap.Failure.Remediation != models.RemediationManualRetry {
		t.Errorf("unexpected failure %+v", snap.Failure)
	}
	if snap.Budget.AttemptsUsed != 1 {
		t.Errorf("expected 1 attempt used, got %d", snap.Budget.AttemptsUsed)
	}
	if h.sim.Opens() != 2 {
		t.Errorf("expected one restart, got %d opens", h.sim.Opens())
	}
	h.waitNotification(t, TitleDeviceFailed)
}

func TestScanFlow_CleanFrameResetsBudget(t *testing.T) {
	h := newHarness(t, defaultHarnessOptions())
	h.waitSession(t, models.SessionActive)
	opens := h.sim.Opens()

	h.sim.FailNextRead(models.ErrTransientRead)
	waitFor(t, "camera reopened", func() bool { return h.sim.Opens() > opens })
	waitFor(t, "budget reset", func() bool { return h.flow.Snapshot().Budget.AttemptsUsed == 0 })

	if h.flow.Snapshot().Failure != nil {
		t.Error("expected no failure recorded")
	}
}

func TestScanFlow_PermissionDeniedThenGranted(t *testing.T) {
	opts := defaultHarnessOptions()
	opts.sim.Permission = models.PermissionDenied
	h := newHarness(t, opts)

	waitFor(t, "permission failure", func() bool { return h.flow.Snapshot().Failure != nil })
	snap := h.flow.Snapshot()
	if snap.Failure.Kind != models.KindPermissionDenied || snap.Failure.Remediation != models.RemediationResetPermission {
		t.Errorf("unexpected failure %+v", snap.Failure)
	}
	if snap.Failure.RetryAllowed {
		t.Error("retry must stay disabled while permission is denied")
	}
	if err := h.flow.Retry(context.Background()); !errors.Is(err, models.ErrRetryDisabled) {
		t.Errorf("expected ErrRetryDisabled, got %v", err)
	}
	h.waitNotification(t, TitlePermissionDenied)

	h.sim.SetPermission(models.PermissionGranted)

	h.waitSession(t, models.SessionActive)
	waitFor(t, "failure cleared", func() bool { return h.flow.Snapshot().Failure == nil })
}

func TestScanFlow_PermissionPromptEnablesRetry(t *testing.T) {
	opts := defaultHarnessOptions()
	opts.sim.Permission = models.PermissionDenied
	h := newHarness(t, opts)

	waitFor(t, "permission failure", func() bool { return h.flow.Snapshot().Failure != nil })

	h.sim.SetPermission(models.PermissionPrompt)
	waitFor(t, "retry enabled", func() bool {
		f := h.flow.Snapshot().Failure
		return f != nil && f.RetryAllowed
	})

	if err := h.flow.Retry(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.waitSession(t, models.SessionActive)
}

func TestScanFlow_DeviceNotFoundOffersToggle(t *testing.T) {
	opts := defaultHarnessOptions()
	opts.sim.Devices = map[models.FacingMode]string{models.FacingUser: "cam-front"}
	h := newHarness(t, opts)

	waitFor(t, "device failure", func() bool { return h.flow.Snapshot().Failure != nil })
	if f := h.flow.Snapshot().Failure; f.Remediation != models.RemediationToggleFacingMode {
		t.Errorf("expected toggle remediation, got %+v", f)
	}
	h.waitNotification(t, TitleDeviceNotFound)

	if err := h.flow.ToggleFacingMode(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.waitSession(t, models.SessionActive)
	if h.flow.Snapshot().Failure != nil {
		t.Error("expected failure cleared after toggle")
	}
}

func TestScanFlow_ShutdownStopsSessionAndClearsRetries(t *testing.T) {
	opts := defaultHarnessOptions()
	opts.backoff = []time.Duration{200 * time.Millisecond}
	opts.before = func(sim *device.Simulator) {
		sim.FailNextOpen(models.NewCameraError(models.KindDeviceBusy, "open", models.ErrDeviceBusy))
	}
	h := newHarness(t, opts)

	waitFor(t, "retry pending", func() bool { return h.flow.Snapshot().RetryPending })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.flow.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	if h.sim.Opens() != 0 {
		t.Error("retry timer fired after shutdown")
	}
	if st := h.session.State(); st == models.SessionActive || st == models.SessionStarting {
		t.Errorf("expected session released, got %s", st)
	}
	if err := h.flow.ToggleFacingMode(context.Background()); !errors.Is(err, models.ErrTornDown) {
		t.Errorf("expected ErrTornDown, got %v", err)
	}
	if err := h.flow.Shutdown(ctx); err != nil {
		t.Errorf("second shutdown: %v", err)
	}
}

func TestScanFlow_ShutdownReleasesActiveCamera(t *testing.T) {
	h := newHarness(t, defaultHarnessOptions())
	h.waitSession(t, models.SessionActive)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.flow.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if h.session.State() != models.SessionStopped {
		t.Errorf("expected STOPPED, got %s", h.session.State())
	}
}
