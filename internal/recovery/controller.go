// Package recovery decides how capture failures are handled: retried
// after a delay, or surfaced as a terminal failure that needs the user.
package recovery

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/qr-scanner/internal/models"
	"github.com/akylbek/payment-system/qr-scanner/internal/telemetry"
)

type Action string

const (
	ActionRetry Action = "retry"
	ActionFatal Action = "fatal"
)

const (
	MessagePermissionDenied = "Camera access was denied. Allow camera access in your browser or device settings, then try again."
	MessageDeviceNotFound   = "No camera was found for this direction. Try switching cameras."
	MessageDeviceFailed     = "Unable to start the camera. Tap retry to try again."
)

type Policy struct {
	MaxAttempts int
	// Backoff[i] is the delay before retry i+1; the last entry repeats.
	Backoff []time.Duration
	// UnknownMaxAttempts caps retries for unclassified errors.
	UnknownMaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        3,
		Backoff:            []time.Duration{500 * time.Millisecond, 800 * time.Millisecond, 1000 * time.Millisecond},
		UnknownMaxAttempts: 1,
	}
}

type Decision struct {
	Kind         models.ErrorKind
	Action       Action
	Delay        time.Duration
	Attempt      int
	Remediation  models.Remediation
	RetryAllowed bool
	Message      string
}

type Controller struct {
	policy Policy

	mu       sync.Mutex
	attempts int
	terminal bool
}

func NewController(policy Policy) *Controller {
	if policy.MaxAttempts < 0 {
		policy.MaxAttempts = 0
	}
	if policy.UnknownMaxAttempts <= 0 || policy.UnknownMaxAttempts > policy.MaxAttempts {
		policy.UnknownMaxAttempts = min(1, policy.MaxAttempts)
	}
	return &Controller{policy: policy}
}

// Handle classifies err and returns what to do about it. Once a streak
// exhausts its budget every further error is fatal until Reset.
func (c *Controller) Handle(err error) Decision {
	kind := models.Classify(err)

	c.mu.Lock()
	d := c.decide(kind)
	c.mu.Unlock()

	telemetry.RecoveryDecisions.WithLabelValues(string(kind), string(d.Action)).Inc()
	telemetry.Logger.Info("Recovery decision",
		zap.String("kind", string(kind)),
		zap.String("action", string(d.Action)),
		zap.Int("attempt", d.Attempt),
		zap.Duration("delay", d.Delay),
		zap.Error(err),
	)
	return d
}

func (c *Controller) decide(kind models.ErrorKind) Decision {
	switch kind {
	case models.KindPermissionDenied:
		c.terminal = true
		return Decision{
			Kind:        kind,
			Action:      ActionFatal,
			Attempt:     c.attempts,
			Remediation: models.RemediationResetPermission,
			Message:     MessagePermissionDenied,
		}
	case models.KindDeviceNotFound:
		c.terminal = true
		return Decision{
			Kind:         kind,
			Action:       ActionFatal,
			Attempt:      c.attempts,
			Remediation:  models.RemediationToggleFacingMode,
			RetryAllowed: true,
			Message:      MessageDeviceNotFound,
		}
	}

	limit := c.policy.MaxAttempts
	if kind == models.KindUnknown {
		limit = c.policy.UnknownMaxAttempts
	}
	if c.terminal || c.attempts >= limit {
		c.terminal = true
		return Decision{
			Kind:         kind,
			Action:       ActionFatal,
			Attempt:      c.attempts,
			Remediation:  models.RemediationManualRetry,
			RetryAllowed: true,
			Message:      MessageDeviceFailed,
		}
	}

	c.attempts++
	d := Decision{Kind: kind, Action: ActionRetry, Attempt: c.attempts}
	if kind != models.KindTransientReadError {
		d.Delay = c.delay(c.attempts)
	}
	return d
}

// delay for the n-th retry (1-based). The curve never decreases.
func (c *Controller) delay(n int) time.Duration {
	var d time.Duration
	for i := 0; i < n && i < len(c.policy.Backoff); i++ {
		d = max(d, c.policy.Backoff[i])
	}
	if n > len(c.policy.Backoff) {
		for _, b := range c.policy.Backoff {
			d = max(d, b)
		}
	}
	return d
}

// Reset clears the streak. Called once a run decodes a frame cleanly and on
// manual retry.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = 0
	c.terminal = false
}

func (c *Controller) Terminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

func (c *Controller) Budget() models.RetryBudget {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.RetryBudget{
		AttemptsUsed: c.attempts,
		MaxAttempts:  c.policy.MaxAttempts,
		BackoffMs:    c.delay(c.attempts + 1).Milliseconds(),
	}
}
