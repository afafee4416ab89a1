package config

import (
	"testing"
	"time"

	"github.com/akylbek/payment-system/qr-scanner/internal/models"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "SCAN_FPS", "SCAN_BOX", "SCAN_FACING_MODE", "RETRY_MAX_ATTEMPTS", "RETRY_BACKOFF_MS", "PAYMENT_SOURCES", "PAYMENT_SCHEME"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Port != "8084" {
		t.Errorf("expected port 8084, got %s", cfg.Port)
	}
	if cfg.Scan.FramesPerSecond != 10 || cfg.Scan.TargetBox.Size != 250 || cfg.Scan.FacingMode != models.FacingEnvironment {
		t.Errorf("unexpected scan defaults: %+v", cfg.Scan)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.Retry.MaxAttempts)
	}
	want := []time.Duration{500 * time.Millisecond, 800 * time.Millisecond, 1000 * time.Millisecond}
	if len(cfg.Retry.Backoff) != len(want) {
		t.Fatalf("expected %d backoff steps, got %d", len(want), len(cfg.Retry.Backoff))
	}
	for i := range want {
		if cfg.Retry.Backoff[i] != want[i] {
			t.Errorf("backoff[%d]: expected %v, got %v", i, want[i], cfg.Retry.Backoff[i])
		}
	}
	if cfg.Payments.Scheme != "upi" {
		t.Errorf("expected upi scheme, got %s", cfg.Payments.Scheme)
	}
	if len(cfg.Payments.Sources) != 4 || !cfg.Payments.Sources[0].IsDefault {
		t.Errorf("expected default source list, got %+v", cfg.Payments.Sources)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("SCAN_FPS", "15")
	t.Setenv("SCAN_BOX", "300x200")
	t.Setenv("SCAN_FACING_MODE", "user")
	t.Setenv("RETRY_BACKOFF_MS", "100, 200")
	t.Setenv("DEVICE_LEASE_TTL", "10s")

	cfg := Load()

	if cfg.Port != "9000" {
		t.Errorf("expected port 9000, got %s", cfg.Port)
	}
	if cfg.Scan.FramesPerSecond != 15 {
		t.Errorf("expected 15 fps, got %d", cfg.Scan.FramesPerSecond)
	}
	if d := cfg.Scan.TargetBox.Dimensions(); d.Width != 300 || d.Height != 200 {
		t.Errorf("expected 300x200 box, got %+v", d)
	}
	if cfg.Scan.FacingMode != models.FacingUser {
		t.Errorf("expected user facing mode, got %s", cfg.Scan.FacingMode)
	}
	if len(cfg.Retry.Backoff) != 2 || cfg.Retry.Backoff[1] != 200*time.Millisecond {
		t.Errorf("unexpected backoff: %v", cfg.Retry.Backoff)
	}
	if cfg.Camera.LeaseTTL != 10*time.Second {
		t.Errorf("expected 10s lease, got %v", cfg.Camera.LeaseTTL)
	}
}

func TestParseSources(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantIDs     []string
		wantDefault string
	}{
		{"first is default", "a@x|A|Bank A,b@y|B|Bank B", []string{"a@x", "b@y"}, "a@x"},
		{"star marks default", "a@x|A, *b@y|B", []string{"a@x", "b@y"}, "b@y"},
		{"id only", "solo@bank", []string{"solo@bank"}, "solo@bank"},
		{"blank entries skipped", "a@x,,|nameless", []string{"a@x"}, "a@x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseSources(tt.raw)
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("expected %d sources, got %d (%+v)", len(tt.wantIDs), len(got), got)
			}
			for i, id := range tt.wantIDs {
				if got[i].ID != id {
					t.Errorf("source %d: expected %s, got %s", i, id, got[i].ID)
				}
				if got[i].IsDefault != (id == tt.wantDefault) {
					t.Errorf("source %s: default flag %v", id, got[i].IsDefault)
				}
			}
		})
	}
}
