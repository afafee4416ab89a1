package models

import (
	"image"
	"time"
)

type PermissionState string

const (
	PermissionPrompt  PermissionState = "PROMPT"
	PermissionGranted PermissionState = "GRANTED"
	PermissionDenied  PermissionState = "DENIED"
)

// ParsePermissionState accepts the platform spellings ("granted", "denied",
// "prompt") as well as the upper-case enum values.
func ParsePermissionState(s string) (PermissionState, bool) {
	switch s {
	case "PROMPT", "prompt":
		return PermissionPrompt, true
	case "GRANTED", "granted":
		return PermissionGranted, true
	case "DENIED", "denied":
		return PermissionDenied, true
	}
	return "", false
}

type FacingMode string

const (
	FacingEnvironment FacingMode = "environment"
	FacingUser        FacingMode = "user"
)

func (f FacingMode) Toggle() FacingMode {
	if f == FacingUser {
		return FacingEnvironment
	}
	return FacingUser
}

func (f FacingMode) Valid() bool {
	return f == FacingEnvironment || f == FacingUser
}

type SessionState string

const (
	SessionUninitialized SessionState = "UNINITIALIZED"
	SessionStarting      SessionState = "STARTING"
	SessionActive        SessionState = "ACTIVE"
	SessionStopping      SessionState = "STOPPING"
	SessionStopped       SessionState = "STOPPED"
	SessionError         SessionState = "ERROR"
)

type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ScanBox is either a square edge length (Size) or explicit dimensions (Box).
type ScanBox struct {
	Size int         `json:"size,omitempty"`
	Box  *Dimensions `json:"box,omitempty"`
}

// Dimensions resolves the box to a width and height.
func (b ScanBox) Dimensions() Dimensions {
	if b.Box != nil {
		return *b.Box
	}
	return Dimensions{Width: b.Size, Height: b.Size}
}

// ScanConfig is treated as an immutable value. Changing the facing mode
// produces a new config through WithFacingMode.
type ScanConfig struct {
	FramesPerSecond int        `json:"fps"`
	TargetBox       ScanBox    `json:"qrbox"`
	AspectRatio     float64    `json:"aspect_ratio"`
	FacingMode      FacingMode `json:"facing_mode"`
	DisableFlip     bool       `json:"disable_flip"`
}

func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		FramesPerSecond: 10,
		TargetBox:       ScanBox{Size: 250},
		AspectRatio:     1.0,
		FacingMode:      FacingEnvironment,
	}
}

func (c ScanConfig) WithFacingMode(mode FacingMode) ScanConfig {
	next := c
	if c.TargetBox.Box != nil {
		box := *c.TargetBox.Box
		next.TargetBox.Box = &box
	}
	next.FacingMode = mode
	return next
}

// FrameInterval is the delay between two frame deliveries.
func (c ScanConfig) FrameInterval() time.Duration {
	fps := c.FramesPerSecond
	if fps <= 0 {
		fps = 10
	}
	return time.Second / time.Duration(fps)
}

// Frame is a single image pulled from a camera.
type Frame struct {
	Seq        uint64
	DeviceID   string
	FacingMode FacingMode
	Image      image.Image
	CapturedAt time.Time
}

type DecodedPayload struct {
	Text      string    `json:"text"`
	FrameSeq  uint64    `json:"frame_seq"`
	DecodedAt time.Time `json:"decoded_at"`
}

type RetryBudget struct {
	AttemptsUsed int   `json:"attempts_used"`
	MaxAttempts  int   `json:"max_attempts"`
	BackoffMs    int64 `json:"backoff_ms"`
}

func (b RetryBudget) Exhausted() bool {
	return b.AttemptsUsed >= b.MaxAttempts
}
