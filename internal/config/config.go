package config

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/akylbek/payment-system/qr-scanner/internal/models"
)

type Config struct {
	DatabaseURL    string
	RedisURL       string
	KafkaBrokers   string
	NatsURL        string
	JaegerEndpoint string
	Port           string

	Scan     models.ScanConfig
	Retry    RetryConfig
	Camera   CameraConfig
	Payments PaymentsConfig

	NotificationBuffer int
}

type RetryConfig struct {
	MaxAttempts int
	Backoff     []time.Duration
}

type CameraConfig struct {
	// ReleaseGrace is the pause between releasing a camera and reopening it.
	ReleaseGrace time.Duration
	LeaseTTL     time.Duration
}

type PaymentsConfig struct {
	Scheme  string
	Sources []models.PaymentSource
}

var defaultSources = []models.PaymentSource{
	{ID: "alice@sbi", Name: "Personal SBI", Bank: "State Bank of India", IsDefault: true},
	{ID: "alice@hdfc", Name: "Salary Account", Bank: "HDFC Bank"},
	{ID: "alice@icici", Name: "Savings", Bank: "ICICI Bank"},
	{ID: "alice@paytm", Name: "Paytm Wallet", Bank: "Paytm Payments Bank"},
}

func Load() *Config {
	scan := models.DefaultScanConfig()
	scan.FramesPerSecond = getEnvInt("SCAN_FPS", scan.FramesPerSecond)
	scan.TargetBox = parseBox(os.Getenv("SCAN_BOX"), scan.TargetBox)
	scan.AspectRatio = getEnvFloat("SCAN_ASPECT_RATIO", scan.AspectRatio)
	scan.DisableFlip = getEnvBool("SCAN_DISABLE_FLIP", false)
	if mode := models.FacingMode(os.Getenv("SCAN_FACING_MODE")); mode.Valid() {
		scan.FacingMode = mode
	}

	return &Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		KafkaBrokers:   os.Getenv("KAFKA_BROKERS"),
		NatsURL:        os.Getenv("NATS_URL"),
		JaegerEndpoint: os.Getenv("JAEGER_ENDPOINT"),
		Port:           getEnv("PORT", "8084"),
		Scan:           scan,
		Retry: RetryConfig{
			MaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			Backoff:     parseDurations(os.Getenv("RETRY_BACKOFF_MS"), []time.Duration{500 * time.Millisecond, 800 * time.Millisecond, 1000 * time.Millisecond}),
		},
		Camera: CameraConfig{
			ReleaseGrace: time.Duration(getEnvInt("CAMERA_RELEASE_GRACE_MS", 150)) * time.Millisecond,
			LeaseTTL:     getEnvDuration("DEVICE_LEASE_TTL", 30*time.Second),
		},
		Payments: PaymentsConfig{
			Scheme:  getEnv("PAYMENT_SCHEME", "upi"),
			Sources: ParseSources(os.Getenv("PAYMENT_SOURCES")),
		},
		NotificationBuffer: getEnvInt("NOTIFICATION_BUFFER", 64),
	}
}

// ParseSources reads "id|name|bank" entries separated by commas. A leading
// "*" marks the default source; without one the first entry is the default.
func ParseSources(raw string) []models.PaymentSource {
	if strings.TrimSpace(raw) == "" {
		out := make([]models.PaymentSource, len(defaultSources))
		copy(out, defaultSources)
		return out
	}

	var sources []models.PaymentSource
	hasDefault := false
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		src := models.PaymentSource{}
		if strings.HasPrefix(entry, "*") && !hasDefault {
			src.IsDefault = true
			hasDefault = true
		}
		entry = strings.TrimPrefix(entry, "*")

		parts := strings.SplitN(entry, "|", 3)
		src.ID = strings.TrimSpace(parts[0])
		if src.ID == "" {
			continue
		}
		src.Name = src.ID
		if len(parts) > 1 {
			src.Name = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			src.Bank = strings.TrimSpace(parts[2])
		}
		sources = append(sources, src)
	}
	if len(sources) > 0 && !hasDefault {
		sources[0].IsDefault = true
	}
	return sources
}

func parseBox(raw string, fallback models.ScanBox) models.ScanBox {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	if w, h, ok := strings.Cut(raw, "x"); ok {
		width, errW := strconv.Atoi(w)
		height, errH := strconv.Atoi(h)
		if errW == nil && errH == nil && width > 0 && height > 0 {
			return models.ScanBox{Box: &models.Dimensions{Width: width, Height: height}}
		}
		return fallback
	}
	if size, err := strconv.Atoi(raw); err == nil && size > 0 {
		return models.ScanBox{Size: size}
	}
	return fallback
}

func parseDurations(raw string, fallback []time.Duration) []time.Duration {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		ms, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || ms < 0 {
			return fallback
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// PaymentSources serves the configured list to the scan flow.
func (p PaymentsConfig) PaymentSources(ctx context.Context) ([]models.PaymentSource, error) {
	out := make([]models.PaymentSource, len(p.Sources))
	copy(out, p.Sources)
	return out, nil
}
