// Package notify delivers user-visible toast messages.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/qr-scanner/internal/interfaces"
	"github.com/akylbek/payment-system/qr-scanner/internal/models"
	"github.com/akylbek/payment-system/qr-scanner/internal/telemetry"
)

// Logger writes notifications to the structured log.
type Logger struct{}

func (Logger) Notify(ctx context.Context, title, body string, severity models.Severity) {
	fields := []zap.Field{
		zap.String("title", title),
		zap.String("body", body),
		zap.String("severity", string(severity)),
	}
	if severity == models.SeverityError {
		telemetry.Logger.Warn("User notification", fields...)
		return
	}
	telemetry.Logger.Info("User notification", fields...)
}

// Feed keeps the most recent notifications for clients that poll.
type Feed struct {
	mu    sync.RWMutex
	items []models.Notification
	limit int
	seq   uint64
}

func NewFeed(limit int) *Feed {
	if limit <= 0 {
		limit = 64
	}
	return &Feed{limit: limit}
}

func (f *Feed) Notify(ctx context.Context, title, body string, severity models.Severity) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	f.items = append(f.items, models.Notification{
		Seq:       f.seq,
		Title:     title,
		Body:      body,
		Severity:  severity,
		CreatedAt: time.Now(),
	})
	if over := len(f.items) - f.limit; over > 0 {
		f.items = append(f.items[:0:0], f.items[over:]...)
	}
}

// Since returns notifications with a sequence number greater than seq.
func (f *Feed) Since(seq uint64) []models.Notification {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := []models.Notification{}
	for _, n := range f.items {
		if n.Seq > seq {
			out = append(out, n)
		}
	}
	return out
}

// Multi fans a notification out to several sinks.
type Multi []interfaces.Notifier

func (m Multi) Notify(ctx context.Context, title, body string, severity models.Severity) {
	for _, n := range m {
		n.Notify(ctx, title, body, severity)
	}
}
