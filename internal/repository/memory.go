package repository

import (
	"context"
	"sync"
	"time"

	"github.com/akylbek/payment-system/qr-scanner/internal/models"
)

// MemoryScanEventRepository is used when no DATABASE_URL is configured.
type MemoryScanEventRepository struct {
	mu     sync.RWMutex
	nextID int64
	events []models.ScanEvent
	limit  int
}

func NewMemoryScanEventRepository(limit int) *MemoryScanEventRepository {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryScanEventRepository{limit: limit}
}

func (r *MemoryScanEventRepository) InsertEvent(ctx context.Context, event *models.ScanEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	event.ID = r.nextID
	event.CreatedAt = time.Now()
	r.events = append(r.events, *event)
	if over := len(r.events) - r.limit; over > 0 {
		r.events = append(r.events[:0:0], r.events[over:]...)
	}
	return nil
}

func (r *MemoryScanEventRepository) ListRecent(ctx context.Context, flowID string, limit int) ([]models.ScanEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []models.ScanEvent{}
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		if r.events[i].FlowID == flowID {
			out = append(out, r.events[i])
		}
	}
	return out, nil
}
