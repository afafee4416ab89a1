package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/qr-scanner/internal/models"
)

// ScanEventRepository defines the contract for the scan flow audit trail
type ScanEventRepository interface {
	InsertEvent(ctx context.Context, event *models.ScanEvent) error
	ListRecent(ctx context.Context, flowID string, limit int) ([]models.ScanEvent, error)
}

// EventPublisher broadcasts flow transitions to downstream consumers
type EventPublisher interface {
	PublishFlowEvent(ctx context.Context, event *models.ScanEvent) error
}
