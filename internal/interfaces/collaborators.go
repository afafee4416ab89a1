package interfaces

import (
	"context"

	"github.com/akylbek/payment-system/qr-scanner/internal/models"
)

// Notifier delivers fire-and-forget user-visible messages.
type Notifier interface {
	Notify(ctx context.Context, title, body string, severity models.Severity)
}

// PaymentSubmitter performs the actual transfer outside this service.
type PaymentSubmitter interface {
	Submit(ctx context.Context, submission *models.PaymentSubmission) (*models.SubmissionAck, error)
}

// PaymentSourceProvider supplies the accounts offered in the source selector.
type PaymentSourceProvider interface {
	PaymentSources(ctx context.Context) ([]models.PaymentSource, error)
}
