// Package submitter hands confirmed payments to the payment backend.
package submitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/qr-scanner/internal/models"
	"github.com/akylbek/payment-system/qr-scanner/internal/telemetry"
)

const SubmitSubject = "payment.submit"

var ErrRejected = errors.New("payment submission rejected")

// Requester is the part of *nats.Conn the submitter needs.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

type NATSSubmitter struct {
	conn    Requester
	subject string
	timeout time.Duration
}

func NewNATSSubmitter(conn Requester) *NATSSubmitter {
	return &NATSSubmitter{conn: conn, subject: SubmitSubject, timeout: 5 * time.Second}
}

func (s *NATSSubmitter) Submit(ctx context.Context, submission *models.PaymentSubmission) (*models.SubmissionAck, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "payment.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("submission.id", submission.SubmissionID),
		attribute.String("merchant.id", submission.MerchantID),
	)

	data, err := json.Marshal(submission)
	if err != nil {
		return nil, fmt.Errorf("marshal submission: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msg, err := s.conn.RequestWithContext(ctx, s.subject, data)
	if err != nil {
		telemetry.Logger.Warn("Payment submission timeout",
			zap.String("submission_id", submission.SubmissionID),
			zap.Error(err),
		)
		span.RecordError(err)
		return nil, fmt.Errorf("submit payment %s: %w", submission.SubmissionID, err)
	}

	var ack models.SubmissionAck
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		return nil, fmt.Errorf("decode submission ack: %w", err)
	}
	if ack.Status != "accepted" {
		return &ack, fmt.Errorf("%w: %s", ErrRejected, ack.Reason)
	}
	return &ack, nil
}

// LocalSubmitter accepts every submission. Used when NATS is not configured.
type LocalSubmitter struct{}

func (LocalSubmitter) Submit(ctx context.Context, submission *models.PaymentSubmission) (*models.SubmissionAck, error) {
	telemetry.Logger.Info("Payment submission accepted locally",
		zap.String("submission_id", submission.SubmissionID),
		zap.String("merchant_id", submission.MerchantID),
		zap.String("amount", submission.Amount),
		zap.String("payment_source_id", submission.PaymentSourceID),
	)
	return &models.SubmissionAck{Status: "accepted", SubmissionID: submission.SubmissionID}, nil
}
