// Package publisher broadcasts scan flow transitions.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/qr-scanner/internal/models"
	"github.com/akylbek/payment-system/qr-scanner/internal/telemetry"
)

const FlowTopic = "scan.flow.changed"

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type KafkaPublisher struct {
	writer MessageWriter
}

func NewKafkaPublisher(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) PublishFlowEvent(ctx context.Context, event *models.ScanEvent) error {
	payload := map[string]interface{}{
		"flow_id":     event.FlowID,
		"event":       event.Event,
		"from_stage":  event.FromStage,
		"to_stage":    event.ToStage,
		"merchant_id": event.MerchantID,
		"detail":      event.Detail,
		"timestamp":   event.CreatedAt,
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal flow event: %w", err)
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.FlowID),
		Value: value,
	}); err != nil {
		return fmt.Errorf("publish flow event: %w", err)
	}
	return nil
}

// LogPublisher is used when no Kafka brokers are configured.
type LogPublisher struct{}

func (LogPublisher) PublishFlowEvent(ctx context.Context, event *models.ScanEvent) error {
	telemetry.Logger.Debug("Flow event",
		zap.String("flow_id", event.FlowID),
		zap.String("event", event.Event),
		zap.String("to_stage", string(event.ToStage)),
	)
	return nil
}
