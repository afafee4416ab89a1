package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/akylbek/payment-system/qr-scanner/internal/models"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestKafkaPublisher_KeyedByFlow(t *testing.T) {
	w := &captureWriter{}
	p := NewKafkaPublisher(w)

	err := p.PublishFlowEvent(context.Background(), &models.ScanEvent{
		FlowID:     "flow-1",
		Event:      "intent_recognized",
		FromStage:  models.StageScanning,
		ToStage:    models.StageConfirming,
		MerchantID: "shop@bank",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "flow-1" {
		t.Errorf("expected key flow-1, got %s", w.msgs[0].Key)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.msgs[0].Value, &body); err != nil {
		t.Fatal(err)
	}
	if body["to_stage"] != "CONFIRMING" || body["merchant_id"] != "shop@bank" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestKafkaPublisher_WrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := NewKafkaPublisher(&captureWriter{err: boom})
	if err := p.PublishFlowEvent(context.Background(), &models.ScanEvent{FlowID: "f"}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
}
