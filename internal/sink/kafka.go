// Package sink implements the batch transports consumed by the tracker.
package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"example.com/telemetry/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink delivers batches as one Kafka record per event. Records within a
// batch share a batch_id header so downstream consumers can reassemble or
// deduplicate deliveries.
type KafkaSink struct {
	topic  string
	writer messageWriter
}

// NewKafkaSink constructs a sink writing to the given topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		topic: topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Compression:  kafka.Snappy,
			Async:        false,
		},
	}
}

// Send writes the whole batch in a single WriteMessages call so a partial
// delivery is reported as a failure and the tracker requeues everything.
func (s *KafkaSink) Send(ctx context.Context, batch domain.Batch) error {
	if len(batch) == 0 {
		return domain.ErrEmptyBatch
	}

	batchID := uuid.NewString()
	msgs := make([]kafka.Message, 0, len(batch))
	for _, event := range batch {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", event.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(event.Target),
			Value: payload,
			Time:  event.OccurredAt,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(event.Type)},
				{Key: "batch_id", Value: []byte(batchID)},
			},
		})
	}

	return s.writer.WriteMessages(ctx, msgs...)
}

// Close releases the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
