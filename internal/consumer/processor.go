// Package consumer ingests telemetry batches from Kafka on the collector's
// receiving side.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/telemetry/internal/domain"
)

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded telemetry records.
type Handler interface {
	Handle(context.Context, Record) error
}

// Record is the decoded representation of one Kafka message written by the
// Kafka sink: a single event plus the batch it was delivered in.
type Record struct {
	Topic      string
	Partition  int
	Offset     int64
	ReceivedAt time.Time
	BatchID    string
	Event      domain.Event
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *log.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// Processor pulls messages from Kafka, decodes them, and dispatches to a
// Handler.
type Processor struct {
	reader  Reader
	handler Handler
	logger  *log.Logger
}

// NewProcessor constructs a Processor with the provided reader and handler.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:  reader,
		handler: handler,
		logger:  log.New(log.Writer(), "[consumer] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts a blocking loop that processes Kafka messages until the context
// is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.Printf("fetch error: %v", err)
			continue
		}

		record, decodeErr := decodeMessage(msg)
		if decodeErr != nil {
			p.logger.Printf("decode error (topic=%s, partition=%d, offset=%d): %v", msg.Topic, msg.Partition, msg.Offset, decodeErr)
			recordDecodeError(msg.Topic)
			// Commit malformed messages to avoid poison-pill loops.
			if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
				p.logger.Printf("commit error after decode failure: %v", commitErr)
			}
			continue
		}

		if handleErr := p.handler.Handle(ctx, record); handleErr != nil {
			p.logger.Printf("handler error (event_type=%s, batch=%s): %v", record.Event.Type, record.BatchID, handleErr)
			recordHandlerError(record)
			continue
		}

		if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
			p.logger.Printf("commit error: %v", commitErr)
		} else {
			recordProcessed(record)
		}
	}
}

func decodeMessage(msg kafka.Message) (Record, error) {
	batchID, ok := headerValue(msg, "batch_id")
	if !ok {
		return Record{}, errors.New("missing batch_id header")
	}

	var event domain.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return Record{}, fmt.Errorf("decode event payload: %w", err)
	}
	if err := event.Validate(); err != nil {
		return Record{}, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}

	return Record{
		Topic:      msg.Topic,
		Partition:  msg.Partition,
		Offset:     msg.Offset,
		ReceivedAt: msg.Time,
		BatchID:    string(batchID),
		Event:      event,
	}, nil
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}
