package consumer

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PersistenceHandler writes consumed telemetry records into Postgres for
// downstream querying and auditing.
type PersistenceHandler struct {
	pool *pgxpool.Pool
}

// NewPersistenceHandler constructs a handler backed by the provided pool.
func NewPersistenceHandler(pool *pgxpool.Pool) *PersistenceHandler {
	return &PersistenceHandler{pool: pool}
}

// Handle stores the record in the event_log table. Replayed deliveries of the
// same event are absorbed by the primary key so at-least-once delivery from
// the sink never duplicates rows.
func (h *PersistenceHandler) Handle(ctx context.Context, record Record) error {
	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx,
		`INSERT INTO event_log (event_id, batch_id, event_type, action, target, metadata, occurred_at, topic, partition, record_offset, received_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
         ON CONFLICT (event_id) DO NOTHING`,
		record.Event.ID,
		record.BatchID,
		record.Event.Type,
		record.Event.Action,
		record.Event.Target,
		record.Event.Metadata,
		record.Event.OccurredAt,
		record.Topic,
		record.Partition,
		record.Offset,
		record.ReceivedAt,
	)
	return err
}
