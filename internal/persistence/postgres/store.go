// Package postgres provides the Postgres-backed store for delivery history,
// sync checkpoints, and the consumed event log.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/telemetry/internal/domain"
	"example.com/telemetry/internal/observability"
	"example.com/telemetry/internal/persistence"
	"example.com/telemetry/internal/syncer"
)

// Store wraps a pgx pool with the collector's persistence operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Delivery is one row of the batch delivery log.
type Delivery struct {
	BatchID     string
	EventCount  int
	DeliveredAt time.Time
}

// LoggedEvent is one consumed event as recorded by the ingestion consumer.
type LoggedEvent struct {
	Event      domain.Event
	BatchID    string
	ReceivedAt time.Time
}

// RecordDelivery appends a row to the delivery log. Called from the tracker's
// batch-sent callback, so a failure here must not fail the delivery itself.
func (s *Store) RecordDelivery(ctx context.Context, d Delivery) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx,
		`INSERT INTO batch_deliveries (batch_id, event_count, delivered_at) VALUES ($1,$2,$3)`,
		d.BatchID, d.EventCount, d.DeliveredAt,
	)
	if err != nil {
		return err
	}
	observability.RecordBatchDelivered(d.DeliveredAt)
	return nil
}

// LastDelivery returns the newest delivery-log row, or nil when the log is
// empty.
func (s *Store) LastDelivery(ctx context.Context) (*Delivery, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT batch_id, event_count, delivered_at FROM batch_deliveries ORDER BY delivered_at DESC LIMIT 1`)

	var d Delivery
	if err := row.Scan(&d.BatchID, &d.EventCount, &d.DeliveredAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

// SaveCheckpoint upserts a named sync checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp syncer.Checkpoint) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx,
		`INSERT INTO sync_checkpoints (name, version, state, fetched_at)
         VALUES ($1,$2,$3,$4)
         ON CONFLICT (name) DO UPDATE SET version=EXCLUDED.version, state=EXCLUDED.state, fetched_at=EXCLUDED.fetched_at`,
		cp.Name, cp.Version, cp.State, cp.FetchedAt,
	)
	if err != nil {
		return err
	}
	observability.RecordStateSynced(cp.FetchedAt)
	return nil
}

// Checkpoint loads a named checkpoint, or nil when it has never been synced.
func (s *Store) Checkpoint(ctx context.Context, name string) (*syncer.Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT name, version, state, fetched_at FROM sync_checkpoints WHERE name=$1`, name)

	var cp syncer.Checkpoint
	if err := row.Scan(&cp.Name, &cp.Version, &cp.State, &cp.FetchedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cp, nil
}

// ListEvents pages through the consumed event log in occurrence order.
func (s *Store) ListEvents(ctx context.Context, cursor *persistence.Cursor, limit int) ([]LoggedEvent, *persistence.Cursor, error) {
	if limit <= 0 {
		limit = 20
	}

	const base = `SELECT event_id, batch_id, event_type, action, target, metadata, occurred_at, received_at FROM event_log`
	var (
		rows pgx.Rows
		err  error
	)
	if cursor != nil {
		rows, err = s.pool.Query(ctx,
			base+` WHERE (occurred_at, event_id) > ($1, $2) ORDER BY occurred_at, event_id LIMIT $3`,
			cursor.OccurredAt, cursor.ID, limit)
	} else {
		rows, err = s.pool.Query(ctx, base+` ORDER BY occurred_at, event_id LIMIT $1`, limit)
	}
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	events := make([]LoggedEvent, 0, limit)
	for rows.Next() {
		var le LoggedEvent
		if err := rows.Scan(&le.Event.ID, &le.BatchID, &le.Event.Type, &le.Event.Action, &le.Event.Target, &le.Event.Metadata, &le.Event.OccurredAt, &le.ReceivedAt); err != nil {
			return nil, nil, err
		}
		events = append(events, le)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *persistence.Cursor
	if len(events) == limit {
		last := events[len(events)-1]
		next = &persistence.Cursor{OccurredAt: last.Event.OccurredAt, ID: last.Event.ID}
	}
	return events, next, nil
}

// PruneEventLog removes consumed events older than the retention window and
// returns the number of rows dropped.
func (s *Store) PruneEventLog(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM event_log WHERE occurred_at < $1`, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
