//go:build integration
// +build integration

package consumer

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/telemetry/internal/domain"
)

func TestPersistenceHandlerStoresRecord(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	handler := NewPersistenceHandler(pool)

	record := Record{
		Topic:      "telemetry.events",
		Partition:  0,
		Offset:     5,
		ReceivedAt: time.Now().UTC(),
		BatchID:    "batch-1",
		Event: domain.Event{
			ID:         "evt-1",
			Type:       domain.EventTypeClick,
			Action:     "click",
			Target:     "/signup",
			Metadata:   map[string]any{"button": "cta"},
			OccurredAt: time.Now().UTC().Add(-time.Second),
		},
	}

	require.NoError(t, handler.Handle(ctx, record))

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM event_log`).Scan(&count))
	require.Equal(t, 1, count)

	var action, batchID string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT action, batch_id FROM event_log WHERE event_id = $1`, record.Event.ID).Scan(&action, &batchID))
	require.Equal(t, "click", action)
	require.Equal(t, "batch-1", batchID)
}

func TestPersistenceHandlerAbsorbsReplays(t *testing.T) {
	ctx := context.Background()
	pool, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	handler := NewPersistenceHandler(pool)

	record := Record{
		Topic:      "telemetry.events",
		Partition:  0,
		Offset:     7,
		ReceivedAt: time.Now().UTC(),
		BatchID:    "batch-2",
		Event: domain.Event{
			ID:         "evt-2",
			Type:       domain.EventTypePageView,
			Action:     "view",
			Target:     "/pricing",
			OccurredAt: time.Now().UTC(),
		},
	}

	// A redelivered record lands on the same primary key and is dropped.
	require.NoError(t, handler.Handle(ctx, record))
	record.Offset = 8
	require.NoError(t, handler.Handle(ctx, record))

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM event_log`).Scan(&count))
	require.Equal(t, 1, count)
}

func setupPostgres(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("telemetry"),
		postgrescontainer.WithUsername("telemetry"),
		postgrescontainer.WithPassword("telemetry"),
	)
	require.NoError(t, err)

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, waitForDatabase(ctx, connStr))
	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = pg.Terminate(ctx)
	}
	return pool, cleanup
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	t.Helper()

	files := []string{
		"../../db/postgres/migrations/0001_init.up.sql",
	}

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	for _, rel := range files {
		path := resolvePath(t, rel)
		contents, readErr := os.ReadFile(path)
		require.NoError(t, readErr)

		_, execErr := pool.Exec(ctx, string(contents))
		require.NoError(t, execErr)
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
