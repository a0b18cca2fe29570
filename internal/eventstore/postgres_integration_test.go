//go:build integration
// +build integration

package eventstore_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mbd888/eventgate/internal/eventstore"
)

// setupPostgres starts a throwaway Postgres container and returns an open
// *sql.DB pointed at it, mirroring the netweave example's testcontainers
// bootstrap pattern.
func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("eventgate_test"),
		postgres.WithUsername("eventgate"),
		postgres.WithPassword("eventgate"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.PingContext(ctx))

	return db
}

func TestPostgresStore_GetOrCreate_Idempotent(t *testing.T) {
	db := setupPostgres(t)
	store := eventstore.NewPostgresStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	ctx := context.Background()
	candidate := &eventstore.Event{
		EventID:   "evt-1",
		EventType: "order.created",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]interface{}{"id": "123"},
		Metadata:  map[string]interface{}{"source": "test"},
	}

	first, created, err := store.GetOrCreate(ctx, candidate)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, eventstore.StatusPending, first.Status)

	second, created, err := store.GetOrCreate(ctx, candidate)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.EventID, second.EventID)
}

func TestPostgresStore_UpdateStatus_MonotoneFromDelivered(t *testing.T) {
	db := setupPostgres(t)
	store := eventstore.NewPostgresStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	ctx := context.Background()
	candidate := &eventstore.Event{
		EventID:   "evt-2",
		EventType: "order.created",
		Timestamp: time.Now().UTC(),
		Payload:   map[string]interface{}{"id": "456"},
		Metadata:  map[string]interface{}{},
	}
	_, _, err := store.GetOrCreate(ctx, candidate)
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(ctx, "evt-2", eventstore.StatusDelivered, 0))

	require.NoError(t, store.UpdateStatus(ctx, "evt-2", eventstore.StatusPending, 1))

	got, err := store.Get(ctx, "evt-2")
	require.NoError(t, err)
	require.Equal(t, eventstore.StatusDelivered, got.Status)
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	db := setupPostgres(t)
	store := eventstore.NewPostgresStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	_, err := store.Get(context.Background(), "does-not-exist")
	require.True(t, eventstore.IsNotFound(err))
}
