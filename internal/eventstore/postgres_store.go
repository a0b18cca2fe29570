package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
)

const eventsTable = "events"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresStore persists Event rows in PostgreSQL using squirrel-built
// queries, matching the query-builder idiom the event/delivery schema in
// this pack is built around.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgreSQL-backed Store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the events table if it does not already exist. Schema
// evolution beyond this belongs in migrations/ (goose), this is only the
// bootstrap path used by integration tests.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			event_id    TEXT PRIMARY KEY,
			event_type  TEXT NOT NULL,
			timestamp   TIMESTAMPTZ NOT NULL,
			payload     JSONB NOT NULL,
			metadata    JSONB NOT NULL DEFAULT '{}',
			status      TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return errors.Wrap(err, "failed to create events table")
}

func (p *PostgresStore) GetOrCreate(ctx context.Context, e *Event) (*Event, bool, error) {
	if existing, err := p.Get(ctx, e.EventID); err == nil {
		return existing, false, nil
	} else if !IsNotFound(err) {
		return nil, false, errors.Wrap(err, "failed to check for existing event")
	}

	payload, err := MarshalPayload(e.Payload)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to marshal payload")
	}
	metadata, err := MarshalPayload(e.Metadata)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to marshal metadata")
	}

	now := time.Now().UTC()
	_, err = psql.Insert(eventsTable).
		SetMap(map[string]interface{}{
			"event_id":    e.EventID,
			"event_type":  e.EventType,
			"timestamp":   e.Timestamp,
			"payload":     payload,
			"metadata":    metadata,
			"status":      StatusPending,
			"retry_count": 0,
			"created_at":  now,
			"updated_at":  now,
		}).
		RunWith(p.db).
		ExecContext(ctx)
	if err != nil {
		// Lost the create race: another writer inserted first. Fall back
		// to the existing row to satisfy the insert-or-get law.
		if existing, getErr := p.Get(ctx, e.EventID); getErr == nil {
			return existing, false, nil
		}
		return nil, false, errors.Wrap(err, "failed to create event")
	}

	created, err := p.Get(ctx, e.EventID)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to read back created event")
	}
	return created, true, nil
}

func (p *PostgresStore) Get(ctx context.Context, eventID string) (*Event, error) {
	row := psql.Select("event_id", "event_type", "timestamp", "payload", "metadata",
		"status", "retry_count", "created_at", "updated_at").
		From(eventsTable).
		Where(sq.Eq{"event_id": eventID}).
		RunWith(p.db).
		QueryRowContext(ctx)

	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, &notFoundError{eventID: eventID}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get event")
	}
	return e, nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, eventID string, status Status, retryCount int) error {
	update := psql.Update(eventsTable).
		SetMap(map[string]interface{}{
			"status":      string(status),
			"retry_count": retryCount,
			"updated_at":  time.Now().UTC(),
		}).
		Where(sq.Eq{"event_id": eventID})

	// Status is monotone: never regress delivered -> pending.
	if status == StatusPending {
		update = update.Where(sq.NotEq{"status": string(StatusDelivered)})
	}

	res, err := update.RunWith(p.db).ExecContext(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to update event status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := p.Get(ctx, eventID); getErr != nil {
			return getErr
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var e Event
	var payload, metadata []byte
	var status string

	if err := row.Scan(&e.EventID, &e.EventType, &e.Timestamp, &payload, &metadata,
		&status, &e.RetryCount, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}

	e.Status = Status(status)
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal payload")
	}
	if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal metadata")
	}
	return &e, nil
}
