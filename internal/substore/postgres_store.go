package substore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
)

const subscriptionsTable = "subscriptions"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var subscriptionColumns = []string{
	"id", "url", "status", "created_at", "last_tested_at", "last_error", "retry_count",
}

// PostgresStore persists Subscription rows in PostgreSQL via squirrel-built
// queries, grounded on the same query-builder idiom as the event store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgreSQL-backed Store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the subscriptions table for integration-test bootstrap.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subscriptions (
			id             TEXT PRIMARY KEY,
			url            TEXT NOT NULL UNIQUE,
			status         TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_tested_at TIMESTAMPTZ,
			last_error     TEXT NOT NULL DEFAULT '',
			retry_count    INTEGER NOT NULL DEFAULT 0
		);
	`)
	return errors.Wrap(err, "failed to create subscriptions table")
}

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := psql.Insert(subscriptionsTable).
		SetMap(map[string]interface{}{
			"id":             sub.ID,
			"url":            sub.URL,
			"status":         string(sub.Status),
			"created_at":     sub.CreatedAt,
			"last_tested_at": sub.LastTestedAt,
			"last_error":     sub.LastError,
			"retry_count":    sub.RetryCount,
		}).
		RunWith(p.db).
		ExecContext(ctx)
	if isUniqueViolation(err) {
		return ErrDuplicateURL
	}
	return errors.Wrap(err, "failed to create subscription")
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	return p.getWhere(ctx, sq.Eq{"id": id})
}

func (p *PostgresStore) GetByURL(ctx context.Context, url string) (*Subscription, error) {
	return p.getWhere(ctx, sq.Eq{"url": url})
}

func (p *PostgresStore) getWhere(ctx context.Context, pred sq.Eq) (*Subscription, error) {
	row := psql.Select(subscriptionColumns...).
		From(subscriptionsTable).
		Where(pred).
		RunWith(p.db).
		QueryRowContext(ctx)

	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get subscription")
	}
	return sub, nil
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]*Subscription, error) {
	rows, err := psql.Select(subscriptionColumns...).
		From(subscriptionsTable).
		Where(sq.Eq{"status": string(StatusActive)}).
		RunWith(p.db).
		QueryContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active subscriptions")
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan subscription")
		}
		out = append(out, sub)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate subscriptions")
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	res, err := psql.Update(subscriptionsTable).
		SetMap(map[string]interface{}{
			"status":         string(sub.Status),
			"last_tested_at": sub.LastTestedAt,
			"last_error":     sub.LastError,
			"retry_count":    sub.RetryCount,
		}).
		Where(sq.Eq{"id": sub.ID}).
		RunWith(p.db).
		ExecContext(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to update subscription")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	return p.deleteWhere(ctx, sq.Eq{"id": id})
}

func (p *PostgresStore) DeleteByURL(ctx context.Context, url string) error {
	return p.deleteWhere(ctx, sq.Eq{"url": url})
}

func (p *PostgresStore) deleteWhere(ctx context.Context, pred sq.Eq) error {
	res, err := psql.Delete(subscriptionsTable).
		Where(pred).
		RunWith(p.db).
		ExecContext(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to delete subscription")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var sub Subscription
	var status string
	var lastTestedAt sql.NullTime

	if err := row.Scan(&sub.ID, &sub.URL, &status, &sub.CreatedAt, &lastTestedAt,
		&sub.LastError, &sub.RetryCount); err != nil {
		return nil, err
	}
	sub.Status = Status(status)
	if lastTestedAt.Valid {
		t := lastTestedAt.Time
		sub.LastTestedAt = &t
	}
	return &sub, nil
}

// isUniqueViolation is a best-effort check for Postgres unique-constraint
// errors without importing the lib/pq error type directly everywhere.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique_violation")
}
