// Package metricstore implements the key/value counter surface backing
// operational visibility: event and webhook counters, queue depth, and DLQ
// count. Semantics are eventual-consistency, read-modify-write, never
// negative.
package metricstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/eventgate/internal/retry"
)

// Well-known counter keys enumerated in the data model.
const (
	KeyEventsTotal      = "events.total"
	KeyEventsPending    = "events.pending"
	KeyEventsDelivered  = "events.delivered"
	KeyEventsFailed     = "events.failed"
	KeyWebhookDelivered = "webhook.delivered"
	KeyWebhookFailed    = "webhook.failed"
	KeyQueueDepth       = "queue.depth"
	KeyDLQCount         = "dlq.count"
	KeyLastProcessedAt  = "last_processed_at"
)

// Value is a single counter snapshot: either an integer or, for timestamp
// keys, an RFC3339 string recorded as Meta.
type Value struct {
	Int  int64
	Meta string // non-empty for timestamp-valued keys
}

// Store is the metric counter contract from the data model.
type Store interface {
	Inc(ctx context.Context, key string, delta int64) error
	Dec(ctx context.Context, key string, delta int64) error
	Set(ctx context.Context, key string, value int64, meta string) error
	Get(ctx context.Context, key string) (Value, error)
	GetAll(ctx context.Context, keys []string) (map[string]Value, error)
	ResetAll(ctx context.Context, keys []string) error
}

const (
	retryAttempts = 3
	retryBaseDelay = 10 * time.Millisecond
)

// MemoryStore is an in-memory, mutex-protected Store. Concurrent writers
// may interleave; the eventual value is never negative.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]Value
	log    *slog.Logger
}

// NewMemoryStore constructs an empty in-memory metric store.
func NewMemoryStore(log *slog.Logger) *MemoryStore {
	return &MemoryStore{
		values: make(map[string]Value),
		log:    log,
	}
}

func (m *MemoryStore) Inc(ctx context.Context, key string, delta int64) error {
	return m.rmw(ctx, key, delta)
}

func (m *MemoryStore) Dec(ctx context.Context, key string, delta int64) error {
	return m.rmw(ctx, key, -delta)
}

func (m *MemoryStore) rmw(ctx context.Context, key string, delta int64) error {
	err := retry.Do(ctx, retryAttempts, retryBaseDelay, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		v := m.values[key]
		v.Int += delta
		if v.Int < 0 {
			v.Int = 0
		}
		m.values[key] = v
		return nil
	})
	if err != nil && m.log != nil {
		m.log.Warn("metricstore: increment failed, swallowed", "key", key, "error", err)
	}
	return nil // secondary operation: never propagate failures
}

func (m *MemoryStore) Set(ctx context.Context, key string, value int64, meta string) error {
	err := retry.Do(ctx, retryAttempts, retryBaseDelay, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if value < 0 {
			value = 0
		}
		m.values[key] = Value{Int: value, Meta: meta}
		return nil
	})
	if err != nil && m.log != nil {
		m.log.Warn("metricstore: set failed, swallowed", "key", key, "error", err)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *MemoryStore) GetAll(ctx context.Context, keys []string) (map[string]Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Value, len(keys))
	for _, k := range keys {
		out[k] = m.values[k]
	}
	return out, nil
}

func (m *MemoryStore) ResetAll(ctx context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.values[k] = Value{}
	}
	return nil
}

// SetTimestamp is a convenience for timestamp-valued keys such as
// last_processed_at.
func SetTimestamp(ctx context.Context, s Store, key string, t time.Time) error {
	return s.Set(ctx, key, 0, t.UTC().Format(time.RFC3339))
}
