// Package queue implements the durable event-processing queue: batched
// FIFO delivery to the Workflow Runner with bounded redelivery. There is
// no visibility timeout: neither implementation reads
// Config.VisibilityTimeout, and RedisQueue never moves messages left on
// its processing list back to the main list.
package queue

import (
	"context"
	"time"
)

// Message is one enqueued unit of work.
type Message struct {
	ID            string
	EventID       string
	Payload       map[string]interface{}
	Metadata      map[string]interface{}
	Timestamp     time.Time
	CorrelationID string
	Attempt       int // 1-indexed delivery attempt
}

// Batch is a group of messages delivered together to one consumer call.
type Batch []Message

// Handler processes a batch. Messages it reports as failed (by returning
// their IDs in the second return value) are redelivered after backoff;
// every other message in the batch is considered acknowledged.
type Handler func(ctx context.Context, batch Batch) (failedIDs []string, err error)

// Queue is the durable queue contract from the component design: batch
// size target ~100, configurable redelivery budget (default 5), drop to a
// terminal channel on exhaustion.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	// Run starts consuming batches and invoking handler until ctx is
	// cancelled. It blocks until the consumer loop exits.
	Run(ctx context.Context, handler Handler) error
	// Depth reports the approximate number of messages awaiting delivery,
	// feeding the queue.depth metric.
	Depth(ctx context.Context) (int, error)
}

// TerminalHandler is invoked once a message exhausts its redelivery
// budget; the queue drops the message once the call returns and never
// learns whether the handler succeeded, so the handler is best-effort
// (log and continue).
type TerminalHandler func(ctx context.Context, msg Message, lastErr error)

// Config tunes batch size and redelivery budget for any Queue
// implementation. VisibilityTimeout is carried from configuration but
// neither MemQueue nor RedisQueue reads it.
type Config struct {
	BatchSize         int
	VisibilityTimeout time.Duration
	MaxRedeliveries   int
	BaseBackoff       time.Duration
}

// DefaultConfig mirrors spec.md §4.2's defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:         100,
		VisibilityTimeout: 30 * time.Second,
		MaxRedeliveries:   5,
		BaseBackoff:       500 * time.Millisecond,
	}
}
