package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a reliable-queue implementation backed by a Redis list:
// LPUSH to enqueue, BRPOPLPUSH to atomically move an item into a
// processing list while it is handled, and a hash tracking per-message
// attempt counts. Modeled on the Redis key-prefixing and JSON-per-entry
// style used for event-hook delivery state elsewhere in the pack.
type RedisQueue struct {
	cfg    Config
	client *redis.Client
	prefix string

	onTerminal TerminalHandler
}

// NewRedisQueue constructs a RedisQueue namespaced under prefix (e.g.
// "eventgate:queue:<name>").
func NewRedisQueue(client *redis.Client, prefix string, cfg Config, onTerminal TerminalHandler) *RedisQueue {
	return &RedisQueue{cfg: cfg, client: client, prefix: prefix, onTerminal: onTerminal}
}

func (q *RedisQueue) mainKey() string       { return q.prefix + ":main" }
func (q *RedisQueue) processingKey() string { return q.prefix + ":processing" }
func (q *RedisQueue) attemptsKey() string   { return q.prefix + ":attempts" }

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	if msg.Attempt == 0 {
		msg.Attempt = 1
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redisqueue: marshal message: %w", err)
	}
	return q.client.LPush(ctx, q.mainKey(), data).Err()
}

func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.mainKey()).Result()
	return int(n), err
}

// Run polls BRPOPLPUSH for up to cfg.BatchSize messages per cycle,
// delivers them as one batch, and acks/requeues/terminal-drops per the
// handler's reported failures.
func (q *RedisQueue) Run(ctx context.Context, handler Handler) error {
	for {
		batch, raws, err := q.collectBatch(ctx)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			continue
		}

		failedIDs, _ := handler(ctx, batch)
		failedSet := make(map[string]bool, len(failedIDs))
		for _, id := range failedIDs {
			failedSet[id] = true
		}

		for i, msg := range batch {
			raw := raws[i]
			if !failedSet[msg.ID] {
				q.ack(ctx, raw)
				continue
			}
			q.handleFailure(ctx, msg, raw)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (q *RedisQueue) collectBatch(ctx context.Context) (Batch, []string, error) {
	var batch Batch
	var raws []string

	for len(batch) < q.cfg.BatchSize {
		raw, err := q.client.BRPopLPush(ctx, q.mainKey(), q.processingKey(), 200*time.Millisecond).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return batch, raws, ctx.Err()
			}
			break
		}

		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			q.ack(ctx, raw)
			continue
		}
		attempts, _ := q.client.HIncrBy(ctx, q.attemptsKey(), msg.ID, 1).Result()
		msg.Attempt = int(attempts)
		batch = append(batch, msg)
		raws = append(raws, raw)
	}

	return batch, raws, nil
}

func (q *RedisQueue) ack(ctx context.Context, raw string) {
	q.client.LRem(ctx, q.processingKey(), 1, raw)
}

func (q *RedisQueue) handleFailure(ctx context.Context, msg Message, raw string) {
	q.client.LRem(ctx, q.processingKey(), 1, raw)

	if msg.Attempt >= q.cfg.MaxRedeliveries {
		q.client.HDel(ctx, q.attemptsKey(), msg.ID)
		if q.onTerminal != nil {
			q.onTerminal(ctx, msg, nil)
		}
		return
	}

	delay := q.cfg.BaseBackoff * time.Duration(1<<uint(msg.Attempt-1))
	go func() {
		select {
		case <-time.After(delay):
			_ = q.Enqueue(context.Background(), msg)
		case <-ctx.Done():
		}
	}()
}
