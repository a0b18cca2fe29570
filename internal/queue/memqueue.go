package queue

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type pending struct {
	msg      Message
	attempts int
}

// MemQueue is a bounded in-process FIFO queue. Enqueue blocks as
// backpressure once the queue reaches maxDepth, mirroring the linked-list
// plus notEmpty/notFull signal-channel pattern used for durable delivery
// elsewhere in the pack; it never silently drops a message.
type MemQueue struct {
	cfg Config

	mu       sync.Mutex
	items    *list.List // of *pending
	notEmpty chan struct{}
	notFull  chan struct{}
	maxDepth int

	onTerminal TerminalHandler
}

// NewMemQueue constructs a MemQueue. maxDepth <= 0 means unbounded.
func NewMemQueue(cfg Config, maxDepth int, onTerminal TerminalHandler) *MemQueue {
	return &MemQueue{
		cfg:        cfg,
		items:      list.New(),
		notEmpty:   make(chan struct{}, 1),
		notFull:    make(chan struct{}, 1),
		maxDepth:   maxDepth,
		onTerminal: onTerminal,
	}
}

func (q *MemQueue) Enqueue(ctx context.Context, msg Message) error {
	if msg.Attempt == 0 {
		msg.Attempt = 1
	}
	for {
		q.mu.Lock()
		if q.maxDepth <= 0 || q.items.Len() < q.maxDepth {
			q.items.PushBack(&pending{msg: msg})
			select {
			case q.notEmpty <- struct{}{}:
			default:
			}
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.notFull:
		}
	}
}

func (q *MemQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len(), nil
}

func (q *MemQueue) tryPopBatch(max int) []*pending {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*pending
	wasAtCapacity := q.maxDepth > 0 && q.items.Len() >= q.maxDepth
	for len(out) < max {
		front := q.items.Front()
		if front == nil {
			break
		}
		out = append(out, q.items.Remove(front).(*pending))
	}
	if wasAtCapacity && len(out) > 0 {
		select {
		case q.notFull <- struct{}{}:
		default:
		}
	}
	return out
}

func (q *MemQueue) requeue(p *pending) {
	q.mu.Lock()
	q.items.PushBack(p)
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
	q.mu.Unlock()
}

// Run drains batches of up to cfg.BatchSize and invokes handler. Messages
// the handler reports failed are redelivered after exponential backoff
// (relative to msg.Attempt) up to cfg.MaxRedeliveries, after which
// onTerminal is invoked and the message is dropped.
func (q *MemQueue) Run(ctx context.Context, handler Handler) error {
	for {
		batch := q.tryPopBatch(q.cfg.BatchSize)
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.notEmpty:
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		msgs := make(Batch, len(batch))
		byID := make(map[string]*pending, len(batch))
		for i, p := range batch {
			p.attempts++
			p.msg.Attempt = p.attempts
			msgs[i] = p.msg
			byID[p.msg.ID] = p
		}

		failedIDs, _ := handler(ctx, msgs)
		failedSet := make(map[string]bool, len(failedIDs))
		for _, id := range failedIDs {
			failedSet[id] = true
		}

		for id, p := range byID {
			if !failedSet[id] {
				continue
			}
			if p.attempts >= q.cfg.MaxRedeliveries {
				if q.onTerminal != nil {
					q.onTerminal(ctx, p.msg, nil)
				}
				continue
			}
			go q.scheduleRedelivery(ctx, p)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (q *MemQueue) scheduleRedelivery(ctx context.Context, p *pending) {
	delay := q.cfg.BaseBackoff * time.Duration(1<<uint(p.attempts-1))
	select {
	case <-time.After(delay):
		q.requeue(p)
	case <-ctx.Done():
	}
}
