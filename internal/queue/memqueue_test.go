package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemQueueEnqueueAndConsume(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	q := NewMemQueue(cfg, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Enqueue(ctx, Message{ID: "m1", EventID: "e1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx, func(ctx context.Context, batch Batch) ([]string, error) {
			mu.Lock()
			for _, m := range batch {
				seen = append(seen, m.ID)
			}
			mu.Unlock()
			close(done)
			return nil, nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for consume")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "m1" {
		t.Fatalf("expected to see m1, got %v", seen)
	}
}

func TestMemQueueRedeliversOnFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	cfg.MaxRedeliveries = 2
	cfg.BaseBackoff = 10 * time.Millisecond

	var terminalCalls int
	var mu sync.Mutex
	q := NewMemQueue(cfg, 0, func(ctx context.Context, msg Message, lastErr error) {
		mu.Lock()
		terminalCalls++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = q.Enqueue(ctx, Message{ID: "m1", EventID: "e1"})

	var attempts int
	go func() {
		_ = q.Run(ctx, func(ctx context.Context, batch Batch) ([]string, error) {
			mu.Lock()
			attempts++
			mu.Unlock()
			var failed []string
			for _, m := range batch {
				failed = append(failed, m.ID)
			}
			return failed, nil
		})
	}()

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if terminalCalls != 1 {
		t.Fatalf("expected exactly one terminal call after budget exhaustion, got %d (attempts=%d)", terminalCalls, attempts)
	}
}

func TestMemQueueDepth(t *testing.T) {
	q := NewMemQueue(DefaultConfig(), 0, nil)
	ctx := context.Background()

	_ = q.Enqueue(ctx, Message{ID: "m1"})
	_ = q.Enqueue(ctx, Message{ID: "m2"})

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("expected depth 2, got %d", depth)
	}
}
