package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/eventgate/internal/dlq"
	"github.com/mbd888/eventgate/internal/eventstore"
	"github.com/mbd888/eventgate/internal/metricstore"
	"github.com/mbd888/eventgate/internal/schema"
)

type fakeFanout struct {
	calls int
}

func (f *fakeFanout) Deliver(ctx context.Context, e *eventstore.Event, correlationID string) (int, int, error) {
	f.calls++
	return 1, 0, nil
}

func newTestRunner(t *testing.T) (*Runner, eventstore.Store, metricstore.Store, *dlq.MemoryStore, *fakeFanout) {
	t.Helper()
	events := eventstore.NewMemoryStore()
	metrics := metricstore.NewMemoryStore(nil)
	dlqStore := dlq.NewMemoryStore(time.Hour)
	t.Cleanup(dlqStore.Stop)
	fanout := &fakeFanout{}
	r := New(DefaultConfig(), events, metrics, dlqStore, fanout, schema.New(), nil)
	return r, events, metrics, dlqStore, fanout
}

func validInput() Input {
	now := time.Now().UTC().Format(time.RFC3339)
	return Input{
		EventID:       "evt_1",
		EventType:     "order_created",
		Timestamp:     now,
		Payload:       map[string]interface{}{"amount": 100},
		Metadata:      map[string]interface{}{"source": "api"},
		CreatedAt:     now,
		CorrelationID: "corr_1",
	}
}

func TestProcessDeliversAndMarksDelivered(t *testing.T) {
	r, events, metrics, _, fanout := newTestRunner(t)
	ctx := context.Background()

	if err := r.Process(ctx, validInput()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	event, err := events.Get(ctx, "evt_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if event.Status != eventstore.StatusDelivered {
		t.Fatalf("expected status delivered, got %s", event.Status)
	}
	if fanout.calls != 1 {
		t.Fatalf("expected fanout called once, got %d", fanout.calls)
	}

	delivered, _ := metrics.Get(ctx, metricstore.KeyEventsDelivered)
	if delivered.Int != 1 {
		t.Fatalf("expected events.delivered=1, got %d", delivered.Int)
	}
	pending, _ := metrics.Get(ctx, metricstore.KeyEventsPending)
	if pending.Int != 0 {
		t.Fatalf("expected events.pending=0, got %d", pending.Int)
	}
}

func TestProcessReplayIsNoOp(t *testing.T) {
	r, _, _, _, fanout := newTestRunner(t)
	ctx := context.Background()
	in := validInput()

	if err := r.Process(ctx, in); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if err := r.Process(ctx, in); err != nil {
		t.Fatalf("replay Process: %v", err)
	}

	if fanout.calls != 1 {
		t.Fatalf("expected fanout called exactly once across replay, got %d", fanout.calls)
	}
}

func TestProcessValidationFailureIsTerminal(t *testing.T) {
	r, events, metrics, dlqStore, fanout := newTestRunner(t)
	ctx := context.Background()

	in := validInput()
	in.EventID = "bad id with spaces"

	if err := r.Process(ctx, in); err == nil {
		t.Fatal("expected validation error")
	}

	if fanout.calls != 0 {
		t.Fatalf("expected fanout not called on validation failure, got %d calls", fanout.calls)
	}

	if _, err := events.Get(ctx, "bad id with spaces"); err == nil {
		t.Fatal("expected no event row to exist for an event that never passed validate")
	}

	failed, _ := metrics.Get(ctx, metricstore.KeyEventsFailed)
	if failed.Int != 1 {
		t.Fatalf("expected events.failed=1, got %d", failed.Int)
	}

	count, err := dlqStore.CountWorkflows(ctx)
	if err != nil {
		t.Fatalf("CountWorkflows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one workflow DLQ entry, got %d", count)
	}
}

func TestProcessSerializesSameEventID(t *testing.T) {
	r, _, _, _, fanout := newTestRunner(t)
	ctx := context.Background()
	in := validInput()

	done := make(chan error, 2)
	go func() { done <- r.Process(ctx, in) }()
	go func() { done <- r.Process(ctx, in) }()

	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Process: %v", err)
		}
	}

	if fanout.calls != 1 {
		t.Fatalf("expected fanout called once despite concurrent Process calls, got %d", fanout.calls)
	}
}
