package fanout

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"context"

	"github.com/mbd888/eventgate/internal/circuitbreaker"
	"github.com/mbd888/eventgate/internal/dlq"
	"github.com/mbd888/eventgate/internal/eventstore"
	"github.com/mbd888/eventgate/internal/metricstore"
	"github.com/mbd888/eventgate/internal/schema"
	"github.com/mbd888/eventgate/internal/substore"
)

func testEngine(t *testing.T, cfg Config) (*Engine, substore.Store, *dlq.MemoryStore, metricstore.Store) {
	t.Helper()
	subs := substore.NewMemoryStore()
	dlqStore := dlq.NewMemoryStore(time.Hour)
	t.Cleanup(dlqStore.Stop)
	metrics := metricstore.NewMemoryStore(nil)
	eng := New(cfg, subs, dlqStore, metrics, schema.New(), circuitbreaker.New(5, time.Minute), nil)
	return eng, subs, dlqStore, metrics
}

func testEvent() *eventstore.Event {
	now := time.Now().UTC()
	return &eventstore.Event{
		EventID:   "evt_1",
		EventType: "order_created",
		Timestamp: now,
		Payload:   map[string]interface{}{"amount": 100},
		Metadata:  map[string]interface{}{},
		Status:    eventstore.StatusPending,
		CreatedAt: now,
	}
}

func TestDeliverSuccessOnFirstAttempt(t *testing.T) {
	var gotAttempt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAttempt = r.Header.Get("X-Attempt")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	eng, subs, _, metrics := testEngine(t, cfg)
	ctx := context.Background()

	_ = subs.Create(ctx, &substore.Subscription{ID: "sub1", URL: srv.URL, Status: substore.StatusActive})

	delivered, failed, err := eng.Deliver(ctx, testEvent(), "corr1")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if delivered != 1 || failed != 0 {
		t.Fatalf("expected delivered=1 failed=0, got delivered=%d failed=%d", delivered, failed)
	}
	if gotAttempt != "1" {
		t.Fatalf("expected X-Attempt=1, got %q", gotAttempt)
	}

	sub, _ := subs.Get(ctx, "sub1")
	if sub.Status != substore.StatusActive {
		t.Fatalf("expected subscription to remain active, got %s", sub.Status)
	}

	v, _ := metrics.Get(ctx, metricstore.KeyWebhookDelivered)
	if v.Int != 1 {
		t.Fatalf("expected webhook.delivered=1, got %d", v.Int)
	}
}

func TestDeliverExhaustsBudgetAndWritesDLQ(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Backoffs = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	eng, subs, dlqStore, metrics := testEngine(t, cfg)
	ctx := context.Background()

	_ = subs.Create(ctx, &substore.Subscription{ID: "sub1", URL: srv.URL, Status: substore.StatusActive})

	delivered, failed, err := eng.Deliver(ctx, testEvent(), "corr1")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if delivered != 0 || failed != 1 {
		t.Fatalf("expected delivered=0 failed=1, got delivered=%d failed=%d", delivered, failed)
	}
	if attempts != cfg.MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", cfg.MaxAttempts, attempts)
	}

	sub, _ := subs.Get(ctx, "sub1")
	if sub.Status != substore.StatusFailing {
		t.Fatalf("expected subscription status failing, got %s", sub.Status)
	}
	if sub.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", sub.RetryCount)
	}

	count, err := dlqStore.CountDeliveries(ctx)
	if err != nil {
		t.Fatalf("CountDeliveries: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 DLQ delivery entry, got %d", count)
	}

	v, _ := metrics.Get(ctx, metricstore.KeyWebhookFailed)
	if v.Int != 1 {
		t.Fatalf("expected webhook.failed=1, got %d", v.Int)
	}
}

func TestDeliverNoActiveSubscriptions(t *testing.T) {
	eng, _, _, _ := testEngine(t, DefaultConfig())
	delivered, failed, err := eng.Deliver(context.Background(), testEvent(), "corr1")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if delivered != 0 || failed != 0 {
		t.Fatalf("expected no deliveries, got delivered=%d failed=%d", delivered, failed)
	}
}
