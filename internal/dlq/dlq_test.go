package dlq

import (
	"context"
	"testing"
	"time"
)

func TestPutAndGetDelivery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)
	defer s.Stop()

	entry := DeliveryEntry{
		SubscriptionID: "sub1",
		EventID:        "e1",
		WebhookURL:     "https://hooks.example.com/hooks/a",
		LastError:      "HTTP 500",
		LastStatusCode: 500,
		FailedAt:       time.Now().UTC(),
	}
	if err := s.PutDelivery(ctx, entry); err != nil {
		t.Fatalf("PutDelivery: %v", err)
	}

	got, ok, err := s.GetDelivery(ctx, "sub1", "e1")
	if err != nil || !ok {
		t.Fatalf("GetDelivery: ok=%v err=%v", ok, err)
	}
	if got.LastError != "HTTP 500" {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestCountCombinesNamespaces(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)
	defer s.Stop()

	_ = s.PutDelivery(ctx, DeliveryEntry{SubscriptionID: "sub1", EventID: "e1", FailedAt: time.Now()})
	_ = s.PutWorkflow(ctx, WorkflowEntry{EventID: "e2", Reason: "validate failed", FailedAt: time.Now()})

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected combined count 2, got %d", count)
	}
}

func TestSweepExpiresOldEntries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Millisecond)
	defer s.Stop()

	_ = s.PutDelivery(ctx, DeliveryEntry{
		SubscriptionID: "sub1",
		EventID:        "e1",
		FailedAt:       time.Now().Add(-time.Hour),
	})

	s.sweep()

	count, err := s.CountDeliveries(ctx)
	if err != nil {
		t.Fatalf("CountDeliveries: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected expired entry to be swept, got count %d", count)
	}
}
