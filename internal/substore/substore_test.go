package substore

import (
	"context"
	"testing"
	"time"
)

func newTestSub(id, url string) *Subscription {
	return &Subscription{
		ID:        id,
		URL:       url,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateRejectsDuplicateURL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Create(ctx, newTestSub("sub1", "https://hooks.example.com/hooks/a")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.Create(ctx, newTestSub("sub2", "https://hooks.example.com/hooks/a"))
	if err != ErrDuplicateURL {
		t.Fatalf("expected ErrDuplicateURL, got %v", err)
	}
}

func TestGetByURL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, newTestSub("sub1", "https://hooks.example.com/hooks/a"))

	got, err := s.GetByURL(ctx, "https://hooks.example.com/hooks/a")
	if err != nil {
		t.Fatalf("GetByURL: %v", err)
	}
	if got.ID != "sub1" {
		t.Fatalf("expected sub1, got %s", got.ID)
	}

	if _, err := s.GetByURL(ctx, "https://nope.example.com"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListActiveExcludesFailing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, newTestSub("sub1", "https://a.example.com"))

	failing := newTestSub("sub2", "https://b.example.com")
	failing.Status = StatusFailing
	_ = s.Create(ctx, failing)

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].ID != "sub1" {
		t.Fatalf("expected only sub1 active, got %+v", active)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, newTestSub("sub1", "https://a.example.com"))

	sub, _ := s.Get(ctx, "sub1")
	sub.Status = StatusFailing
	sub.LastError = "HTTP 500"
	sub.RetryCount++
	if err := s.Update(ctx, sub); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := s.Get(ctx, "sub1")
	if got.Status != StatusFailing || got.LastError != "HTTP 500" || got.RetryCount != 1 {
		t.Fatalf("update did not persist: %+v", got)
	}

	if err := s.Delete(ctx, "sub1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "sub1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := s.GetByURL(ctx, "https://a.example.com"); err != ErrNotFound {
		t.Fatalf("expected URL index cleared after delete")
	}
}
