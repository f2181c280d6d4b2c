package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/krawall/krawall/connector-runtime/internal/store"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

func newTestStore(t *testing.T) store.TargetStore {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetTarget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	target := &models.Target{
		ID:       "t1",
		Name:     "support bot",
		Kind:     models.ConnectorHTTP,
		Endpoint: "https://api.example.com",
		Active:   true,
	}
	if err := s.CreateTarget(ctx, target); err != nil {
		t.Fatalf("CreateTarget() error = %v", err)
	}

	got, err := s.GetTarget(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTarget() error = %v", err)
	}
	if got.Name != "support bot" {
		t.Errorf("GetTarget().Name = %q, want %q", got.Name, "support bot")
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not stamped")
	}
}

func TestGetTargetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTarget(context.Background(), "absent")
	var notFound *store.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestCreateTarget_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateTarget(ctx, &models.Target{ID: "dup", Name: "first", Kind: models.ConnectorHTTP})
	s.CreateTarget(ctx, &models.Target{ID: "dup", Name: "second", Kind: models.ConnectorWS})

	got, _ := s.GetTarget(ctx, "dup")
	if got.Name != "second" {
		t.Errorf("after upsert, Name = %q, want %q", got.Name, "second")
	}
}

func TestListTargetsActiveOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateTarget(ctx, &models.Target{ID: "a", Active: true})
	s.CreateTarget(ctx, &models.Target{ID: "b", Active: false})
	s.CreateTarget(ctx, &models.Target{ID: "c", Active: true})

	all, err := s.ListTargets(ctx, false)
	if err != nil {
		t.Fatalf("ListTargets() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListTargets(false) returned %d, want 3", len(all))
	}

	active, _ := s.ListTargets(ctx, true)
	if len(active) != 2 {
		t.Errorf("ListTargets(true) returned %d, want 2", len(active))
	}
}

func TestRecordTestOutcome(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateTarget(ctx, &models.Target{ID: "t1"})
	if err := s.RecordTestOutcome(ctx, "t1", "success"); err != nil {
		t.Fatalf("RecordTestOutcome() error = %v", err)
	}

	got, _ := s.GetTarget(ctx, "t1")
	if got.LastTestOutcome != "success" {
		t.Errorf("LastTestOutcome = %q, want success", got.LastTestOutcome)
	}
	if got.LastTestAt == nil {
		t.Error("LastTestAt not stamped")
	}

	if err := s.RecordTestOutcome(ctx, "absent", "success"); err == nil {
		t.Error("RecordTestOutcome on missing target should fail")
	}
}
