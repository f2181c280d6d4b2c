package store

import (
	"context"
	"sync"
	"time"

	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

// MemoryStore is the in-memory TargetStore used by tests and zero-config runs.
type MemoryStore struct {
	mu      sync.RWMutex
	targets map[string]models.Target
}

// NewMemoryStore creates an empty in-memory target store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{targets: make(map[string]models.Target)}
}

func (s *MemoryStore) GetTarget(_ context.Context, id string) (*models.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "target", Key: id}
	}
	cp := t
	return &cp, nil
}

func (s *MemoryStore) ListTargets(_ context.Context, activeOnly bool) ([]models.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Target, 0, len(s.targets))
	for _, t := range s.targets {
		if activeOnly && !t.Active {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// CreateTarget upserts: a second create with the same id overwrites.
func (s *MemoryStore) CreateTarget(_ context.Context, target *models.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if target.CreatedAt.IsZero() {
		target.CreatedAt = time.Now().UTC()
	}
	target.UpdatedAt = time.Now().UTC()
	s.targets[target.ID] = *target
	return nil
}

func (s *MemoryStore) RecordTestOutcome(_ context.Context, id, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return &ErrNotFound{Entity: "target", Key: id}
	}
	now := time.Now().UTC()
	t.LastTestAt = &now
	t.LastTestOutcome = outcome
	t.UpdatedAt = now
	s.targets[id] = t
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
