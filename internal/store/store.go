// Package store provides target configuration persistence for the connector
// runtime. The runtime only reads targets and writes back test outcomes;
// full CRUD belongs to the dashboard API, which shares the same tables.
package store

import (
	"context"

	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

// TargetStore is the persistence contract the runtime depends on.
// All connector code uses this interface, making it easy to swap between
// in-memory (tests, zero-config) and PostgreSQL (production).
type TargetStore interface {
	GetTarget(ctx context.Context, id string) (*models.Target, error)
	ListTargets(ctx context.Context, activeOnly bool) ([]models.Target, error)
	CreateTarget(ctx context.Context, target *models.Target) error

	// RecordTestOutcome updates the target's last-test timestamp/outcome.
	RecordTestOutcome(ctx context.Context, id, outcome string) error

	// Ping checks the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
