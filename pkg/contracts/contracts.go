// Package contracts defines the service interfaces of the connector runtime.
//
// These interfaces form the boundary between the runtime and its external
// collaborators: the persistence layer that owns target configuration, the
// key-value store that holds discovery results and refresh state, and the
// job scheduler contract. Concrete implementations live under internal/;
// embedding hosts can swap any of them without touching runtime code.
package contracts

import (
	"context"
	"time"

	"github.com/krawall/krawall/connector-runtime/internal/store"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

// TargetStore is a type alias for the internal target store interface.
// Exposed in pkg/ so embedding hosts can provide their own persistence
// without importing internal/ directly.
type TargetStore = store.TargetStore

// ErrNotFound is a type alias for the internal not-found error.
type ErrNotFound = store.ErrNotFound

// ── Connector ────────────────────────────────────────────────

// Connector is the common operation set every protocol implementation
// exposes. Send and HealthCheck fail with NotConnectedError before a
// successful Connect; Connect is idempotent and concurrent callers share
// the same in-flight attempt.
type Connector interface {
	// Connect establishes the connection (or validates config for
	// connectionless protocols).
	Connect(ctx context.Context) error

	// Disconnect releases the connection and all background resources.
	Disconnect(ctx context.Context) error

	// IsConnected reports whether a Connect has succeeded and the
	// connection is still usable.
	IsConnected() bool

	// Send delivers one templated message and returns the extracted reply.
	Send(ctx context.Context, msg string, meta *models.SendMeta) (*models.SendResult, error)

	// SupportsStreaming reports whether the connector consumes streamed
	// responses.
	SupportsStreaming() bool

	// HealthCheck probes the endpoint within a 5 second budget.
	HealthCheck(ctx context.Context) (*models.HealthStatus, error)
}

// ── Key-value store ──────────────────────────────────────────

// KV is the external key-value store contract. Keys are already
// namespace-prefixed by callers. A zero TTL means no expiry.
type KV interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes a value with an optional TTL (rounded up to whole seconds).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the client.
	Close() error
}

// BusMessage is one message received on a pub/sub channel.
type BusMessage struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription. The channel is closed when
// the subscription is closed or the context that created it ends.
type Subscription interface {
	C() <-chan BusMessage
	Close() error
}

// Bus is the pub/sub contract used for token-refreshed notifications.
// Each Subscribe call gets an independent message stream.
type Bus interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// ── Discovery ────────────────────────────────────────────────

// ProgressFunc receives discovery progress events in stage order.
type ProgressFunc func(models.ProgressEvent)

// DiscoveryService runs the browser pipeline for a target. Implementations
// cache results; ForceFresh bypasses and replaces the cached entry.
type DiscoveryService interface {
	// Discover returns a cached result when one is fresh enough, otherwise
	// runs the browser pipeline. onProgress may be nil.
	Discover(ctx context.Context, target *models.Target, forceFresh bool, onProgress ProgressFunc) (*models.DiscoveryResult, error)

	// Cached returns the cached result for a target id, if any.
	Cached(ctx context.Context, targetID string) (*models.DiscoveryResult, bool, error)
}

// ── Refresh scheduler ────────────────────────────────────────

// RefreshScheduler is the contract of the token refresh job scheduler.
type RefreshScheduler interface {
	// Schedule enqueues a repeatable refresh job for the target.
	Schedule(ctx context.Context, target *models.Target) error

	// Cancel removes the repeatable job and clears status.
	Cancel(ctx context.Context, targetID string) error

	// ForceRefresh enqueues a one-off refresh job.
	ForceRefresh(ctx context.Context, targetID string) error

	// IsScheduled inspects the repeatable set.
	IsScheduled(targetID string) bool

	// Status returns the persisted refresh status for a target.
	Status(ctx context.Context, targetID string) (*models.RefreshStatus, error)
}
