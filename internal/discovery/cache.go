package discovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/krawall/krawall/connector-runtime/pkg/contracts"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

// Cache stores discovery results in the external key-value store under
// <namespace>:discovery:<targetId>, with the TTL the caller supplies.
type Cache struct {
	kv contracts.KV
	ns string
}

// NewCache wraps a KV client with the runtime's namespace prefix.
func NewCache(kv contracts.KV, namespace string) *Cache {
	return &Cache{kv: kv, ns: namespace}
}

func (c *Cache) key(targetID string) string {
	return c.ns + ":discovery:" + targetID
}

// Put serializes the result (discoveredAt travels as an ISO-8601 string)
// and writes it with the given TTL. A write failure is logged, not
// raised: a cold cache only costs one extra discovery.
func (c *Cache) Put(ctx context.Context, targetID string, res *models.DiscoveryResult, ttl time.Duration) {
	raw, err := json.Marshal(res)
	if err != nil {
		log.Warn().Err(err).Str("target", targetID).Msg("discovery result not serializable")
		return
	}
	if err := c.kv.Set(ctx, c.key(targetID), string(raw), ttl); err != nil {
		log.Warn().Err(err).Str("target", targetID).Msg("discovery cache write failed")
	}
}

// Get reads and restores the cached result, if present.
func (c *Cache) Get(ctx context.Context, targetID string) (*models.DiscoveryResult, bool, error) {
	raw, ok, err := c.kv.Get(ctx, c.key(targetID))
	if err != nil || !ok {
		return nil, false, err
	}
	var res models.DiscoveryResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		log.Warn().Err(err).Str("target", targetID).Msg("discovery cache entry corrupt, ignoring")
		return nil, false, nil
	}
	return &res, true, nil
}

// Delete evicts a target's entry.
func (c *Cache) Delete(ctx context.Context, targetID string) error {
	return c.kv.Delete(ctx, c.key(targetID))
}
