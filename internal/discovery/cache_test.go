package discovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krawall/krawall/connector-runtime/internal/discovery"
	"github.com/krawall/krawall/connector-runtime/internal/kv"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

func sampleResult() *models.DiscoveryResult {
	return &models.DiscoveryResult{
		WSSURL: "wss://api/socket.io/?EIO=4",
		Cookies: []models.Cookie{
			{Name: "sid", Value: "abc", Domain: "example.com"},
		},
		Headers:          map[string]string{"Origin": "https://example.com"},
		LocalStorage:     map[string]string{"jwt": "token"},
		DetectedProtocol: models.ProtocolSocketIO,
		SocketIO:         &models.SocketIOConfig{SID: "s1", PingIntervalMs: 25000, PingTimeoutMs: 20000, EngineIOVersion: 4},
		DiscoveredAt:     time.Now().UTC().Truncate(time.Second),
	}
}

func TestCacheRoundTrip(t *testing.T) {
	c := discovery.NewCache(kv.NewMemory(), "krawall")
	ctx := context.Background()

	want := sampleResult()
	c.Put(ctx, "t1", want, time.Minute)

	got, ok, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.WSSURL, got.WSSURL)
	assert.Equal(t, want.Cookies, got.Cookies)
	assert.Equal(t, want.SocketIO, got.SocketIO)
	assert.True(t, want.DiscoveredAt.Equal(got.DiscoveredAt), "discoveredAt must survive serialization")
}

func TestCacheTTLExpiry(t *testing.T) {
	c := discovery.NewCache(kv.NewMemory(), "krawall")
	ctx := context.Background()

	c.Put(ctx, "t1", sampleResult(), 60*time.Millisecond)

	if _, ok, _ := c.Get(ctx, "t1"); !ok {
		t.Fatal("entry should be readable before the TTL elapses")
	}
	time.Sleep(100 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "t1"); ok {
		t.Error("entry should expire after the TTL")
	}
}

func TestCacheMiss(t *testing.T) {
	c := discovery.NewCache(kv.NewMemory(), "krawall")
	_, ok, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheKeysAreNamespaced(t *testing.T) {
	store := kv.NewMemory()
	c := discovery.NewCache(store, "krawall")
	ctx := context.Background()

	c.Put(ctx, "t1", sampleResult(), time.Minute)

	_, ok, err := store.Get(ctx, "krawall:discovery:t1")
	require.NoError(t, err)
	assert.True(t, ok, "cache key must be <namespace>:discovery:<targetId>")
}
