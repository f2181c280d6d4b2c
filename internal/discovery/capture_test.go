package discovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krawall/krawall/connector-runtime/internal/discovery"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

func seedSocket(c *discovery.Capture, id, url string, frames int) {
	c.OnCreated(id, url)
	c.OnHandshake(id, map[string]string{"Origin": "https://example.com"})
	for i := 0; i < frames; i++ {
		c.OnFrame(id, models.FrameReceived, "frame")
	}
}

// URL filter: analytics noise is skipped, the socket.io upgrade wins.
func TestWaitForWebSocketURLFilter(t *testing.T) {
	c := discovery.NewCapture()
	seedSocket(c, "r1", "wss://cdn/analytics", 5)
	seedSocket(c, "r2", "wss://api/socket.io/?EIO=4&transport=websocket", 3)

	ws, err := c.WaitForWebSocket(context.Background(), `socket\.io`, 0, 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "wss://api/socket.io/?EIO=4&transport=websocket", ws.URL)
}

func TestWaitForWebSocketIndex(t *testing.T) {
	c := discovery.NewCapture()
	seedSocket(c, "r1", "wss://api/chat/a", 4)
	seedSocket(c, "r2", "wss://api/chat/b", 4)

	ws, err := c.WaitForWebSocket(context.Background(), "chat", 1, 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "wss://api/chat/b", ws.URL)
}

// The minimum frame count holds the wait until the handshake is observed.
func TestWaitForWebSocketMinFrames(t *testing.T) {
	c := discovery.NewCapture()
	seedSocket(c, "r1", "wss://api/chat", 1)

	go func() {
		time.Sleep(150 * time.Millisecond)
		c.OnFrame("r1", models.FrameReceived, "late handshake frame")
	}()

	start := time.Now()
	ws, err := c.WaitForWebSocket(context.Background(), "", 0, 2, 2*time.Second)
	require.NoError(t, err)
	assert.Len(t, ws.Frames, 2)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitForWebSocketTimeout(t *testing.T) {
	c := discovery.NewCapture()
	_, err := c.WaitForWebSocket(context.Background(), "never", 0, 2, 300*time.Millisecond)
	require.Error(t, err)
}

func TestWaitForWebSocketBadPattern(t *testing.T) {
	c := discovery.NewCapture()
	_, err := c.WaitForWebSocket(context.Background(), "(", 0, 2, time.Second)
	require.Error(t, err)
}

// Headers arriving before creation still land on the socket.
func TestHandshakeBeforeCreation(t *testing.T) {
	c := discovery.NewCapture()
	c.OnHandshake("r1", map[string]string{"Cookie": "sid=1"})
	c.OnCreated("r1", "wss://api/chat")
	c.OnFrame("r1", models.FrameReceived, "0{\"sid\":\"x\"}")
	c.OnFrame(`r1`, models.FrameReceived, "40")

	ws, err := c.WaitForWebSocket(context.Background(), "", 0, 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "sid=1", ws.UpgradeHeaders["Cookie"])
}

func TestSnapshotPreservesOrder(t *testing.T) {
	c := discovery.NewCapture()
	seedSocket(c, "a", "wss://one", 1)
	seedSocket(c, "b", "wss://two", 1)

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "wss://one", snap[0].URL)
	assert.Equal(t, "wss://two", snap[1].URL)
}
