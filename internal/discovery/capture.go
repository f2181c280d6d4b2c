package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

// Capture tracks every WebSocket a page opens: creation order, upgrade
// headers (backfilled when the handshake event arrives after creation),
// and sent/received frames.
type Capture struct {
	mu      sync.Mutex
	sockets map[string]*models.CapturedWebSocket // by DevTools requestId
	order   []string
}

// NewCapture creates an empty capture state.
func NewCapture() *Capture {
	return &Capture{sockets: make(map[string]*models.CapturedWebSocket)}
}

// attach registers the DevTools listeners. Must be called before
// navigation so the widget's first socket cannot slip past.
func (c *Capture) attach(client *cdpClient, sessionID string) {
	client.On("Network.webSocketCreated", func(sid string, params json.RawMessage) {
		if sid != sessionID {
			return
		}
		var ev struct {
			RequestID string `json:"requestId"`
			URL       string `json:"url"`
		}
		if json.Unmarshal(params, &ev) == nil {
			c.OnCreated(ev.RequestID, ev.URL)
		}
	})

	client.On("Network.webSocketWillSendHandshakeRequest", func(sid string, params json.RawMessage) {
		if sid != sessionID {
			return
		}
		var ev struct {
			RequestID string `json:"requestId"`
			Request   struct {
				Headers map[string]string `json:"headers"`
			} `json:"request"`
		}
		if json.Unmarshal(params, &ev) == nil {
			c.OnHandshake(ev.RequestID, ev.Request.Headers)
		}
	})

	frameEvent := func(direction models.FrameDirection) eventHandler {
		return func(sid string, params json.RawMessage) {
			if sid != sessionID {
				return
			}
			var ev struct {
				RequestID string `json:"requestId"`
				Response  struct {
					PayloadData string `json:"payloadData"`
				} `json:"response"`
			}
			if json.Unmarshal(params, &ev) == nil {
				c.OnFrame(ev.RequestID, direction, ev.Response.PayloadData)
			}
		}
	}
	client.On("Network.webSocketFrameSent", frameEvent(models.FrameSent))
	client.On("Network.webSocketFrameReceived", frameEvent(models.FrameReceived))
}

// OnCreated records a new socket.
func (c *Capture) OnCreated(requestID, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sockets[requestID]; ok {
		return
	}
	c.sockets[requestID] = &models.CapturedWebSocket{
		URL:            url,
		UpgradeHeaders: map[string]string{},
		CreatedAt:      time.Now().UTC(),
	}
	c.order = append(c.order, requestID)
}

// OnHandshake backfills the upgrade request headers; the handshake event
// can arrive after creation.
func (c *Capture) OnHandshake(requestID string, headers map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws, ok := c.sockets[requestID]
	if !ok {
		// Handshake seen before creation; register the socket without a URL.
		ws = &models.CapturedWebSocket{UpgradeHeaders: map[string]string{}, CreatedAt: time.Now().UTC()}
		c.sockets[requestID] = ws
		c.order = append(c.order, requestID)
	}
	for k, v := range headers {
		ws.UpgradeHeaders[k] = v
	}
}

// OnFrame appends one frame to its socket.
func (c *Capture) OnFrame(requestID string, direction models.FrameDirection, data string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws, ok := c.sockets[requestID]
	if !ok {
		return
	}
	ws.Frames = append(ws.Frames, models.CapturedFrame{
		Direction: direction,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// Count returns how many sockets have been captured.
func (c *Capture) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sockets)
}

// Snapshot returns captured sockets in creation order.
func (c *Capture) Snapshot() []*models.CapturedWebSocket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.CapturedWebSocket, 0, len(c.order))
	for _, id := range c.order {
		cp := *c.sockets[id]
		cp.Frames = append([]models.CapturedFrame(nil), c.sockets[id].Frames...)
		out = append(out, &cp)
	}
	return out
}

// WaitForWebSocket polls on a 100ms tick for a socket whose URL matches
// the optional pattern, picking the index-th match, and requiring at
// least minFrames frames so the handshake has been observed.
func (c *Capture) WaitForWebSocket(ctx context.Context, urlPattern string, index, minFrames int, timeout time.Duration) (*models.CapturedWebSocket, error) {
	var matcher *regexp.Regexp
	if urlPattern != "" {
		var err error
		matcher, err = regexp.Compile(urlPattern)
		if err != nil {
			return nil, fmt.Errorf("url pattern %q: %w", urlPattern, err)
		}
	}
	if minFrames <= 0 {
		minFrames = 2
	}

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(timeout)

	for {
		if ws := c.match(matcher, index, minFrames); ws != nil {
			return ws, nil
		}
		select {
		case <-tick.C:
		case <-deadline:
			return nil, fmt.Errorf("no websocket matching %q with %d+ frames within %s",
				urlPattern, minFrames, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Capture) match(matcher *regexp.Regexp, index, minFrames int) *models.CapturedWebSocket {
	c.mu.Lock()
	defer c.mu.Unlock()
	matchNo := 0
	for _, id := range c.order {
		ws := c.sockets[id]
		if matcher != nil && !matcher.MatchString(ws.URL) {
			continue
		}
		if matchNo != index {
			matchNo++
			continue
		}
		if len(ws.Frames) < minFrames {
			return nil // right socket, handshake not yet observed
		}
		cp := *ws
		cp.Frames = append([]models.CapturedFrame(nil), ws.Frames...)
		return &cp
	}
	return nil
}
