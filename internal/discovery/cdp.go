// Package discovery drives a headless chromium-class browser over the
// DevTools protocol to locate a chat widget, capture its WebSocket upgrade
// and early frames, and extract the credentials needed to replay the
// connection outside the browser.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// cdpMessage is one JSON-RPC message on the DevTools wire. Messages with
// an id are call responses; messages with a method are events.
type cdpMessage struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *cdpError) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

type eventHandler func(sessionID string, params json.RawMessage)

// cdpClient multiplexes calls and events over the browser's WebSocket.
// Responses are correlated by id; events fan out to method subscribers.
type cdpClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	idSeq   atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan *cdpMessage
	handlers map[string][]eventHandler

	done      chan struct{}
	closeOnce sync.Once
}

func dialCDP(ctx context.Context, wsURL string) (*cdpClient, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		// DevTools frames can be large (full response bodies).
		ReadBufferSize:  1 << 20,
		WriteBufferSize: 1 << 20,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial devtools %s: %w", wsURL, err)
	}
	c := &cdpClient{
		conn:     conn,
		pending:  make(map[int64]chan *cdpMessage),
		handlers: make(map[string][]eventHandler),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call issues one DevTools command, optionally scoped to a page session,
// and decodes the result into out (which may be nil).
func (c *cdpClient) Call(ctx context.Context, sessionID, method string, params, out interface{}) error {
	id := c.idSeq.Add(1)
	msg := cdpMessage{ID: id, Method: method, SessionID: sessionID}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		msg.Params = raw
	}

	ch := make(chan *cdpMessage, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, out)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("devtools connection closed during %s", method)
	}
}

// On subscribes fn to a DevTools event method.
func (c *cdpClient) On(method string, fn eventHandler) {
	c.mu.Lock()
	c.handlers[method] = append(c.handlers[method], fn)
	c.mu.Unlock()
}

func (c *cdpClient) readLoop() {
	defer c.Close()
	for {
		var msg cdpMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.ID != 0 {
			c.mu.Lock()
			ch := c.pending[msg.ID]
			c.mu.Unlock()
			if ch != nil {
				m := msg
				ch <- &m
			}
			continue
		}
		if msg.Method == "" {
			continue
		}
		c.mu.Lock()
		handlers := append([]eventHandler(nil), c.handlers[msg.Method]...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(msg.SessionID, msg.Params)
		}
	}
}

func (c *cdpClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		log.Debug().Msg("devtools connection closed")
	})
}

// Alive reports whether the read loop is still running.
func (c *cdpClient) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}
