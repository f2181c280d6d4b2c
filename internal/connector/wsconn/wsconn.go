// Package wsconn implements the raw WebSocket connector: JSON text frames,
// a FIFO pending-request queue with strictly positional correlation, and
// bounded auto-reconnect with linear back-off.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/krawall/krawall/connector-runtime/internal/auth"
	"github.com/krawall/krawall/connector-runtime/internal/connector"
	"github.com/krawall/krawall/connector-runtime/internal/template"
	"github.com/krawall/krawall/connector-runtime/pkg/contracts"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

// errClosed rejects reuse of a deliberately closed connector.
var errClosed = errors.New("connector closed, create a new instance")

const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxReconnects  = 5
	reconnectBaseDelay    = 2 * time.Second
	defaultOpenTimeout    = 10 * time.Second
	healthTimeout         = 5 * time.Second
	writeTimeout          = 10 * time.Second
)

// State tracks the connection lifecycle:
// Idle → Connecting → Open → (Reconnecting → Open)* → Closed.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connector is a raw WebSocket connector.
type Connector struct {
	target *models.Target
	gate   connector.ConnectGate

	mu   sync.Mutex
	conn *websocket.Conn
	// epoch invalidates stale read pumps after a reconnect.
	epoch uint64

	state   atomic.Int32
	pending pendingQueue
	sendMu  sync.Mutex
	writeMu sync.Mutex

	// frameHandler, when set, receives every frame instead of the
	// positional correlation queue (used by the Socket.IO layer).
	frameHandler atomic.Value // func([]byte)

	pongCh chan struct{}

	// userClosed distinguishes Disconnect from transport failures.
	userClosed atomic.Bool

	// nextHeaders replaces the dial headers on the next (re)connect;
	// token hot-swap writes here without touching the live connection.
	nextMu      sync.Mutex
	nextHeaders http.Header

	noReconnect    bool
	maxReconnects  int
	reconnectBase  time.Duration
	requestTimeout time.Duration
	openTimeout    time.Duration
}

// Factory builds a raw WebSocket connector for the registry.
func Factory(target *models.Target, _ connector.Deps) (contracts.Connector, error) {
	return New(target)
}

// New validates the target and prepares a connector; no I/O happens
// until Connect.
func New(target *models.Target) (*Connector, error) {
	if target.Endpoint == "" {
		return nil, connector.Configf("websocket target %s has no endpoint", target.ID)
	}
	if target.RequestTemplate == nil {
		return nil, connector.Configf("websocket target %s has no request template", target.ID)
	}

	c := &Connector{
		target:         target,
		pongCh:         make(chan struct{}, 1),
		maxReconnects:  defaultMaxReconnects,
		reconnectBase:  reconnectBaseDelay,
		requestTimeout: defaultRequestTimeout,
		openTimeout:    defaultOpenTimeout,
	}
	if p := target.Protocol.GetWS(); p != nil {
		c.noReconnect = p.NoReconnect
		if p.MaxReconnects > 0 {
			c.maxReconnects = p.MaxReconnects
		}
		if p.ReconnectBaseMs > 0 {
			c.reconnectBase = time.Duration(p.ReconnectBaseMs) * time.Millisecond
		}
		if p.RequestTimeoutMs > 0 {
			c.requestTimeout = time.Duration(p.RequestTimeoutMs) * time.Millisecond
		}
	}
	return c, nil
}

// Connect dials the endpoint. Concurrent callers share one attempt.
// Closed is terminal: a disconnected connector is not reusable.
func (c *Connector) Connect(ctx context.Context) error {
	if c.userClosed.Load() {
		return &connector.TransportError{Op: "connect", Err: errClosed}
	}
	return c.gate.Do(ctx, func() error {
		c.setState(StateConnecting)
		if err := c.dial(ctx); err != nil {
			c.setState(StateIdle)
			return err
		}
		c.setState(StateOpen)
		return nil
	})
}

// dial opens the socket and starts the read pump.
func (c *Connector) dial(ctx context.Context) error {
	endpoint := c.target.Endpoint
	headers := c.dialHeaders()

	dialer := &websocket.Dialer{HandshakeTimeout: c.openTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, headers)
	if err == websocket.ErrBadHandshake && resp != nil && resp.StatusCode >= 400 {
		// Some servers reject custom upgrade headers; retry bearer and
		// api-key credentials as query parameters.
		if fallback := auth.QueryFallback(c.target.AuthKind, c.target.AuthConfig); len(fallback) > 0 {
			if u, perr := url.Parse(endpoint); perr == nil {
				q := u.Query()
				for k, vs := range fallback {
					for _, v := range vs {
						q.Set(k, v)
					}
				}
				u.RawQuery = q.Encode()
				conn, _, err = dialer.DialContext(ctx, u.String(), nil)
			}
		}
	}
	if err != nil {
		return &connector.TransportError{Op: "websocket dial", Err: err}
	}

	conn.SetPongHandler(func(string) error {
		select {
		case c.pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	go c.readPump(conn, epoch)
	return nil
}

// dialHeaders merges the target's auth headers with any hot-swapped set.
func (c *Connector) dialHeaders() http.Header {
	c.nextMu.Lock()
	if c.nextHeaders != nil {
		h := c.nextHeaders.Clone()
		c.nextMu.Unlock()
		return h
	}
	c.nextMu.Unlock()

	h := http.Header{}
	headers, err := auth.Headers(c.target.AuthKind, c.target.AuthConfig)
	if err != nil {
		log.Warn().Err(err).Str("target", c.target.ID).Msg("auth headers unavailable for dial")
		return h
	}
	for k, v := range headers {
		h.Set(k, v)
	}
	return h
}

// SwapAuth stores headers used on the next (re)connect. The live
// connection is never interrupted.
func (c *Connector) SwapAuth(headers map[string]string) {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	c.nextMu.Lock()
	c.nextHeaders = h
	c.nextMu.Unlock()
	log.Info().Str("target", c.target.ID).Int("headers", len(headers)).
		Msg("next-reconnect auth updated")
}

// CloseWithCode deliberately closes the socket with a specific close code
// (the Socket.IO heartbeat watchdog uses 4000). No reconnect follows.
func (c *Connector) CloseWithCode(code int, reason string) {
	c.userClosed.Store(true)
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		conn.Close()
	}
	c.pending.failAll(connector.ErrDisconnected)
	c.setState(StateClosed)
}

// Disconnect closes the socket and fails anything pending.
func (c *Connector) Disconnect(context.Context) error {
	c.userClosed.Store(true)
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	c.pending.failAll(connector.ErrDisconnected)
	c.setState(StateClosed)
	return nil
}

func (c *Connector) IsConnected() bool { return c.State() == StateOpen }

// State returns the current lifecycle state.
func (c *Connector) State() State { return State(c.state.Load()) }

func (c *Connector) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		log.Debug().Str("target", c.target.ID).
			Str("from", old.String()).Str("to", s.String()).
			Msg("websocket state change")
	}
}

func (c *Connector) SupportsStreaming() bool { return true }

// Send serializes the templated payload as one JSON text frame and waits
// for the positionally-correlated response frame.
func (c *Connector) Send(ctx context.Context, msg string, meta *models.SendMeta) (*models.SendResult, error) {
	if c.State() != StateOpen {
		return nil, &connector.NotConnectedError{Op: "send"}
	}

	var extraVars map[string]string
	timeout := c.requestTimeout
	if meta != nil {
		extraVars = meta.Variables
		if meta.TimeoutMs > 0 {
			timeout = time.Duration(meta.TimeoutMs) * time.Millisecond
		}
	}

	body, err := template.BuildRequest(msg, c.target.RequestTemplate, extraVars)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, connector.Configf("marshal frame: %v", err)
	}

	// Enqueue and write under one lock so concurrent sends keep queue
	// position and wire order identical.
	req := newPending(msg)
	start := time.Now()
	c.sendMu.Lock()
	c.pending.push(req)
	err = c.WriteRaw(ctx, payload)
	c.sendMu.Unlock()
	if err != nil {
		c.pending.remove(req)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-req.done:
		if res.err != nil {
			return nil, res.err
		}
		latency := time.Since(start).Milliseconds()
		return c.project(res.raw, latency)
	case <-timer.C:
		c.pending.remove(req)
		return nil, &connector.TransportError{Op: "send", Err: fmt.Errorf("no response within %s", timeout)}
	case <-ctx.Done():
		c.pending.remove(req)
		return nil, ctx.Err()
	}
}

// project applies the response template to a correlated frame.
func (c *Connector) project(raw interface{}, latencyMs int64) (*models.SendResult, error) {
	content, err := template.ExtractResponse(raw, c.target.ResponseTemplate)
	if err != nil {
		return nil, err
	}
	result := &models.SendResult{Content: content, Raw: raw, LatencyMs: latencyMs}
	if usage, ok := template.ExtractTokens(raw, c.target.ResponseTemplate); ok {
		result.Usage = usage
	}
	return result, nil
}

// WriteRaw writes one text frame. Writes are serialized.
func (c *Connector) WriteRaw(_ context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &connector.NotConnectedError{Op: "write"}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &connector.TransportError{Op: "websocket write", Err: err}
	}
	return nil
}

// SetFrameHandler diverts every received frame to fn, bypassing the
// correlation queue. Used when a protocol layer (Socket.IO) owns framing.
func (c *Connector) SetFrameHandler(fn func([]byte)) {
	c.frameHandler.Store(fn)
}

// ClearFrameHandler restores default positional correlation.
func (c *Connector) ClearFrameHandler() {
	c.frameHandler.Store((func([]byte))(nil))
}

// readPump consumes frames until the connection dies, then coordinates
// reconnection. epoch guards against a stale pump outliving a reconnect.
func (c *Connector) readPump(conn *websocket.Conn, epoch uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, epoch, err)
			return
		}

		if fn, ok := c.frameHandler.Load().(func([]byte)); ok && fn != nil {
			fn(data)
			continue
		}

		var raw interface{}
		if jsonErr := json.Unmarshal(data, &raw); jsonErr != nil {
			// Unparseable frames with nothing pending are protocol noise.
			if c.pending.len() == 0 {
				continue
			}
			log.Warn().Str("target", c.target.ID).
				Str("frame", truncate(string(data), 64)).
				Msg("dropping unparseable frame with requests pending")
			continue
		}

		if req := c.pending.pop(); req != nil {
			req.complete(raw, nil)
		}
	}
}

func (c *Connector) handleDisconnect(conn *websocket.Conn, epoch uint64, cause error) {
	conn.Close()

	c.mu.Lock()
	if c.epoch != epoch {
		// A newer connection took over; nothing to do.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	c.pending.failAll(connector.ErrDisconnected)

	if c.userClosed.Load() {
		c.setState(StateClosed)
		return
	}

	log.Warn().Err(cause).Str("target", c.target.ID).Msg("websocket closed unexpectedly")
	if c.noReconnect {
		c.setState(StateClosed)
		return
	}
	go c.reconnect()
}

// reconnect retries up to maxReconnects with linear back-off
// (base delay × attempt number), then gives up and stays closed.
func (c *Connector) reconnect() {
	c.setState(StateReconnecting)
	for attempt := 1; attempt <= c.maxReconnects; attempt++ {
		time.Sleep(c.reconnectBase * time.Duration(attempt))
		if c.userClosed.Load() {
			c.setState(StateClosed)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.openTimeout)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			c.setState(StateOpen)
			log.Info().Str("target", c.target.ID).Int("attempt", attempt).Msg("websocket reconnected")
			return
		}
		log.Warn().Err(err).Str("target", c.target.ID).
			Int("attempt", attempt).Int("max", c.maxReconnects).
			Msg("websocket reconnect failed")
	}
	c.setState(StateClosed)
}

// HealthCheck sends a WebSocket ping and waits for the pong.
func (c *Connector) HealthCheck(ctx context.Context) (*models.HealthStatus, error) {
	if c.State() != StateOpen {
		return nil, &connector.NotConnectedError{Op: "healthCheck"}
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, &connector.NotConnectedError{Op: "healthCheck"}
	}

	// Drain any stale pong.
	select {
	case <-c.pongCh:
	default:
	}

	start := time.Now()
	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(healthTimeout)); err != nil {
		return &models.HealthStatus{Error: err.Error()}, nil
	}

	timer := time.NewTimer(healthTimeout)
	defer timer.Stop()
	select {
	case <-c.pongCh:
		return &models.HealthStatus{Healthy: true, LatencyMs: time.Since(start).Milliseconds()}, nil
	case <-timer.C:
		return &models.HealthStatus{LatencyMs: time.Since(start).Milliseconds(), Error: "pong timeout"}, nil
	case <-ctx.Done():
		return &models.HealthStatus{Error: ctx.Err().Error()}, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
