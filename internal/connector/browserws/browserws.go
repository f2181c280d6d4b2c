// Package browserws implements the browser-mediated WebSocket connector:
// discovery finds the widget's WebSocket and credentials, a raw WebSocket
// connector replays them outside the browser, and a Socket.IO handler is
// layered on when classification calls for it. Token refresh notifications
// hot-swap the next-reconnect credentials without touching live traffic.
package browserws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"github.com/krawall/krawall/connector-runtime/internal/auth"
	"github.com/krawall/krawall/connector-runtime/internal/connector"
	"github.com/krawall/krawall/connector-runtime/internal/connector/wsconn"
	"github.com/krawall/krawall/connector-runtime/internal/socketio"
	"github.com/krawall/krawall/connector-runtime/internal/template"
	"github.com/krawall/krawall/connector-runtime/pkg/contracts"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultEventName      = "message"
	defaultSessionMaxAge  = 300 * time.Second
)

// Connector composes discovery, the inner raw WebSocket connector, and
// the optional Socket.IO handler.
type Connector struct {
	target *models.Target
	deps   connector.Deps
	gate   connector.ConnectGate

	mu         sync.Mutex
	inner      *wsconn.Connector
	handler    *socketio.Handler
	protocol   models.WireProtocol
	discovered *models.DiscoveryResult

	// waiters are one-shot listeners for the next accepted event.
	waitMu  sync.Mutex
	waiters []chan socketio.Event

	eventFilter *vm.Program
	subCancel   context.CancelFunc
}

// Factory builds a browser-WS connector for the registry.
func Factory(target *models.Target, deps connector.Deps) (contracts.Connector, error) {
	return New(target, deps)
}

// New validates the browser protocol config and compiles the optional
// event-filter predicate.
func New(target *models.Target, deps connector.Deps) (*Connector, error) {
	cfg := target.Protocol.GetBrowserWS()
	if cfg == nil || cfg.PageURL == "" {
		return nil, connector.Configf("browser-websocket target %s needs a protocol config with a page url", target.ID)
	}
	if target.RequestTemplate == nil {
		return nil, connector.Configf("browser-websocket target %s has no request template", target.ID)
	}
	if deps.Discovery == nil {
		return nil, connector.Configf("browser-websocket connector needs a discovery service")
	}

	c := &Connector{target: target, deps: deps}
	if cfg.EventFilter != "" {
		prog, err := expr.Compile(cfg.EventFilter, expr.AsBool())
		if err != nil {
			return nil, connector.Configf("event filter: %v", err)
		}
		c.eventFilter = prog
	}
	return c, nil
}

// Connect runs discovery, replays the captured credentials on an internal
// raw WebSocket connector, and starts the Socket.IO handler when the wire
// protocol calls for it.
func (c *Connector) Connect(ctx context.Context) error {
	return c.gate.Do(ctx, func() error { return c.establish(ctx, false) })
}

func (c *Connector) establish(ctx context.Context, forceFresh bool) error {
	cfg := c.target.Protocol.GetBrowserWS()

	result, err := c.deps.Discovery.Discover(ctx, c.target, forceFresh, nil)
	if err != nil {
		return err
	}

	innerTarget := c.buildInnerTarget(result, cfg)
	inner, err := wsconn.New(innerTarget)
	if err != nil {
		return err
	}
	if err := inner.Connect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.inner = inner
	c.discovered = result
	c.protocol = result.DetectedProtocol
	c.mu.Unlock()

	if result.DetectedProtocol == models.ProtocolSocketIO {
		// The handler owns every frame from here; the raw connector's
		// correlation listener must not see control frames.
		handler := socketio.NewHandler(inner, result.SocketIO, cfg.Namespace)
		handler.OnEvent(c.dispatchEvent)
		handler.OnError(func(err error) {
			log.Warn().Err(err).Str("target", c.target.ID).Msg("socket.io error")
		})
		if err := handler.Start(ctx); err != nil {
			inner.Disconnect(ctx)
			return err
		}
		c.mu.Lock()
		c.handler = handler
		c.mu.Unlock()
	}

	if cfg.RefreshEnabled && c.deps.Bus != nil {
		c.subscribeRefresh()
	}

	log.Info().Str("target", c.target.ID).
		Str("wss", result.WSSURL).Str("protocol", string(result.DetectedProtocol)).
		Msg("browser websocket connected")
	return nil
}

// buildInnerTarget assembles the raw-WS configuration: the discovered
// URL, custom headers replaying the captured upgrade plus a synthesized
// Cookie header, and reconnects disabled (rediscovery owns recovery).
func (c *Connector) buildInnerTarget(result *models.DiscoveryResult, cfg *models.BrowserWSProtocolConfig) *models.Target {
	return &models.Target{
		ID:               c.target.ID + ":inner",
		Name:             c.target.Name,
		Kind:             models.ConnectorWS,
		Endpoint:         result.WSSURL,
		AuthKind:         models.AuthCustomHeader,
		AuthConfig:       replayHeaders(result),
		RequestTemplate:  c.target.RequestTemplate,
		ResponseTemplate: c.target.ResponseTemplate,
		Protocol: &models.ProtocolConfig{
			WS: &models.WSProtocolConfig{
				NoReconnect:      true,
				RequestTimeoutMs: cfg.RequestTimeoutMs,
			},
		},
	}
}

// hopByHopHeaders are upgrade headers the browser recorded that must not
// be replayed; the WebSocket library generates its own.
var hopByHopHeaders = map[string]bool{
	"connection":               true,
	"upgrade":                  true,
	"host":                     true,
	"sec-websocket-key":        true,
	"sec-websocket-version":    true,
	"sec-websocket-extensions": true,
	"accept-encoding":          true,
	"content-length":           true,
}

func replayHeaders(result *models.DiscoveryResult) map[string]string {
	out := make(map[string]string, len(result.Headers)+1)
	for k, v := range result.Headers {
		if hopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		out[k] = v
	}
	if len(result.Cookies) > 0 {
		pairs := make([]string, 0, len(result.Cookies))
		for _, ck := range result.Cookies {
			pairs = append(pairs, ck.Name+"="+ck.Value)
		}
		out["Cookie"] = strings.Join(pairs, "; ")
	}
	return out
}

// subscribeRefresh listens for token-refreshed events for this target and
// stores the rebuilt credentials on the inner connector for its next
// reconnect. Active connections are never interrupted.
func (c *Connector) subscribeRefresh() {
	subCtx, cancel := context.WithCancel(context.Background())
	channel := c.deps.Namespace + ":token-refreshed"
	sub, err := c.deps.Bus.Subscribe(subCtx, channel)
	if err != nil {
		cancel()
		log.Warn().Err(err).Str("target", c.target.ID).Msg("refresh subscribe failed")
		return
	}
	c.mu.Lock()
	if c.subCancel != nil {
		c.subCancel()
	}
	c.subCancel = cancel
	c.mu.Unlock()

	go func() {
		defer sub.Close()
		for msg := range sub.C() {
			var event models.TokenRefreshedEvent
			if json.Unmarshal([]byte(msg.Payload), &event) != nil || event.TargetID != c.target.ID {
				continue
			}
			result, ok, err := c.deps.Discovery.Cached(subCtx, c.target.ID)
			if err != nil || !ok {
				log.Warn().Err(err).Str("target", c.target.ID).Msg("refreshed result not in cache")
				continue
			}
			c.mu.Lock()
			c.discovered = result
			inner := c.inner
			c.mu.Unlock()
			headers := replayHeaders(result)
			if inner != nil {
				inner.SwapAuth(headers)
			}
			log.Info().Str("target", c.target.ID).Str("triggered_by", event.TriggeredBy).
				Str("authorization", auth.Redact(headers["Authorization"])).
				Msg("credentials hot-swapped for next reconnect")
		}
	}()
}

func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	handler := c.handler
	inner := c.inner
	cancel := c.subCancel
	c.handler = nil
	c.inner = nil
	c.subCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if handler != nil {
		handler.Stop()
	}
	if inner != nil {
		inner.Disconnect(ctx)
	}
	c.failWaiters()
	c.gate.Reset()
	return nil
}

func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	inner := c.inner
	c.mu.Unlock()
	return inner != nil && inner.IsConnected()
}

func (c *Connector) SupportsStreaming() bool { return true }

// Send delegates to the raw connector, or in Socket.IO mode emits an
// event and resolves on the next accepted event frame.
func (c *Connector) Send(ctx context.Context, msg string, meta *models.SendMeta) (*models.SendResult, error) {
	c.mu.Lock()
	inner, handler, protocol := c.inner, c.handler, c.protocol
	c.mu.Unlock()

	if inner == nil || !inner.IsConnected() {
		return nil, &connector.NotConnectedError{Op: "send"}
	}
	if protocol != models.ProtocolSocketIO {
		return inner.Send(ctx, msg, meta)
	}

	cfg := c.target.Protocol.GetBrowserWS()
	timeout := defaultRequestTimeout
	if cfg.RequestTimeoutMs > 0 {
		timeout = time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	}
	var extraVars map[string]string
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

	eventName := cfg.EventName
	if eventName == "" {
		eventName = defaultEventName
	}

	waiter := make(chan socketio.Event, 1)
	c.waitMu.Lock()
	c.waiters = append(c.waiters, waiter)
	c.waitMu.Unlock()

	start := time.Now()
	if err := handler.Emit(ctx, eventName, body); err != nil {
		c.removeWaiter(waiter)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev, ok := <-waiter:
		if !ok {
			return nil, connector.ErrDisconnected
		}
		return c.projectEvent(ev, time.Since(start).Milliseconds())
	case <-timer.C:
		c.removeWaiter(waiter)
		return nil, &connector.TransportError{Op: "send", Err: context.DeadlineExceeded}
	case <-ctx.Done():
		c.removeWaiter(waiter)
		return nil, ctx.Err()
	}
}

// projectEvent applies the response template to the event payload. A bare
// string payload is the reply text itself.
func (c *Connector) projectEvent(ev socketio.Event, latencyMs int64) (*models.SendResult, error) {
	if s, ok := ev.Data.(string); ok {
		return &models.SendResult{Content: s, Raw: ev.Data, LatencyMs: latencyMs}, nil
	}
	content, err := template.ExtractResponse(ev.Data, c.target.ResponseTemplate)
	if err != nil {
		return nil, err
	}
	result := &models.SendResult{Content: content, Raw: ev.Data, LatencyMs: latencyMs}
	if usage, ok := template.ExtractTokens(ev.Data, c.target.ResponseTemplate); ok {
		result.Usage = usage
	}
	return result, nil
}

// dispatchEvent feeds accepted events to the oldest one-shot waiter.
func (c *Connector) dispatchEvent(ev socketio.Event) {
	if !c.acceptEvent(ev) {
		return
	}
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	if len(c.waiters) == 0 {
		return
	}
	w := c.waiters[0]
	c.waiters = c.waiters[1:]
	w <- ev
}

// acceptEvent runs the optional expr predicate over {event, data}.
func (c *Connector) acceptEvent(ev socketio.Event) bool {
	if c.eventFilter == nil {
		return true
	}
	out, err := vm.Run(c.eventFilter, map[string]interface{}{
		"event": ev.Name,
		"data":  ev.Data,
	})
	if err != nil {
		log.Debug().Err(err).Str("event", ev.Name).Msg("event filter error, rejecting")
		return false
	}
	accepted, _ := out.(bool)
	return accepted
}

func (c *Connector) removeWaiter(target chan socketio.Event) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	for i, w := range c.waiters {
		if w == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Connector) failWaiters() {
	c.waitMu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.waitMu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// HealthCheck inspects the socket in Socket.IO mode (the protocol's own
// heartbeat already monitors liveness) and pings in raw mode. An
// unhealthy connector whose discovery result has outlived the session
// max-age is rebuilt from scratch.
func (c *Connector) HealthCheck(ctx context.Context) (*models.HealthStatus, error) {
	c.mu.Lock()
	inner, protocol, discovered := c.inner, c.protocol, c.discovered
	c.mu.Unlock()

	if inner == nil {
		return nil, &connector.NotConnectedError{Op: "healthCheck"}
	}

	var status *models.HealthStatus
	if protocol == models.ProtocolSocketIO {
		status = &models.HealthStatus{Healthy: inner.IsConnected()}
		if !status.Healthy {
			status.Error = "socket closed"
		}
	} else {
		var err error
		status, err = inner.HealthCheck(ctx)
		if err != nil {
			var notConnected *connector.NotConnectedError
			if !errors.As(err, &notConnected) {
				return nil, err
			}
			// A dead inner socket is unhealthy, not an API misuse;
			// stale results below still get their rediscovery.
			status = &models.HealthStatus{Error: "socket closed"}
		}
	}

	if !status.Healthy && discovered != nil && c.resultExpired(discovered) {
		log.Info().Str("target", c.target.ID).Msg("stale discovery result, rediscovering")
		if err := c.rediscover(ctx); err != nil {
			status.Error = "rediscovery failed: " + err.Error()
			return status, nil
		}
		return &models.HealthStatus{Healthy: true}, nil
	}
	return status, nil
}

func (c *Connector) resultExpired(result *models.DiscoveryResult) bool {
	maxAge := defaultSessionMaxAge
	if cfg := c.target.Protocol.GetBrowserWS(); cfg != nil && cfg.SessionMaxAgeMs > 0 {
		maxAge = time.Duration(cfg.SessionMaxAgeMs) * time.Millisecond
	}
	return time.Since(result.DiscoveredAt) > maxAge
}

// rediscover tears the composition down and reconnects with forceFresh.
func (c *Connector) rediscover(ctx context.Context) error {
	c.mu.Lock()
	handler := c.handler
	inner := c.inner
	c.handler = nil
	c.inner = nil
	c.mu.Unlock()

	if handler != nil {
		handler.Stop()
	}
	if inner != nil {
		inner.Disconnect(ctx)
	}
	c.failWaiters()
	c.gate.Reset()

	return c.gate.Do(ctx, func() error { return c.establish(ctx, true) })
}
