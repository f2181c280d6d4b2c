package socketio

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/krawall/krawall/connector-runtime/internal/connector"
	"github.com/krawall/krawall/connector-runtime/internal/connector/wsconn"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

// heartbeatCloseCode is sent when the safety timer expires without any
// ping or pong from the server.
const heartbeatCloseCode = 4000

// Event is one decoded Socket.IO event.
type Event struct {
	Name string
	Data interface{}
}

// Handler speaks Engine.IO/Socket.IO on top of an open raw WebSocket
// connector. While the handler is active it owns every frame: the
// connector's generic correlation listener is replaced so control frames
// never hit the JSON decoder.
type Handler struct {
	ws        *wsconn.Connector
	namespace string

	mu  sync.Mutex
	cfg models.SocketIOConfig

	onEvent func(Event)
	onError func(error)

	watchdog *time.Timer
	started  bool
}

// NewHandler wraps an open connector. cfg may come from discovery; nil
// falls back to protocol defaults until a handshake arrives.
func NewHandler(ws *wsconn.Connector, cfg *models.SocketIOConfig, namespace string) *Handler {
	h := &Handler{ws: ws, namespace: normalizeNamespace(namespace)}
	if cfg != nil {
		h.cfg = *cfg
	} else {
		h.cfg = *DefaultConfig()
	}
	return h
}

func normalizeNamespace(ns string) string {
	if ns == "" || ns == "/" {
		return ""
	}
	return "/" + strings.TrimPrefix(ns, "/")
}

// OnEvent registers the decoded-event callback. Must be set before Start.
func (h *Handler) OnEvent(fn func(Event)) { h.onEvent = fn }

// OnError registers the error callback for "44" frames and protocol errors.
func (h *Handler) OnError(fn func(error)) { h.onError = fn }

// Start takes over the connector's frames, sends the namespace connect
// packet, and arms the heartbeat safety timer.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.mu.Unlock()

	h.ws.SetFrameHandler(h.handleFrame)

	connect := "40"
	if h.namespace != "" {
		connect = "40" + h.namespace + ","
	}
	if err := h.ws.WriteRaw(ctx, []byte(connect)); err != nil {
		return err
	}
	h.resetWatchdog()
	return nil
}

// Stop disarms the watchdog and returns frame ownership to the connector.
func (h *Handler) Stop() {
	h.mu.Lock()
	h.started = false
	if h.watchdog != nil {
		h.watchdog.Stop()
		h.watchdog = nil
	}
	h.mu.Unlock()
	h.ws.ClearFrameHandler()
}

// Emit encodes and writes one Socket.IO event.
func (h *Handler) Emit(ctx context.Context, event string, payload interface{}) error {
	frame, err := EncodeMessage(h.namespace, event, payload)
	if err != nil {
		return err
	}
	return h.ws.WriteRaw(ctx, []byte(frame))
}

// Config returns the current Engine.IO parameters (updated by handshakes).
func (h *Handler) Config() models.SocketIOConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

// resetWatchdog (re)arms the single safety timer to
// pingInterval + pingTimeout; expiry closes the socket with code 4000.
func (h *Handler) resetWatchdog() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return
	}
	budget := time.Duration(h.cfg.PingIntervalMs+h.cfg.PingTimeoutMs) * time.Millisecond
	if h.watchdog == nil {
		h.watchdog = time.AfterFunc(budget, h.heartbeatExpired)
		return
	}
	h.watchdog.Reset(budget)
}

func (h *Handler) heartbeatExpired() {
	log.Warn().Msg("socket.io heartbeat expired, closing socket")
	h.ws.CloseWithCode(heartbeatCloseCode, "heartbeat timeout")
	if h.onError != nil {
		h.onError(&connector.ProtocolError{Reason: "heartbeat timeout"})
	}
}

// handleFrame dispatches one Engine.IO frame.
func (h *Handler) handleFrame(data []byte) {
	frame := string(data)
	if frame == "" {
		return
	}

	switch frame[0] {
	case '0': // open handshake
		if cfg, ok := ParseHandshake(frame); ok {
			h.mu.Lock()
			h.cfg = *cfg
			h.mu.Unlock()
			h.resetWatchdog()
		}

	case '2': // ping → pong, echoing any probe payload
		if err := h.ws.WriteRaw(context.Background(), []byte("3"+frame[1:])); err != nil {
			log.Warn().Err(err).Msg("pong write failed")
		}
		h.resetWatchdog()

	case '3': // pong
		h.resetWatchdog()

	case '1': // engine.io close
		h.ws.CloseWithCode(1000, "server close")

	case '5', '6': // upgrade, noop

	case '4': // socket.io packet
		h.handleSocketIOPacket(frame)

	default:
		h.surfaceError(&connector.ProtocolError{Frame: frame, Reason: "unknown engine.io packet type"})
	}
}

func (h *Handler) handleSocketIOPacket(frame string) {
	if len(frame) < 2 {
		h.surfaceError(&connector.ProtocolError{Frame: frame, Reason: "truncated socket.io packet"})
		return
	}
	switch frame[1] {
	case '0': // connect ack
		log.Debug().Str("namespace", h.namespace).Msg("socket.io namespace connected")

	case '1': // disconnect
		h.ws.CloseWithCode(1000, "namespace disconnect")

	case '2': // event
		ev, err := DecodeMessage(frame)
		if err != nil {
			h.surfaceError(err)
			return
		}
		if h.onEvent != nil {
			h.onEvent(ev)
		}

	case '3': // ack; emits here never use ack ids

	case '4': // connect error
		h.surfaceError(decodeConnectError(frame))

	default:
		h.surfaceError(&connector.ProtocolError{Frame: frame, Reason: "unknown socket.io packet type"})
	}
}

func (h *Handler) surfaceError(err error) {
	if h.onError != nil {
		h.onError(err)
		return
	}
	log.Warn().Err(err).Msg("socket.io protocol error")
}

func decodeConnectError(frame string) error {
	payload := frame[2:]
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(payload), &body) == nil && body.Message != "" {
		return &connector.ProtocolError{Frame: frame, Reason: "connect error: " + body.Message}
	}
	return &connector.ProtocolError{Frame: frame, Reason: "connect error"}
}

// ── Encode / decode ──────────────────────────────────────────

// EncodeMessage renders an event frame: "42" + optional "/ns," +
// JSON [eventName, payload].
func EncodeMessage(namespace, event string, payload interface{}) (string, error) {
	arr, err := json.Marshal([]interface{}{event, payload})
	if err != nil {
		return "", fmt.Errorf("encode event %q: %w", event, err)
	}
	ns := normalizeNamespace(namespace)
	if ns != "" {
		return "42" + ns + "," + string(arr), nil
	}
	return "42" + string(arr), nil
}

// DecodeMessage parses an event frame: strips "42", an optional "/ns,"
// namespace prefix and an optional decimal ack id, then reads the JSON
// array as {eventName, data}.
func DecodeMessage(frame string) (Event, error) {
	if !strings.HasPrefix(frame, "42") {
		return Event{}, &connector.ProtocolError{Frame: frame, Reason: "not an event frame"}
	}
	rest := frame[2:]

	if strings.HasPrefix(rest, "/") {
		comma := strings.Index(rest, ",")
		if comma < 0 {
			return Event{}, &connector.ProtocolError{Frame: frame, Reason: "unterminated namespace"}
		}
		rest = rest[comma+1:]
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	rest = rest[i:]

	var arr []interface{}
	if err := json.Unmarshal([]byte(rest), &arr); err != nil || len(arr) == 0 {
		return Event{}, &connector.ProtocolError{Frame: frame, Reason: "malformed event payload"}
	}
	name, ok := arr[0].(string)
	if !ok {
		return Event{}, &connector.ProtocolError{Frame: frame, Reason: "event name is not a string"}
	}
	ev := Event{Name: name}
	if len(arr) > 1 {
		ev.Data = arr[1]
	}
	return ev, nil
}
