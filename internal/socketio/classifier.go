// Package socketio layers the Engine.IO/Socket.IO text protocols over the
// raw WebSocket connector: classification of captured traffic, framing,
// heartbeats, namespace connect, and event encode/decode.
package socketio

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

const (
	defaultPingIntervalMs = 25000
	defaultPingTimeoutMs  = 20000
	defaultEngineIO       = 4
)

// ParseHandshake parses an Engine.IO OPEN frame ("0{...}"). The second
// return is false for any non-OPEN frame or a handshake without a sid.
func ParseHandshake(frame string) (*models.SocketIOConfig, bool) {
	if !strings.HasPrefix(frame, "0{") {
		return nil, false
	}
	var payload struct {
		SID          string `json:"sid"`
		PingInterval int64  `json:"pingInterval"`
		PingTimeout  int64  `json:"pingTimeout"`
	}
	if err := json.Unmarshal([]byte(frame[1:]), &payload); err != nil || payload.SID == "" {
		return nil, false
	}
	cfg := &models.SocketIOConfig{
		SID:             payload.SID,
		PingIntervalMs:  payload.PingInterval,
		PingTimeoutMs:   payload.PingTimeout,
		EngineIOVersion: defaultEngineIO,
	}
	if cfg.PingIntervalMs == 0 {
		cfg.PingIntervalMs = defaultPingIntervalMs
	}
	if cfg.PingTimeoutMs == 0 {
		cfg.PingTimeoutMs = defaultPingTimeoutMs
	}
	return cfg, true
}

// DefaultConfig is the config assumed when classification succeeds without
// an observed handshake.
func DefaultConfig() *models.SocketIOConfig {
	return &models.SocketIOConfig{
		PingIntervalMs:  defaultPingIntervalMs,
		PingTimeoutMs:   defaultPingTimeoutMs,
		EngineIOVersion: defaultEngineIO,
	}
}

// Classify decides raw WebSocket vs Socket.IO from the URL and the early
// captured frames, in priority order with early exit on the
// high-confidence signals.
func Classify(wsURL string, frames []models.CapturedFrame) (models.WireProtocol, *models.SocketIOConfig) {
	// 1. URL: a socket.io path or an EIO query parameter is conclusive.
	if byURL, version := classifyURL(wsURL); byURL {
		cfg := handshakeFromFrames(frames)
		if cfg == nil {
			cfg = DefaultConfig()
		}
		if version > 0 {
			cfg.EngineIOVersion = version
		}
		return models.ProtocolSocketIO, cfg
	}

	// 2. A received Engine.IO OPEN frame with a sid is conclusive.
	if cfg := handshakeFromFrames(frames); cfg != nil {
		if _, version := classifyURL(wsURL); version > 0 {
			cfg.EngineIOVersion = version
		}
		return models.ProtocolSocketIO, cfg
	}

	// 3. Two distinct Engine.IO frame-pattern signals.
	if countSignals(frames) >= 2 {
		return models.ProtocolSocketIO, DefaultConfig()
	}

	return models.ProtocolRaw, nil
}

func classifyURL(wsURL string) (isSocketIO bool, eioVersion int) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return false, 0
	}
	if eio := u.Query().Get("EIO"); eio != "" {
		v, _ := strconv.Atoi(eio)
		return true, v
	}
	return strings.Contains(u.Path, "socket.io"), 0
}

func handshakeFromFrames(frames []models.CapturedFrame) *models.SocketIOConfig {
	for _, f := range frames {
		if f.Direction != models.FrameReceived {
			continue
		}
		if cfg, ok := ParseHandshake(f.Data); ok {
			return cfg
		}
	}
	return nil
}

// countSignals counts distinct Engine.IO/Socket.IO frame shapes among the
// captures: ping "2", pong "3", event "42[", connect "40"/"40/", noop "6".
func countSignals(frames []models.CapturedFrame) int {
	seen := map[string]bool{}
	for _, f := range frames {
		switch {
		case f.Data == "2":
			seen["ping"] = true
		case f.Data == "3":
			seen["pong"] = true
		case strings.HasPrefix(f.Data, "42["):
			seen["event"] = true
		case f.Data == "40" || strings.HasPrefix(f.Data, "40/"):
			seen["connect"] = true
		case f.Data == "6":
			seen["noop"] = true
		}
	}
	return len(seen)
}
