package socketio_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krawall/krawall/connector-runtime/internal/connector/wsconn"
	"github.com/krawall/krawall/connector-runtime/internal/socketio"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

func TestParseHandshake(t *testing.T) {
	cfg, ok := socketio.ParseHandshake(`0{"sid":"abc","pingInterval":25000,"pingTimeout":20000}`)
	require.True(t, ok)
	assert.Equal(t, "abc", cfg.SID)
	assert.Equal(t, int64(25000), cfg.PingIntervalMs)
	assert.Equal(t, int64(20000), cfg.PingTimeoutMs)
	assert.Equal(t, 4, cfg.EngineIOVersion)
}

func TestParseHandshakeNonOpenFrames(t *testing.T) {
	for _, frame := range []string{"42[\"message\",{}]", "2", "3", `{"sid":"x"}`, "0notjson", `0{"pingInterval":1}`} {
		if _, ok := socketio.ParseHandshake(frame); ok {
			t.Errorf("ParseHandshake(%q) = found, want not found", frame)
		}
	}
}

func TestEncodeDecodeSymmetry(t *testing.T) {
	payloads := []interface{}{
		map[string]interface{}{"text": "ok"},
		"plain string",
		float64(42),
		[]interface{}{"a", float64(1)},
		nil,
	}
	for _, payload := range payloads {
		frame, err := socketio.EncodeMessage("", "message", payload)
		require.NoError(t, err)
		ev, err := socketio.DecodeMessage(frame)
		require.NoError(t, err, "frame %q", frame)
		assert.Equal(t, "message", ev.Name)
		assert.Equal(t, payload, ev.Data)
	}
}

func TestEncodeWithNamespace(t *testing.T) {
	frame, err := socketio.EncodeMessage("chat", "message", map[string]interface{}{"a": float64(1)})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(frame, "42/chat,"), "frame = %q", frame)

	ev, err := socketio.DecodeMessage(frame)
	require.NoError(t, err)
	assert.Equal(t, "message", ev.Name)
}

// Namespace and ack id prefixes are stripped on decode.
func TestDecodeNamespaceAndAckID(t *testing.T) {
	ev, err := socketio.DecodeMessage(`42/chat,7["message",{"text":"ok"}]`)
	require.NoError(t, err)
	assert.Equal(t, "message", ev.Name)
	assert.Equal(t, map[string]interface{}{"text": "ok"}, ev.Data)
}

func TestDecodeMalformed(t *testing.T) {
	for _, frame := range []string{"42", "42{bad", "42[1,2]", "41", `42/ns["x"]`} {
		if _, err := socketio.DecodeMessage(frame); err == nil {
			t.Errorf("DecodeMessage(%q) succeeded, want error", frame)
		}
	}
}

func TestClassify(t *testing.T) {
	recv := func(data string) models.CapturedFrame {
		return models.CapturedFrame{Direction: models.FrameReceived, Data: data}
	}

	tests := []struct {
		name   string
		url    string
		frames []models.CapturedFrame
		want   models.WireProtocol
	}{
		{
			"socket.io path",
			"wss://api.example.com/socket.io/?transport=websocket",
			nil,
			models.ProtocolSocketIO,
		},
		{
			"EIO query parameter",
			"wss://api.example.com/ws?EIO=4&transport=websocket",
			nil,
			models.ProtocolSocketIO,
		},
		{
			"handshake frame",
			"wss://chat.example.com/ws",
			[]models.CapturedFrame{recv(`0{"sid":"s1","pingInterval":30000,"pingTimeout":5000}`)},
			models.ProtocolSocketIO,
		},
		{
			"two frame-pattern signals",
			"wss://chat.example.com/ws",
			[]models.CapturedFrame{recv("2"), recv(`42["message",{}]`)},
			models.ProtocolSocketIO,
		},
		{
			"one signal is not enough",
			"wss://chat.example.com/ws",
			[]models.CapturedFrame{recv("2")},
			models.ProtocolRaw,
		},
		{
			"plain json frames",
			"wss://chat.example.com/ws",
			[]models.CapturedFrame{recv(`{"type":"hello"}`)},
			models.ProtocolRaw,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, cfg := socketio.Classify(tc.url, tc.frames)
			assert.Equal(t, tc.want, got)
			if got == models.ProtocolSocketIO {
				require.NotNil(t, cfg)
			}
		})
	}
}

func TestClassifyHandshakePopulatesConfig(t *testing.T) {
	frames := []models.CapturedFrame{{
		Direction: models.FrameReceived,
		Data:      `0{"sid":"s9","pingInterval":30000,"pingTimeout":10000}`,
	}}
	proto, cfg := socketio.Classify("wss://x/socket.io/?EIO=3", frames)
	require.Equal(t, models.ProtocolSocketIO, proto)
	assert.Equal(t, "s9", cfg.SID)
	assert.Equal(t, int64(30000), cfg.PingIntervalMs)
	assert.Equal(t, 3, cfg.EngineIOVersion, "EIO version comes from the URL")
}

// ── Handler over a live connector ────────────────────────────

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func handlerFixture(t *testing.T, cfg *models.SocketIOConfig, server func(*websocket.Conn)) (*socketio.Handler, *wsconn.Connector) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		server(conn)
	}))
	t.Cleanup(srv.Close)

	target := &models.Target{
		ID:       "t-sio",
		Kind:     models.ConnectorWS,
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http"),
		RequestTemplate: &models.RequestTemplate{
			MessagePath: "text",
			Structure:   map[string]interface{}{"text": ""},
		},
		ResponseTemplate: &models.ResponseTemplate{ResponsePath: "reply"},
		Protocol:         &models.ProtocolConfig{WS: &models.WSProtocolConfig{NoReconnect: true}},
	}
	ws, err := wsconn.New(target)
	require.NoError(t, err)
	require.NoError(t, ws.Connect(context.Background()))
	t.Cleanup(func() { ws.Disconnect(context.Background()) })

	return socketio.NewHandler(ws, cfg, ""), ws
}

func TestHandlerNamespaceConnectAndEvents(t *testing.T) {
	frames := make(chan string, 8)
	events := make(chan socketio.Event, 8)

	h, _ := handlerFixture(t, nil, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- string(data)
			if string(data) == "40" {
				conn.WriteMessage(websocket.TextMessage, []byte("40"))
				conn.WriteMessage(websocket.TextMessage, []byte(`42["message",{"text":"welcome"}]`))
			}
		}
	})
	h.OnEvent(func(ev socketio.Event) { events <- ev })
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	select {
	case f := <-frames:
		assert.Equal(t, "40", f, "handler must send the namespace connect packet")
	case <-time.After(2 * time.Second):
		t.Fatal("no connect packet")
	}

	select {
	case ev := <-events:
		assert.Equal(t, "message", ev.Name)
		assert.Equal(t, map[string]interface{}{"text": "welcome"}, ev.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("no decoded event")
	}
}

// Heartbeat: every server ping is answered with a pong.
func TestHandlerPongsEveryPing(t *testing.T) {
	pongs := make(chan string, 4)

	h, _ := handlerFixture(t, nil, func(conn *websocket.Conn) {
		defer conn.Close()
		started := false
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if !started && strings.HasPrefix(string(data), "40") {
				started = true
				go func() {
					for i := 0; i < 3; i++ {
						conn.WriteMessage(websocket.TextMessage, []byte("2"))
						time.Sleep(30 * time.Millisecond)
					}
				}()
				continue
			}
			if strings.HasPrefix(string(data), "3") {
				pongs <- string(data)
			}
		}
	})
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	for i := 0; i < 3; i++ {
		select {
		case p := <-pongs:
			assert.Equal(t, "3", p)
		case <-time.After(2 * time.Second):
			t.Fatalf("pong %d never arrived", i)
		}
	}
}

// A silent server trips the safety timer: the socket closes with 4000.
func TestHandlerHeartbeatTimeoutCloses(t *testing.T) {
	closeCode := make(chan int, 1)

	cfg := &models.SocketIOConfig{PingIntervalMs: 50, PingTimeoutMs: 50, EngineIOVersion: 4}
	h, ws := handlerFixture(t, cfg, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					closeCode <- ce.Code
				}
				return
			}
		}
	})
	errs := make(chan error, 1)
	h.OnError(func(err error) { errs <- err })
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	select {
	case code := <-closeCode:
		assert.Equal(t, 4000, code)
	case <-time.After(2 * time.Second):
		t.Fatal("socket not closed on heartbeat expiry")
	}
	require.Eventually(t, func() bool { return !ws.IsConnected() }, time.Second, 10*time.Millisecond)
}

// A handshake arriving after Start updates the handler's config.
func TestHandlerAdoptsHandshake(t *testing.T) {
	h, _ := handlerFixture(t, nil, func(conn *websocket.Conn) {
		defer conn.Close()
		// Send the handshake once the client's connect packet proves the
		// handler owns the frames.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"live","pingInterval":11000,"pingTimeout":7000}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	require.Eventually(t, func() bool {
		return h.Config().SID == "live"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(11000), h.Config().PingIntervalMs)
}

func TestHandlerErrorFrames(t *testing.T) {
	errs := make(chan error, 1)
	h, _ := handlerFixture(t, nil, func(conn *websocket.Conn) {
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`44{"message":"auth rejected"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	h.OnError(func(err error) { errs <- err })
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "auth rejected")
	case <-time.After(2 * time.Second):
		t.Fatal("error frame not surfaced")
	}
}

func TestHandlerEmit(t *testing.T) {
	frames := make(chan string, 4)
	h, _ := handlerFixture(t, nil, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- string(data)
		}
	})
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	<-frames // connect packet
	require.NoError(t, h.Emit(context.Background(), "message", map[string]interface{}{"text": "hi"}))

	select {
	case f := <-frames:
		assert.Equal(t, `42["message",{"text":"hi"}]`, f)
	case <-time.After(2 * time.Second):
		t.Fatal("emit frame not written")
	}
}
