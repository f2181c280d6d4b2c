package wsconn_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krawall/krawall/connector-runtime/internal/connector"
	"github.com/krawall/krawall/connector-runtime/internal/connector/wsconn"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// echoServer upgrades and hands the connection to fn.
func echoServer(t *testing.T, fn func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func wsTarget(endpoint string) *models.Target {
	return &models.Target{
		ID:       "t-ws",
		Kind:     models.ConnectorWS,
		Endpoint: endpoint,
		AuthKind: models.AuthNone,
		RequestTemplate: &models.RequestTemplate{
			MessagePath: "text",
			Structure:   map[string]interface{}{"text": ""},
		},
		ResponseTemplate: &models.ResponseTemplate{ResponsePath: "reply"},
		Protocol: &models.ProtocolConfig{
			WS: &models.WSProtocolConfig{RequestTimeoutMs: 2000, ReconnectBaseMs: 10},
		},
	}
}

func TestSendReceivesEcho(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			var req map[string]interface{}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			conn.WriteJSON(map[string]interface{}{"reply": "echo:" + req["text"].(string)})
		}
	})

	c, err := wsconn.New(wsTarget(wsURL(srv)))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	res, err := c.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", res.Content)
}

// Positional correlation: the i-th completed request gets the i-th frame.
func TestSendCorrelationOrder(t *testing.T) {
	const n = 5

	received := make(chan string, n)
	var serverConn *websocket.Conn
	var connMu sync.Mutex

	srv := echoServer(t, func(conn *websocket.Conn) {
		connMu.Lock()
		serverConn = conn
		connMu.Unlock()
		for {
			var req map[string]interface{}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			received <- req["text"].(string)
		}
	})

	c, err := wsconn.New(wsTarget(wsURL(srv)))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	// Launch n sends; each blocks until its response frame arrives.
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Send(context.Background(), fmt.Sprintf("m%d", i), nil)
			if err == nil {
				results[i] = res.Content
			}
		}(i)
		// Serialize enqueue order so request i is the i-th in the queue.
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("server did not receive request")
		}
	}

	// Reply in order: frame i completes request i.
	connMu.Lock()
	for i := 0; i < n; i++ {
		require.NoError(t, serverConn.WriteJSON(map[string]interface{}{"reply": fmt.Sprintf("r%d", i)}))
	}
	connMu.Unlock()

	wg.Wait()
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("r%d", i), results[i], "request %d got the wrong frame", i)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	c, err := wsconn.New(wsTarget("ws://localhost:0"))
	require.NoError(t, err)

	_, err = c.Send(context.Background(), "x", nil)
	var notConnected *connector.NotConnectedError
	require.ErrorAs(t, err, &notConnected)
}

func TestSendTimeoutRemovesPending(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn) {
		// Swallow requests; never reply.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	target := wsTarget(wsURL(srv))
	target.Protocol.WS.RequestTimeoutMs = 100
	c, err := wsconn.New(target)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	_, err = c.Send(context.Background(), "x", nil)
	var transport *connector.TransportError
	require.ErrorAs(t, err, &transport)
}

// Unparseable frames are silently dropped when nothing is pending.
func TestNonJSONFramesIgnoredWhenIdle(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte("3"))
		conn.WriteMessage(websocket.TextMessage, []byte("not-json"))
		for {
			var req map[string]interface{}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			conn.WriteJSON(map[string]interface{}{"reply": "ok"})
		}
	})

	c, err := wsconn.New(wsTarget(wsURL(srv)))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	// Give the noise frames time to arrive before the real send.
	time.Sleep(50 * time.Millisecond)

	res, err := c.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
}

func TestReconnectAfterDrop(t *testing.T) {
	var conns int
	var mu sync.Mutex
	srv := echoServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		conns++
		first := conns == 1
		mu.Unlock()
		if first {
			conn.Close() // drop the first connection immediately
			return
		}
		for {
			var req map[string]interface{}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			conn.WriteJSON(map[string]interface{}{"reply": "back"})
		}
	})

	c, err := wsconn.New(wsTarget(wsURL(srv)))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	require.Eventually(t, func() bool {
		return c.State() == wsconn.StateOpen
	}, 3*time.Second, 20*time.Millisecond, "connector should reconnect")

	res, err := c.Send(context.Background(), "again", nil)
	require.NoError(t, err)
	assert.Equal(t, "back", res.Content)

	mu.Lock()
	assert.Equal(t, 2, conns)
	mu.Unlock()
}

// Reconnect ceiling: a dead endpoint is retried at most maxReconnects
// times, then the connector stays closed.
func TestReconnectCeiling(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn) {
		conn.Close()
	})
	target := wsTarget(wsURL(srv))
	target.Protocol.WS.MaxReconnects = 2

	c, err := wsconn.New(target)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	srv.Close() // every reconnect attempt now fails

	require.Eventually(t, func() bool {
		return c.State() == wsconn.StateClosed
	}, 3*time.Second, 20*time.Millisecond, "connector should give up and close")
	assert.False(t, c.IsConnected())
}

func TestNoReconnectStaysClosed(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn) {
		conn.Close()
	})
	target := wsTarget(wsURL(srv))
	target.Protocol.WS.NoReconnect = true

	c, err := wsconn.New(target)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return c.State() == wsconn.StateClosed
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDropFailsPendingRequests(t *testing.T) {
	ready := make(chan *websocket.Conn, 1)
	srv := echoServer(t, func(conn *websocket.Conn) {
		ready <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	target := wsTarget(wsURL(srv))
	target.Protocol.WS.NoReconnect = true

	c, err := wsconn.New(target)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	serverConn := <-ready
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "doomed", nil)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond) // let the send enqueue
	serverConn.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, connector.ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("pending send was not failed on disconnect")
	}
}

func TestHealthCheckPingPong(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn) {
		// Reading drives gorilla's default ping→pong handling.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := wsconn.New(wsTarget(wsURL(srv)))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	hs, err := c.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, hs.Healthy)
}

// Hot-swap non-interruption: updating next-reconnect auth while a send is
// in flight must not fail, delay, or reorder the response.
func TestSwapAuthDoesNotInterruptInFlightSend(t *testing.T) {
	release := make(chan struct{})
	srv := echoServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var req map[string]interface{}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		<-release
		conn.WriteJSON(map[string]interface{}{"reply": "late"})
	})

	c, err := wsconn.New(wsTarget(wsURL(srv)))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	resCh := make(chan string, 1)
	go func() {
		res, err := c.Send(context.Background(), "slow", nil)
		if err != nil {
			resCh <- "error: " + err.Error()
			return
		}
		resCh <- res.Content
	}()

	time.Sleep(50 * time.Millisecond)
	c.SwapAuth(map[string]string{"Authorization": "Bearer refreshed", "Cookie": "sid=new"})
	close(release)

	select {
	case got := <-resCh:
		assert.Equal(t, "late", got)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight send delayed by hot-swap")
	}
}

func TestFrameHandlerBypassesQueue(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`2probe`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := wsconn.New(wsTarget(wsURL(srv)))
	require.NoError(t, err)

	frames := make(chan string, 4)
	c.SetFrameHandler(func(data []byte) { frames <- string(data) })
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	select {
	case f := <-frames:
		assert.Equal(t, "2probe", f)
	case <-time.After(2 * time.Second):
		t.Fatal("frame handler not invoked")
	}
}

func TestSendPayloadIsTemplated(t *testing.T) {
	frames := make(chan string, 1)
	srv := echoServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frames <- string(data)
		conn.WriteJSON(map[string]interface{}{"reply": "ok"})
	})

	target := wsTarget(wsURL(srv))
	target.RequestTemplate = &models.RequestTemplate{
		MessagePath: "payload.message",
		Structure: map[string]interface{}{
			"action":  "chat",
			"payload": map[string]interface{}{"message": "", "session": "${sid}"},
		},
		Variables: map[string]string{"sid": "s-9"},
	}

	c, err := wsconn.New(target)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	_, err = c.Send(context.Background(), "yo", nil)
	require.NoError(t, err)

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(<-frames), &sent))
	payload := sent["payload"].(map[string]interface{})
	assert.Equal(t, "yo", payload["message"])
	assert.Equal(t, "s-9", payload["session"])
	assert.Equal(t, "chat", sent["action"])
}
