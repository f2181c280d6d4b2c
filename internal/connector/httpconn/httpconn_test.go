package httpconn_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/krawall/krawall/connector-runtime/internal/connector"
	"github.com/krawall/krawall/connector-runtime/internal/connector/httpconn"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

func openAITarget(endpoint string) *models.Target {
	return &models.Target{
		ID:       "t-http",
		Kind:     models.ConnectorHTTP,
		Endpoint: endpoint,
		AuthKind: models.AuthBearer,
		AuthConfig: map[string]string{
			"token": "tok123",
		},
		RequestTemplate: &models.RequestTemplate{
			MessagePath: "messages.0.content",
			Structure: map[string]interface{}{
				"model":    "x",
				"messages": []interface{}{map[string]interface{}{"role": "user", "content": ""}},
			},
		},
		ResponseTemplate: &models.ResponseTemplate{
			ResponsePath:   "choices.0.message.content",
			TokenUsagePath: "usage",
			ErrorPath:      "error.message",
		},
	}
}

func TestSendRoundTrip(t *testing.T) {
	var gotBody map[string]interface{}
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices": [{"message": {"content": "hi"}}],
			"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
		}`))
	}))
	defer srv.Close()

	c, err := httpconn.New(openAITarget(srv.URL))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	res, err := c.Send(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Content != "hi" {
		t.Errorf("content = %q, want hi", res.Content)
	}
	if gotAuth != "Bearer tok123" {
		t.Errorf("Authorization = %q", gotAuth)
	}

	msgs := gotBody["messages"].([]interface{})
	content := msgs[0].(map[string]interface{})["content"]
	if content != "hello" {
		t.Errorf("templated body content = %v, want hello", content)
	}
	usage := res.Usage.(map[string]interface{})
	if usage["total_tokens"] != float64(2) {
		t.Errorf("usage total = %v, want 2", usage["total_tokens"])
	}
}

func TestSendBeforeConnect(t *testing.T) {
	c, _ := httpconn.New(openAITarget("http://localhost:0"))
	_, err := c.Send(context.Background(), "x", nil)
	var notConnected *connector.NotConnectedError
	if !errors.As(err, &notConnected) {
		t.Errorf("error = %v, want NotConnectedError", err)
	}
}

func TestSendUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer srv.Close()

	c, _ := httpconn.New(openAITarget(srv.URL))
	c.Connect(context.Background())

	_, err := c.Send(context.Background(), "x", nil)
	var upstream *connector.UpstreamHTTPError
	if !errors.As(err, &upstream) {
		t.Fatalf("error = %v, want UpstreamHTTPError", err)
	}
	if upstream.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", upstream.Status)
	}
	if upstream.Message != "rate limited" {
		t.Errorf("message = %q, want extracted error", upstream.Message)
	}
}

func TestSendResponseShapeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"unexpected": true}`))
	}))
	defer srv.Close()

	c, _ := httpconn.New(openAITarget(srv.URL))
	c.Connect(context.Background())

	_, err := c.Send(context.Background(), "x", nil)
	var shape *connector.ResponseShapeError
	if !errors.As(err, &shape) {
		t.Fatalf("error = %v, want ResponseShapeError", err)
	}
}

func TestSendMethodAndPathFromProtocol(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}]}`))
	}))
	defer srv.Close()

	target := openAITarget(srv.URL)
	target.Protocol = &models.ProtocolConfig{
		HTTP: &models.HTTPProtocolConfig{Method: "put", Path: "/v1/chat"},
	}
	c, _ := httpconn.New(target)
	c.Connect(context.Background())

	if _, err := c.Send(context.Background(), "x", nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("method = %q, want PUT", gotMethod)
	}
	if gotPath != "/v1/chat" {
		t.Errorf("path = %q, want /v1/chat", gotPath)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	target := openAITarget(srv.URL)
	target.Protocol = &models.ProtocolConfig{HTTP: &models.HTTPProtocolConfig{HealthPath: "/status"}}
	c, _ := httpconn.New(target)
	c.Connect(context.Background())

	hs, err := c.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	if !hs.Healthy {
		t.Errorf("healthy = false, error = %q", hs.Error)
	}
}

func TestConnectIdempotent(t *testing.T) {
	c, _ := httpconn.New(openAITarget("http://example.com"))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := c.Connect(ctx); err != nil {
			t.Fatalf("Connect() #%d error = %v", i, err)
		}
	}
	if !c.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
}
