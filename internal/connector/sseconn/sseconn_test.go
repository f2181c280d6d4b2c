package sseconn_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/krawall/krawall/connector-runtime/internal/connector"
	"github.com/krawall/krawall/connector-runtime/internal/connector/sseconn"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

func sseTarget(endpoint string) *models.Target {
	return &models.Target{
		ID:       "t-sse",
		Kind:     models.ConnectorSSE,
		Endpoint: endpoint,
		RequestTemplate: &models.RequestTemplate{
			MessagePath: "prompt",
			Structure:   map[string]interface{}{"prompt": "", "stream": true},
		},
		ResponseTemplate: &models.ResponseTemplate{ResponsePath: "reply"},
	}
}

func stream(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, l := range lines {
		w.Write([]byte(l + "\n"))
	}
}

func TestSendAggregatesStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stream(w,
			`data: {"reply":`,
			``,
			`data:  "streamed"}`,
			``,
			`event: done`,
		)
	}))
	defer srv.Close()

	c, err := sseconn.New(sseTarget(srv.URL))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.Connect(context.Background())

	res, err := c.Send(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Content != "streamed" {
		t.Errorf("content = %q, want streamed", res.Content)
	}
}

func TestSendStopsAtDoneSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stream(w,
			`data: {"reply": "all"}`,
			``,
			`data: [DONE]`,
			``,
			`data: {"reply": "ignored"}`,
		)
	}))
	defer srv.Close()

	c, _ := sseconn.New(sseTarget(srv.URL))
	c.Connect(context.Background())

	res, err := c.Send(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Content != "all" {
		t.Errorf("content = %q, want all", res.Content)
	}
}

func TestSendPartialJSONIsShapeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Server dies mid-record.
		stream(w, `data: {"reply": "trunc`)
	}))
	defer srv.Close()

	c, _ := sseconn.New(sseTarget(srv.URL))
	c.Connect(context.Background())

	_, err := c.Send(context.Background(), "hi", nil)
	var shape *connector.ResponseShapeError
	if !errors.As(err, &shape) {
		t.Fatalf("error = %v, want ResponseShapeError", err)
	}
}

func TestSendUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := sseconn.New(sseTarget(srv.URL))
	c.Connect(context.Background())

	_, err := c.Send(context.Background(), "hi", nil)
	var upstream *connector.UpstreamHTTPError
	if !errors.As(err, &upstream) {
		t.Fatalf("error = %v, want UpstreamHTTPError", err)
	}
	if upstream.Status != http.StatusBadGateway {
		t.Errorf("status = %d", upstream.Status)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	c, _ := sseconn.New(sseTarget("http://localhost:0"))
	_, err := c.Send(context.Background(), "x", nil)
	var notConnected *connector.NotConnectedError
	if !errors.As(err, &notConnected) {
		t.Errorf("error = %v, want NotConnectedError", err)
	}
}
