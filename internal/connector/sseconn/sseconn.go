// Package sseconn implements the Server-Sent Events connector: the message
// goes out as an HTTP POST, the reply comes back as a text/event-stream
// whose data lines are aggregated before the response template is applied.
package sseconn

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/krawall/krawall/connector-runtime/internal/auth"
	"github.com/krawall/krawall/connector-runtime/internal/connector"
	"github.com/krawall/krawall/connector-runtime/internal/template"
	"github.com/krawall/krawall/connector-runtime/pkg/contracts"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultTerminatorEvent = "done"
	// doneSentinel is the OpenAI-style stream terminator data line.
	doneSentinel = "[DONE]"
)

var tracer = otel.Tracer("krawall/connector/sse")

// Connector sends over POST and consumes a streamed SSE response.
type Connector struct {
	target *models.Target
	client *http.Client
	gate   connector.ConnectGate
}

// Factory builds an SSE connector for the registry.
func Factory(target *models.Target, _ connector.Deps) (contracts.Connector, error) {
	return New(target)
}

func New(target *models.Target) (*Connector, error) {
	if target.Endpoint == "" {
		return nil, connector.Configf("sse target %s has no endpoint", target.ID)
	}
	if target.RequestTemplate == nil {
		return nil, connector.Configf("sse target %s has no request template", target.ID)
	}

	timeout := defaultTimeout
	if p := target.Protocol.GetSSE(); p != nil && p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	return &Connector{
		target: target,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (c *Connector) Connect(ctx context.Context) error {
	return c.gate.Do(ctx, func() error { return nil })
}

func (c *Connector) Disconnect(context.Context) error {
	c.client.CloseIdleConnections()
	c.gate.Reset()
	return nil
}

func (c *Connector) IsConnected() bool { return c.gate.Connected() }

func (c *Connector) SupportsStreaming() bool { return true }

// Send posts the templated body and accumulates data: lines until a
// terminator event or end-of-stream, then projects the aggregate.
func (c *Connector) Send(ctx context.Context, msg string, meta *models.SendMeta) (*models.SendResult, error) {
	if !c.IsConnected() {
		return nil, &connector.NotConnectedError{Op: "send"}
	}
	ctx, span := tracer.Start(ctx, "sse.send")
	defer span.End()

	var extraVars map[string]string
	if meta != nil {
		extraVars = meta.Variables
		if meta.TimeoutMs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(meta.TimeoutMs)*time.Millisecond)
			defer cancel()
		}
	}

	body, err := template.BuildRequest(msg, c.target.RequestTemplate, extraVars)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, connector.Configf("marshal request body: %v", err)
	}

	reqURL := c.target.Endpoint
	terminator := defaultTerminatorEvent
	if p := c.target.Protocol.GetSSE(); p != nil {
		if p.Path != "" {
			reqURL = strings.TrimRight(c.target.Endpoint, "/") + "/" + strings.TrimLeft(p.Path, "/")
		}
		if p.TerminatorEvent != "" {
			terminator = p.TerminatorEvent
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, connector.Configf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	headers, err := auth.Headers(c.target.AuthKind, c.target.AuthConfig)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &connector.TransportError{Op: "sse request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		upstream := &connector.UpstreamHTTPError{Status: resp.StatusCode, Body: string(respBody)}
		var raw interface{}
		if json.Unmarshal(respBody, &raw) == nil {
			if errMsg, ok := template.ExtractError(raw, c.target.ResponseTemplate); ok {
				upstream.Message = errMsg
			}
		}
		return nil, upstream
	}

	aggregate, err := readStream(resp.Body, terminator)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start).Milliseconds()

	var raw interface{}
	if err := json.Unmarshal([]byte(aggregate), &raw); err != nil {
		// A stream closed mid-record leaves partial JSON behind.
		return nil, &connector.ResponseShapeError{Path: responsePath(c.target)}
	}
	content, err := template.ExtractResponse(raw, c.target.ResponseTemplate)
	if err != nil {
		return nil, err
	}

	result := &models.SendResult{Content: content, Raw: raw, LatencyMs: latency}
	if usage, ok := template.ExtractTokens(raw, c.target.ResponseTemplate); ok {
		result.Usage = usage
	}
	return result, nil
}

// readStream consumes text/event-stream framing: data: lines accumulate,
// blank lines separate records, and either the terminator event name or
// the [DONE] sentinel ends the stream early.
func readStream(r io.Reader, terminator string) (string, error) {
	var data []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			// record separator
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimPrefix(line, "data:")
			payload = strings.TrimPrefix(payload, " ")
			if payload == doneSentinel {
				return strings.Join(data, "\n"), nil
			}
			data = append(data, payload)
		case strings.HasPrefix(line, "event:"):
			name := strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			if name == terminator {
				return strings.Join(data, "\n"), nil
			}
		default:
			// comments (":") and other fields are ignored
		}
	}
	if err := scanner.Err(); err != nil {
		return "", &connector.TransportError{Op: "read stream", Err: err}
	}
	return strings.Join(data, "\n"), nil
}

// HealthCheck issues a GET to the target endpoint; 2xx within 5s is healthy.
func (c *Connector) HealthCheck(ctx context.Context) (*models.HealthStatus, error) {
	if !c.IsConnected() {
		return nil, &connector.NotConnectedError{Op: "healthCheck"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.target.Endpoint, nil)
	if err != nil {
		return &models.HealthStatus{Error: err.Error()}, nil
	}
	start := time.Now()
	resp, err := c.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return &models.HealthStatus{LatencyMs: latency, Error: err.Error()}, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	status := &models.HealthStatus{Healthy: healthy, LatencyMs: latency}
	if !healthy {
		status.Error = resp.Status
	}
	return status, nil
}

func responsePath(t *models.Target) string {
	if t.ResponseTemplate != nil {
		return t.ResponseTemplate.ResponsePath
	}
	return ""
}
