// Package httpconn implements the REST connector: one pooled client per
// connector, template-driven request bodies, path-driven response
// extraction.
package httpconn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/krawall/krawall/connector-runtime/internal/auth"
	"github.com/krawall/krawall/connector-runtime/internal/connector"
	"github.com/krawall/krawall/connector-runtime/internal/template"
	"github.com/krawall/krawall/connector-runtime/pkg/contracts"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxRedirects = 5
	healthTimeout       = 5 * time.Second
)

var tracer = otel.Tracer("krawall/connector/http")

// Connector sends templated messages over HTTP/REST.
type Connector struct {
	target *models.Target
	client *http.Client
	gate   connector.ConnectGate
}

// Factory builds an HTTP connector for the registry.
func Factory(target *models.Target, _ connector.Deps) (contracts.Connector, error) {
	return New(target)
}

// New validates the target and builds the pooled client.
func New(target *models.Target) (*Connector, error) {
	if target.Endpoint == "" {
		return nil, connector.Configf("http target %s has no endpoint", target.ID)
	}
	if target.RequestTemplate == nil {
		return nil, connector.Configf("http target %s has no request template", target.ID)
	}

	timeout := defaultTimeout
	maxRedirects := defaultMaxRedirects
	if p := target.Protocol.GetHTTP(); p != nil {
		if p.TimeoutMs > 0 {
			timeout = time.Duration(p.TimeoutMs) * time.Millisecond
		}
		if p.MaxRedirects > 0 {
			maxRedirects = p.MaxRedirects
		}
	}

	return &Connector{
		target: target,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}, nil
}

// Connect validates the endpoint URL. HTTP is connectionless, so there is
// nothing to dial; Connect just arms the connector.
func (c *Connector) Connect(ctx context.Context) error {
	return c.gate.Do(ctx, func() error {
		u, err := url.Parse(c.target.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return connector.Configf("invalid endpoint %q", c.target.Endpoint)
		}
		return nil
	})
}

func (c *Connector) Disconnect(context.Context) error {
	c.client.CloseIdleConnections()
	c.gate.Reset()
	return nil
}

func (c *Connector) IsConnected() bool { return c.gate.Connected() }

func (c *Connector) SupportsStreaming() bool { return false }

// Send issues one templated request and extracts the reply.
func (c *Connector) Send(ctx context.Context, msg string, meta *models.SendMeta) (*models.SendResult, error) {
	if !c.IsConnected() {
		return nil, &connector.NotConnectedError{Op: "send"}
	}
	ctx, span := tracer.Start(ctx, "http.send")
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

	method, reqURL := http.MethodPost, c.target.Endpoint
	if p := c.target.Protocol.GetHTTP(); p != nil {
		if p.Method != "" {
			method = strings.ToUpper(p.Method)
		}
		if p.Path != "" {
			reqURL = joinURL(c.target.Endpoint, p.Path)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, connector.Configf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
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
		return nil, &connector.TransportError{Op: "http request", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &connector.TransportError{Op: "read response", Err: err}
	}
	latency := time.Since(start).Milliseconds()

	var raw interface{}
	_ = json.Unmarshal(respBody, &raw)

	if resp.StatusCode >= 400 {
		upstream := &connector.UpstreamHTTPError{Status: resp.StatusCode, Body: string(respBody)}
		if raw != nil {
			if msg, ok := template.ExtractError(raw, c.target.ResponseTemplate); ok {
				upstream.Message = msg
			}
		}
		return nil, upstream
	}

	if raw == nil {
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

// HealthCheck issues a GET to the configured health path, or the origin
// root; healthy is a 2xx within 5 seconds.
func (c *Connector) HealthCheck(ctx context.Context) (*models.HealthStatus, error) {
	if !c.IsConnected() {
		return nil, &connector.NotConnectedError{Op: "healthCheck"}
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	healthURL := originRoot(c.target.Endpoint)
	if p := c.target.Protocol.GetHTTP(); p != nil && p.HealthPath != "" {
		healthURL = joinURL(c.target.Endpoint, p.HealthPath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
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
		status.Error = fmt.Sprintf("status %d", resp.StatusCode)
		log.Warn().Str("target", c.target.ID).Int("status", resp.StatusCode).Msg("health check unhealthy")
	}
	return status, nil
}

func joinURL(endpoint, path string) string {
	return strings.TrimRight(endpoint, "/") + "/" + strings.TrimLeft(path, "/")
}

func originRoot(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	return u.Scheme + "://" + u.Host + "/"
}

func responsePath(t *models.Target) string {
	if t.ResponseTemplate != nil {
		return t.ResponseTemplate.ResponsePath
	}
	return ""
}
