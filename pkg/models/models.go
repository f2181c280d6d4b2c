// Package models defines the shared data types of the Krawall connector runtime.
//
// A Target describes one chatbot endpoint under test; templates map free-form
// messages onto the endpoint's wire shape; discovery types carry what the
// browser pipeline captured from a widget-hidden endpoint.
package models

import (
	"strings"
	"time"
)

// ── Target ───────────────────────────────────────────────────

// ConnectorKind identifies the protocol implementation for a target.
type ConnectorKind string

const (
	ConnectorHTTP      ConnectorKind = "http"
	ConnectorWS        ConnectorKind = "websocket"
	ConnectorSSE       ConnectorKind = "sse"
	ConnectorGRPC      ConnectorKind = "grpc"
	ConnectorBrowserWS ConnectorKind = "browser-websocket"
)

// AuthKind identifies how credentials are attached to requests.
type AuthKind string

const (
	AuthNone         AuthKind = "none"
	AuthBearer       AuthKind = "bearer"
	AuthAPIKey       AuthKind = "api-key"
	AuthBasic        AuthKind = "basic"
	AuthCustomHeader AuthKind = "custom-header"
	AuthOAuth2       AuthKind = "oauth2"
)

// Target is the declarative description of one chatbot endpoint under test.
// Auth config values arrive decrypted from the persistence collaborator.
type Target struct {
	ID       string        `json:"id" db:"id"`
	Name     string        `json:"name" db:"name"`
	Kind     ConnectorKind `json:"kind" db:"kind"`
	Endpoint string        `json:"endpoint" db:"endpoint"`

	AuthKind   AuthKind          `json:"auth_kind" db:"auth_kind"`
	AuthConfig map[string]string `json:"auth_config,omitempty"`

	RequestTemplate  *RequestTemplate  `json:"request_template,omitempty"`
	ResponseTemplate *ResponseTemplate `json:"response_template,omitempty"`
	Protocol         *ProtocolConfig   `json:"protocol,omitempty"`

	Active          bool       `json:"active" db:"active"`
	LastTestAt      *time.Time `json:"last_test_at,omitempty" db:"last_test_at"`
	LastTestOutcome string     `json:"last_test_outcome,omitempty" db:"last_test_outcome"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ── Templates ────────────────────────────────────────────────

// RequestTemplate maps a free-form message into a protocol body.
// Structure is a prototype document; MessagePath locates where the
// message text is injected; Variables are substituted wherever
// ${name} (or the bare name) appears as a string value.
type RequestTemplate struct {
	MessagePath string                 `json:"message_path"`
	Structure   map[string]interface{} `json:"structure"`
	Variables   map[string]string      `json:"variables,omitempty"`
}

// ResponseTransform post-processes extracted reply text.
type ResponseTransform string

const (
	TransformNone          ResponseTransform = "none"
	TransformMarkdownStrip ResponseTransform = "markdown-strip"
	TransformHTMLStrip     ResponseTransform = "html-strip"
)

// ResponseTemplate locates the reply text, token usage and error
// message inside a raw response document.
type ResponseTemplate struct {
	ResponsePath   string            `json:"response_path"`
	TokenUsagePath string            `json:"token_usage_path,omitempty"`
	ErrorPath      string            `json:"error_path,omitempty"`
	Transform      ResponseTransform `json:"transform,omitempty"`
}

// ── Protocol config ──────────────────────────────────────────

// ProtocolConfig carries the kind-specific connection settings for a target.
// Only the section matching the target's ConnectorKind is consulted.
type ProtocolConfig struct {
	HTTP      *HTTPProtocolConfig      `json:"http,omitempty"`
	WS        *WSProtocolConfig        `json:"ws,omitempty"`
	SSE       *SSEProtocolConfig       `json:"sse,omitempty"`
	GRPC      *GRPCProtocolConfig      `json:"grpc,omitempty"`
	BrowserWS *BrowserWSProtocolConfig `json:"browser_ws,omitempty"`
}

type HTTPProtocolConfig struct {
	Method       string `json:"method,omitempty"`       // default POST
	Path         string `json:"path,omitempty"`         // joined onto the endpoint
	HealthPath   string `json:"health_path,omitempty"`  // GET target for health checks
	TimeoutMs    int64  `json:"timeout_ms,omitempty"`   // default 30000
	MaxRedirects int    `json:"max_redirects,omitempty"` // default 5
}

type WSProtocolConfig struct {
	NoReconnect      bool  `json:"no_reconnect,omitempty"`
	MaxReconnects    int   `json:"max_reconnects,omitempty"`      // default 5
	ReconnectBaseMs  int64 `json:"reconnect_base_ms,omitempty"`   // back-off unit, default 2000
	RequestTimeoutMs int64 `json:"request_timeout_ms,omitempty"`  // default 30000
}

type SSEProtocolConfig struct {
	Path            string `json:"path,omitempty"`
	TerminatorEvent string `json:"terminator_event,omitempty"` // default "done"
	TimeoutMs       int64  `json:"timeout_ms,omitempty"`
}

type GRPCProtocolConfig struct {
	// DescriptorSet is a base64-encoded FileDescriptorSet; DescriptorFile
	// points at one on disk. At least one must be set; DescriptorSet is
	// used when both are.
	DescriptorSet  string `json:"descriptor_set,omitempty"`
	DescriptorFile string `json:"descriptor_file,omitempty"`
	Service        string `json:"service"`
	Method         string `json:"method"`
	Plaintext      bool   `json:"plaintext,omitempty"`
	TimeoutMs      int64  `json:"timeout_ms,omitempty"`
}

// WidgetStrategy selects how discovery locates the chat widget.
type WidgetStrategy string

const (
	WidgetHeuristic WidgetStrategy = "heuristic"
	WidgetSelector  WidgetStrategy = "selector"
	WidgetSteps     WidgetStrategy = "steps"
)

// WidgetHints steer the heuristic strategy before generic selectors run.
type WidgetHints struct {
	ButtonText     []string          `json:"button_text,omitempty"`
	ContainsClass  []string          `json:"contains_class,omitempty"`
	ContainsID     []string          `json:"contains_id,omitempty"`
	IframeSrc      []string          `json:"iframe_src,omitempty"`
	DataAttributes map[string]string `json:"data_attributes,omitempty"`
	Container      string            `json:"container,omitempty"`
}

// WidgetStep is one primitive of the scripted "steps" strategy.
type WidgetStep struct {
	Action   string `json:"action"` // click, type, wait, waitForSelector, evaluate
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
	Script   string `json:"script,omitempty"`
	WaitMs   int64  `json:"wait_ms,omitempty"`
}

type BrowserWSProtocolConfig struct {
	PageURL string `json:"page_url"`

	Strategy WidgetStrategy `json:"strategy,omitempty"` // default heuristic
	Selector string         `json:"selector,omitempty"`
	Hints    *WidgetHints   `json:"hints,omitempty"`
	Steps    []WidgetStep   `json:"steps,omitempty"`
	// Positional fallback for the heuristic strategy.
	Position    string `json:"position,omitempty"` // bottom-right, bottom-left, bottom-center
	ElementKind string `json:"element_kind,omitempty"`

	// WebSocket selection among captures.
	URLPattern string `json:"url_pattern,omitempty"`
	WSIndex    int    `json:"ws_index,omitempty"`
	MinFrames  int    `json:"min_frames,omitempty"` // default 2

	// Wire protocol override: "" (auto), "raw", "socketio".
	Protocol  string `json:"protocol,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	EventName string `json:"event_name,omitempty"` // default "message"
	// EventFilter is an optional expr predicate over {event, data}; the
	// first decoded Socket.IO event it accepts resolves a pending send.
	EventFilter string `json:"event_filter,omitempty"`

	SessionMaxAgeMs     int64   `json:"session_max_age_ms,omitempty"` // default 300000
	RefreshAheadPercent float64 `json:"refresh_ahead_percent,omitempty"` // default 0.75
	RefreshEnabled      bool    `json:"refresh_enabled,omitempty"`
	KeepBrowserAlive    bool    `json:"keep_browser_alive,omitempty"`
	RequestTimeoutMs    int64   `json:"request_timeout_ms,omitempty"`
}

// ── Send / health results ────────────────────────────────────

// TokenUsage is the normalized usage block attached to a reply.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// SendMeta carries caller-supplied per-send options.
type SendMeta struct {
	Variables map[string]string `json:"variables,omitempty"`
	TimeoutMs int64             `json:"timeout_ms,omitempty"`
}

// SendResult is what every connector returns from Send.
// Raw keeps the unprojected response document; Usage is the raw usage
// object at the template's token path (vendor field names preserved).
type SendResult struct {
	Content   string      `json:"content"`
	Raw       interface{} `json:"raw,omitempty"`
	Usage     interface{} `json:"usage,omitempty"`
	LatencyMs int64       `json:"latency_ms"`
}

// HealthStatus is the result of a connector health check.
type HealthStatus struct {
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// ── Discovery ────────────────────────────────────────────────

// FrameDirection tags a captured WebSocket frame.
type FrameDirection string

const (
	FrameSent     FrameDirection = "sent"
	FrameReceived FrameDirection = "received"
)

// CapturedFrame is one WebSocket frame observed in the browser.
type CapturedFrame struct {
	Direction FrameDirection `json:"direction"`
	Data      string         `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// CapturedWebSocket tracks one WebSocket the browser opened, with its
// upgrade headers (backfilled when the handshake event arrives) and frames.
type CapturedWebSocket struct {
	URL            string            `json:"url"`
	UpgradeHeaders map[string]string `json:"upgrade_headers,omitempty"`
	Frames         []CapturedFrame   `json:"frames"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Cookie is a browser cookie captured during discovery.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
}

// WireProtocol classifies a captured WebSocket's framing.
type WireProtocol string

const (
	ProtocolRaw      WireProtocol = "raw"
	ProtocolSocketIO WireProtocol = "socketio"
)

// SocketIOConfig is parsed from the server's Engine.IO OPEN frame.
type SocketIOConfig struct {
	SID             string `json:"sid"`
	PingIntervalMs  int64  `json:"ping_interval_ms"`
	PingTimeoutMs   int64  `json:"ping_timeout_ms"`
	EngineIOVersion int    `json:"engine_io_version"`
}

// DiscoveryResult is everything the browser pipeline learned about a
// widget-hidden endpoint: the WebSocket URL, the credentials needed to
// replay the connection outside the browser, and the early frames used
// for protocol classification.
type DiscoveryResult struct {
	WSSURL         string            `json:"wss_url"`
	Cookies        []Cookie          `json:"cookies,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	LocalStorage   map[string]string `json:"local_storage,omitempty"`
	SessionStorage map[string]string `json:"session_storage,omitempty"`
	CapturedFrames []CapturedFrame   `json:"captured_frames,omitempty"`

	DetectedProtocol WireProtocol    `json:"detected_protocol"`
	SocketIO         *SocketIOConfig `json:"socket_io,omitempty"`

	DiscoveredAt time.Time `json:"discovered_at"`
}

// ── Discovery progress ───────────────────────────────────────

// ProgressStage names a discovery pipeline stage.
type ProgressStage string

const (
	StageConnect     ProgressStage = "connect"
	StageDiscovery   ProgressStage = "discovery"
	StageWidget      ProgressStage = "widget"
	StageCapture     ProgressStage = "capture"
	StageClassify    ProgressStage = "classify"
	StageCredentials ProgressStage = "credentials"
	StageDone        ProgressStage = "done"
	StageError       ProgressStage = "error"
)

// ProgressEvent is streamed to callers while discovery runs.
type ProgressEvent struct {
	Stage     ProgressStage          `json:"stage"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ── Refresh status ───────────────────────────────────────────

// RefreshOutcome records how the last scheduled refresh went.
type RefreshOutcome string

const (
	RefreshSuccess RefreshOutcome = "success"
	RefreshFailure RefreshOutcome = "failure"
)

// RefreshStatus is the operational state of one target's refresh schedule,
// persisted in the external key-value store.
type RefreshStatus struct {
	LastRefreshAt       *time.Time     `json:"last_refresh_at,omitempty"`
	LastRefreshStatus   RefreshOutcome `json:"last_refresh_status,omitempty"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	IsActive            bool           `json:"is_active"`
	RefreshIntervalMs   int64          `json:"refresh_interval_ms"`
	NextRefreshAt       *time.Time     `json:"next_refresh_at,omitempty"`
}

// TokenRefreshedEvent is published on the token-refreshed channel after a
// successful refresh cycle.
type TokenRefreshedEvent struct {
	TargetID    string    `json:"target_id"`
	TriggeredBy string    `json:"triggered_by"` // scheduled, manual
	Timestamp   time.Time `json:"timestamp"`
}

// Nil-safe protocol accessors, so connectors can read optional config
// without guarding both the ProtocolConfig and its section.

func (p *ProtocolConfig) GetHTTP() *HTTPProtocolConfig {
	if p == nil {
		return nil
	}
	return p.HTTP
}

func (p *ProtocolConfig) GetWS() *WSProtocolConfig {
	if p == nil {
		return nil
	}
	return p.WS
}

func (p *ProtocolConfig) GetSSE() *SSEProtocolConfig {
	if p == nil {
		return nil
	}
	return p.SSE
}

func (p *ProtocolConfig) GetGRPC() *GRPCProtocolConfig {
	if p == nil {
		return nil
	}
	return p.GRPC
}

func (p *ProtocolConfig) GetBrowserWS() *BrowserWSProtocolConfig {
	if p == nil {
		return nil
	}
	return p.BrowserWS
}

// GetContainer is the nil-safe container accessor for widget hints.
func (h *WidgetHints) GetContainer() string {
	if h == nil {
		return ""
	}
	return h.Container
}

// JWTCandidates lists the discovered credential strings that might be
// JWTs, most authoritative first: the Authorization upgrade header, other
// token-ish headers, then web storage values.
func (r *DiscoveryResult) JWTCandidates() []string {
	var out []string
	if v, ok := r.Headers["Authorization"]; ok {
		out = append(out, v)
	}
	for k, v := range r.Headers {
		if k == "Authorization" {
			continue
		}
		lk := strings.ToLower(k)
		if strings.Contains(lk, "token") || strings.Contains(lk, "auth") {
			out = append(out, v)
		}
	}
	for _, store := range []map[string]string{r.LocalStorage, r.SessionStorage} {
		for k, v := range store {
			lk := strings.ToLower(k)
			if strings.Contains(lk, "token") || strings.Contains(lk, "jwt") || strings.Contains(lk, "auth") {
				out = append(out, v)
			}
		}
	}
	return out
}
