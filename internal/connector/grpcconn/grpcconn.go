// Package grpcconn implements the gRPC connector: a unary method named in
// the protocol config is invoked dynamically against a caller-supplied
// FileDescriptorSet, so no generated stubs are needed per target.
package grpcconn

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/krawall/krawall/connector-runtime/internal/auth"
	"github.com/krawall/krawall/connector-runtime/internal/connector"
	"github.com/krawall/krawall/connector-runtime/internal/template"
	"github.com/krawall/krawall/connector-runtime/pkg/contracts"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

const defaultTimeout = 30 * time.Second

// Connector invokes one unary gRPC method per send.
type Connector struct {
	target *models.Target
	method protoreflect.MethodDescriptor
	conn   *grpc.ClientConn
	gate   connector.ConnectGate
}

// Factory builds a gRPC connector for the registry.
func Factory(target *models.Target, _ connector.Deps) (contracts.Connector, error) {
	return New(target)
}

// New resolves the method descriptor from the configured descriptor set.
func New(target *models.Target) (*Connector, error) {
	p := target.Protocol.GetGRPC()
	if p == nil {
		return nil, connector.Configf("grpc target %s has no grpc protocol config", target.ID)
	}
	if target.RequestTemplate == nil {
		return nil, connector.Configf("grpc target %s has no request template", target.ID)
	}
	if p.Service == "" || p.Method == "" {
		return nil, connector.Configf("grpc target %s needs service and method", target.ID)
	}

	method, err := resolveMethod(p)
	if err != nil {
		return nil, err
	}
	return &Connector{target: target, method: method}, nil
}

// resolveMethod loads the FileDescriptorSet and finds the unary method.
func resolveMethod(p *models.GRPCProtocolConfig) (protoreflect.MethodDescriptor, error) {
	var raw []byte
	var err error
	switch {
	case p.DescriptorSet != "":
		raw, err = base64.StdEncoding.DecodeString(p.DescriptorSet)
		if err != nil {
			return nil, connector.Configf("descriptor set is not valid base64: %v", err)
		}
	case p.DescriptorFile != "":
		raw, err = os.ReadFile(p.DescriptorFile)
		if err != nil {
			return nil, connector.Configf("read descriptor file: %v", err)
		}
	default:
		return nil, connector.Configf("grpc config needs descriptor_set or descriptor_file")
	}

	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(raw, &set); err != nil {
		return nil, connector.Configf("parse descriptor set: %v", err)
	}
	files, err := protodesc.NewFiles(&set)
	if err != nil {
		return nil, connector.Configf("build descriptor registry: %v", err)
	}

	desc, err := files.FindDescriptorByName(protoreflect.FullName(p.Service))
	if err != nil {
		return nil, connector.Configf("service %q not in descriptor set", p.Service)
	}
	svc, ok := desc.(protoreflect.ServiceDescriptor)
	if !ok {
		return nil, connector.Configf("%q is not a service", p.Service)
	}
	method := svc.Methods().ByName(protoreflect.Name(p.Method))
	if method == nil {
		return nil, connector.Configf("method %q not on service %q", p.Method, p.Service)
	}
	if method.IsStreamingClient() || method.IsStreamingServer() {
		return nil, connector.Configf("method %q is streaming; only unary is supported", p.Method)
	}
	return method, nil
}

// Connect dials the endpoint.
func (c *Connector) Connect(ctx context.Context) error {
	return c.gate.Do(ctx, func() error {
		p := c.target.Protocol.GetGRPC()
		creds := credentials.NewTLS(&tls.Config{})
		if p.Plaintext {
			creds = insecure.NewCredentials()
		}
		conn, err := grpc.NewClient(c.target.Endpoint, grpc.WithTransportCredentials(creds))
		if err != nil {
			return &connector.TransportError{Op: "grpc dial", Err: err}
		}
		c.conn = conn
		return nil
	})
}

func (c *Connector) Disconnect(context.Context) error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.gate.Reset()
	return nil
}

func (c *Connector) IsConnected() bool { return c.gate.Connected() && c.conn != nil }

func (c *Connector) SupportsStreaming() bool { return false }

// Send builds the request message from the template, invokes the unary
// method, and projects the reply rendered as structured data.
func (c *Connector) Send(ctx context.Context, msg string, meta *models.SendMeta) (*models.SendResult, error) {
	if !c.IsConnected() {
		return nil, &connector.NotConnectedError{Op: "send"}
	}
	p := c.target.Protocol.GetGRPC()

	timeout := defaultTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	var extraVars map[string]string
	if meta != nil {
		extraVars = meta.Variables
		if meta.TimeoutMs > 0 {
			timeout = time.Duration(meta.TimeoutMs) * time.Millisecond
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := template.BuildRequest(msg, c.target.RequestTemplate, extraVars)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, connector.Configf("marshal request body: %v", err)
	}

	req := dynamicpb.NewMessage(c.method.Input())
	if err := protojson.Unmarshal(payload, req); err != nil {
		return nil, connector.Configf("templated body does not match %s: %v", c.method.Input().FullName(), err)
	}
	resp := dynamicpb.NewMessage(c.method.Output())

	headers, err := auth.Headers(c.target.AuthKind, c.target.AuthConfig)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		pairs := make([]string, 0, len(headers)*2)
		for k, v := range headers {
			pairs = append(pairs, k, v)
		}
		ctx = metadata.AppendToOutgoingContext(ctx, pairs...)
	}

	fullMethod := fmt.Sprintf("/%s/%s", c.method.Parent().FullName(), c.method.Name())
	start := time.Now()
	if err := c.conn.Invoke(ctx, fullMethod, req, resp); err != nil {
		return nil, &connector.TransportError{Op: "grpc invoke", Err: err}
	}
	latency := time.Since(start).Milliseconds()

	rendered, err := protojson.Marshal(resp)
	if err != nil {
		return nil, &connector.TransportError{Op: "render reply", Err: err}
	}
	var raw interface{}
	if err := json.Unmarshal(rendered, &raw); err != nil {
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

// HealthCheck reports the channel state; gRPC channels reconnect lazily,
// so a non-shutdown channel is considered healthy.
func (c *Connector) HealthCheck(ctx context.Context) (*models.HealthStatus, error) {
	if !c.IsConnected() {
		return nil, &connector.NotConnectedError{Op: "healthCheck"}
	}
	state := c.conn.GetState().String()
	healthy := state != "SHUTDOWN" && state != "TRANSIENT_FAILURE"
	status := &models.HealthStatus{Healthy: healthy}
	if !healthy {
		status.Error = "channel state " + state
	}
	return status, nil
}

func responsePath(t *models.Target) string {
	if t.ResponseTemplate != nil {
		return t.ResponseTemplate.ResponsePath
	}
	return ""
}
