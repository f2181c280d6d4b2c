// Package connector holds the connector registry and the stable error kinds
// shared by every protocol implementation.
package connector

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigError reports a malformed target, template, or protocol config.
// Never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config error: " + e.Reason }

// Configf builds a ConfigError.
func Configf(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// NotConnectedError reports an operation called before (or after) a
// successful connect.
type NotConnectedError struct {
	Op string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("%s called while not connected", e.Op)
}

// UpstreamHTTPError carries a 4xx/5xx from the remote, with the message
// extracted via the response template's error path when available.
type UpstreamHTTPError struct {
	Status  int
	Message string
	Body    string
}

func (e *UpstreamHTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("upstream returned %d", e.Status)
}

// TransportError wraps DNS, connect, TLS, abnormal-close and timeout
// failures. WebSocket connectors retry these internally; HTTP surfaces them.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// ResponseShapeError reports a response path that did not resolve.
type ResponseShapeError struct {
	Path string
}

func (e *ResponseShapeError) Error() string {
	return fmt.Sprintf("response path %q did not resolve", e.Path)
}

// DiscoveryFailedError carries the failing pipeline stage and enough page
// context to debug a widget that could not be driven.
type DiscoveryFailedError struct {
	Stage          string
	PageTitle      string
	PageURL        string
	IframeCount    int
	SelectorsTried []string
	Err            error
}

func (e *DiscoveryFailedError) Error() string {
	msg := fmt.Sprintf("discovery failed at stage %q", e.Stage)
	if e.PageURL != "" {
		msg += fmt.Sprintf(" (page %q title %q, %d iframes)", e.PageURL, e.PageTitle, e.IframeCount)
	}
	if len(e.SelectorsTried) > 0 {
		msg += ", tried selectors: " + strings.Join(e.SelectorsTried, ", ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DiscoveryFailedError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed Socket.IO/Engine.IO frame in a context
// that requires one. The connection is closed when it surfaces.
type ProtocolError struct {
	Frame  string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Frame == "" {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error: %s (frame %.64q)", e.Reason, e.Frame)
}

// RefreshFailedError records one failed scheduled refresh iteration. It is
// written to status, never surfaced to active sessions.
type RefreshFailedError struct {
	TargetID string
	Err      error
}

func (e *RefreshFailedError) Error() string {
	return "refresh failed for target " + e.TargetID + ": " + e.Err.Error()
}

func (e *RefreshFailedError) Unwrap() error { return e.Err }

// UnknownKindError names a connector kind with no registered factory.
type UnknownKindError struct {
	Kind      string
	Available []string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown connector kind %q (available: %s)",
		e.Kind, strings.Join(e.Available, ", "))
}

// ErrDisconnected fails pending WebSocket requests when the connection
// drops underneath them.
var ErrDisconnected = errors.New("connection closed with requests pending")
