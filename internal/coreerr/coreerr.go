// Package coreerr defines the typed error vocabulary shared across the
// protocol parser, template engine, plugin runtime, distributed channel,
// and file fetcher.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind is a stable error-kind identifier. Callers should compare kinds with
// errors.As + (*Error).Kind rather than matching on message text.
type Kind string

const (
	KindProtocolParseError      Kind = "protocol-parse-error"
	KindInvalidToolRequest      Kind = "invalid-tool-request"
	KindInvalidParameterFormat  Kind = "invalid-parameter-format"
	KindToolNotFound            Kind = "tool-not-found"
	KindToolExecutionFailed     Kind = "tool-execution-failed"
	KindToolTimeout             Kind = "tool-timeout"
	KindInvalidToolArgs         Kind = "invalid-tool-args"
	KindVariableResolveError    Kind = "variable-resolve-error"
	KindCircularDependency      Kind = "circular-dependency"
	KindMaxRecursionDepth       Kind = "max-recursion-depth"
	KindProviderNotFound        Kind = "provider-not-found"
	KindDistributedConnection   Kind = "distributed-connection-error"
	KindDistributedTimeout      Kind = "distributed-timeout"
	KindDistributedAuthFailed   Kind = "distributed-auth-failed"
	KindPluginLoadError         Kind = "plugin-load-error"
	KindPluginInitError         Kind = "plugin-init-error"
	KindPluginNotFound          Kind = "plugin-not-found"
	KindInvalidPluginManifest   Kind = "invalid-plugin-manifest"
	KindWebsocketConnectionErr  Kind = "websocket-connection-error"
	KindWebsocketAuthFailed     Kind = "websocket-auth-failed"
	KindWebsocketMessageError   Kind = "websocket-message-error"
	KindInvalidConfig           Kind = "invalid-config"
	KindMissingRequiredConfig   Kind = "missing-required-config"
)

// Error is the typed error carried across every module boundary.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New constructs an Error with no wrapped cause.
func New(kind Kind, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

// Wrap constructs an Error that wraps an underlying cause.
func Wrap(kind Kind, message string, cause error, details map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Details: details, Wrapped: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
