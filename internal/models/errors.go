package models

import (
	"errors"
	"fmt"
)

// AppError is a structured application error with HTTP status code.
type AppError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *AppError) Error() string { return e.Message }

// Error constructors.
var (
	ErrNotFound = func(msg string) *AppError {
		return &AppError{Code: "NOT_FOUND", Message: msg, Status: 404}
	}
	ErrInternal = func(msg string) *AppError {
		return &AppError{Code: "INTERNAL", Message: msg, Status: 500}
	}
	ErrUnavailable = func(msg string) *AppError {
		return &AppError{Code: "UNAVAILABLE", Message: msg, Status: 503}
	}
)

// ErrorKind classifies configuration synchronization failures.
type ErrorKind string

const (
	// KindNotFound means the remote document does not exist.
	KindNotFound ErrorKind = "NotFound"
	// KindTransport means the live channel itself failed (network, permission).
	KindTransport ErrorKind = "TransportError"
	// KindScopeMissing means a consumer read outside an active scope.
	KindScopeMissing ErrorKind = "ScopeMissing"
)

// User-facing messages surfaced through ConfigView.Error.
const (
	MsgNotFound     = "No se encontró la configuración"
	MsgTransport    = "Error al conectar con Firebase"
	MsgScopeMissing = "configctx: read outside an active config scope"
)

// ConfigError describes a failure of the configuration channel.
// Message is what consumers display; Err is the underlying cause, if any.
type ConfigError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Is reports whether target is a ConfigError of the same kind.
func (e *ConfigError) Is(target error) bool {
	t, ok := target.(*ConfigError)
	return ok && e != nil && t != nil && t.Kind == e.Kind
}

// NotFoundError returns the error recorded when the document is absent.
func NotFoundError() *ConfigError {
	return &ConfigError{Kind: KindNotFound, Message: MsgNotFound}
}

// TransportError wraps a channel-level failure.
func TransportError(err error) *ConfigError {
	return &ConfigError{Kind: KindTransport, Message: MsgTransport, Err: err}
}

// ScopeMissingError returns the programming error raised by reads outside a scope.
func ScopeMissingError() *ConfigError {
	return &ConfigError{Kind: KindScopeMissing, Message: MsgScopeMissing}
}

// KindOf returns the ErrorKind of err, or "" when err is not a ConfigError.
func KindOf(err error) ErrorKind {
	var ce *ConfigError
	if errors.As(err, &ce) && ce != nil {
		return ce.Kind
	}
	return ""
}
