// Package errors provides the gateway's unified error taxonomy: eight
// kinds, each with a default HTTP status and a retryability verdict.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the eight error kinds the dispatch pipeline classifies
// every failure into.
type Kind string

const (
	// KindConfig is unrecoverable at start; fatal.
	KindConfig Kind = "config"
	// KindAuth maps to 401/403; logged but not retried.
	KindAuth Kind = "auth"
	// KindUnavailable is a transient backend failure; retryable, drives
	// the circuit breaker.
	KindUnavailable Kind = "unavailable"
	// KindConflict is CAS/dedup contention; treated as a successful
	// Deduplicated in dedup context, else surfaced.
	KindConflict Kind = "conflict"
	// KindValidation is a malformed action, unknown provider, or unknown
	// rule; 4xx.
	KindValidation Kind = "validation"
	// KindTimeout is per-stage; retryable unless caller-initiated.
	KindTimeout Kind = "timeout"
	// KindPolicy is deny/suppress/throttle/quota; a user-facing outcome,
	// not an error.
	KindPolicy Kind = "policy"
	// KindInternal is an invariant violation; audited and returned as 500.
	KindInternal Kind = "internal"
)

var defaultStatus = map[Kind]int{
	KindConfig:      http.StatusInternalServerError,
	KindAuth:        http.StatusUnauthorized,
	KindUnavailable: http.StatusServiceUnavailable,
	KindConflict:    http.StatusConflict,
	KindValidation:  http.StatusBadRequest,
	KindTimeout:     http.StatusGatewayTimeout,
	KindPolicy:      http.StatusOK,
	KindInternal:    http.StatusInternalServerError,
}

var defaultRetryable = map[Kind]bool{
	KindConfig:      false,
	KindAuth:        false,
	KindUnavailable: true,
	KindConflict:    false,
	KindValidation:  false,
	KindTimeout:     true,
	KindPolicy:      false,
	KindInternal:    false,
}

// GatewayError is a structured error carrying a kind, HTTP status,
// retryability, a correlation id, and optional details.
type GatewayError struct {
	Kind          Kind                   `json:"code"`
	Message       string                 `json:"message"`
	HTTPStatus    int                    `json:"-"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Err           error                  `json:"-"`
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Retryable reports whether the kind is retryable by default, unless
// the caller cancelled the operation (spec.md §7: Timeout is retryable
// "unless caller-initiated").
func (e *GatewayError) Retryable() bool {
	if e.Kind == KindTimeout && errors.Is(e.Err, context.Canceled) {
		return false
	}
	return defaultRetryable[e.Kind]
}

// WithDetails attaches a key/value pair to the error's Details map.
func (e *GatewayError) WithDetails(key string, value interface{}) *GatewayError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCorrelationID attaches a correlation id for the user-visible
// {code, message, retryable} response shape (spec.md §7).
func (e *GatewayError) WithCorrelationID(id string) *GatewayError {
	e.CorrelationID = id
	return e
}

// New constructs a GatewayError of the given kind with the kind's
// default HTTP status.
func New(kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, HTTPStatus: defaultStatus[kind]}
}

// Wrap constructs a GatewayError of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, HTTPStatus: defaultStatus[kind], Err: err}
}

// As reports whether err (or something it wraps) is a *GatewayError and
// returns it.
func As(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// KindOf classifies err's kind, defaulting to KindInternal for errors
// that were never wrapped as a GatewayError.
func KindOf(err error) Kind {
	if ge, ok := As(err); ok {
		return ge.Kind
	}
	return KindInternal
}

// Convenience constructors, one per kind, mirroring the teacher's
// per-category helper style.

func Config(message string) *GatewayError      { return New(KindConfig, message) }
func Auth(message string) *GatewayError         { return New(KindAuth, message) }
func Unavailable(message string) *GatewayError  { return New(KindUnavailable, message) }
func Conflict(message string) *GatewayError     { return New(KindConflict, message) }
func Validation(message string) *GatewayError   { return New(KindValidation, message) }
func Timeout(message string) *GatewayError      { return New(KindTimeout, message) }
func Policy(message string) *GatewayError       { return New(KindPolicy, message) }
func Internal(message string) *GatewayError     { return New(KindInternal, message) }
