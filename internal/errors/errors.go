// Package errors provides the typed error taxonomy shared across the proxy.
package errors

import (
	"fmt"
	"net/http"
)

// Kind is a machine-readable error classification.
type Kind string

const (
	KindConfigInvalid      Kind = "config_invalid"
	KindBindFailed         Kind = "bind_failed"
	KindAuthRequired       Kind = "auth_required"
	KindAuthFailed         Kind = "auth_failed"
	KindTokenStoreCorrupt  Kind = "token_store_corrupt"
	KindRateLimited        Kind = "rate_limited"
	KindEndpointUnavailable Kind = "endpoint_unavailable"
	KindUpstream5xx        Kind = "upstream_5xx"
	KindUpstream4xxOther   Kind = "upstream_4xx_other"
	KindMalformedChunk     Kind = "malformed_chunk"
	KindSchemaInvalid      Kind = "schema_invalid"
	KindToolArgsInvalid    Kind = "tool_args_invalid"
	KindClientCancelled    Kind = "client_cancelled"
	KindDeadlineExceeded   Kind = "deadline_exceeded"
	KindEmptyResponse      Kind = "empty_response"
	KindInternal           Kind = "internal"
)

// ProxyError is the single error type carried through the request pipeline.
type ProxyError struct {
	Kind       Kind
	Message    string
	Status     int
	Retryable  bool
	RetryAfter int64 // milliseconds, 0 if not applicable
	Metadata   map[string]interface{}
	cause      error
}

func (e *ProxyError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ProxyError) Unwrap() error { return e.cause }

// ToJSON renders the Anthropic-shaped error envelope: {type, error:{type,message}}.
func (e *ProxyError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"type": "error",
		"error": map[string]string{
			"type":    string(e.Kind),
			"message": e.Message,
		},
	}
}

func new_(kind Kind, status int, retryable bool, format string, args ...interface{}) *ProxyError {
	return &ProxyError{Kind: kind, Status: status, Retryable: retryable, Message: fmt.Sprintf(format, args...)}
}

func NewConfigInvalid(format string, args ...interface{}) *ProxyError {
	return new_(KindConfigInvalid, http.StatusInternalServerError, false, format, args...)
}

func NewBindFailed(format string, args ...interface{}) *ProxyError {
	return new_(KindBindFailed, http.StatusInternalServerError, false, format, args...)
}

func NewAuthRequired(format string, args ...interface{}) *ProxyError {
	return new_(KindAuthRequired, http.StatusUnauthorized, false, format, args...)
}

func NewAuthFailed(cause error, format string, args ...interface{}) *ProxyError {
	e := new_(KindAuthFailed, http.StatusUnauthorized, true, format, args...)
	e.cause = cause
	return e
}

func NewTokenStoreCorrupt(cause error, format string, args ...interface{}) *ProxyError {
	e := new_(KindTokenStoreCorrupt, http.StatusInternalServerError, false, format, args...)
	e.cause = cause
	return e
}

// NewRateLimited builds a rate_limited error with an explicit Retry-After in milliseconds.
func NewRateLimited(retryAfterMs int64, format string, args ...interface{}) *ProxyError {
	e := new_(KindRateLimited, http.StatusTooManyRequests, true, format, args...)
	e.RetryAfter = retryAfterMs
	return e
}

func NewEndpointUnavailable(format string, args ...interface{}) *ProxyError {
	return new_(KindEndpointUnavailable, http.StatusBadGateway, true, format, args...)
}

func NewUpstream5xx(status int, format string, args ...interface{}) *ProxyError {
	e := new_(KindUpstream5xx, http.StatusBadGateway, true, format, args...)
	e.Metadata = map[string]interface{}{"upstream_status": status}
	return e
}

func NewUpstream4xxOther(status int, format string, args ...interface{}) *ProxyError {
	e := new_(KindUpstream4xxOther, status, false, format, args...)
	return e
}

func NewMalformedChunk(format string, args ...interface{}) *ProxyError {
	return new_(KindMalformedChunk, http.StatusBadGateway, false, format, args...)
}

func NewSchemaInvalid(format string, args ...interface{}) *ProxyError {
	return new_(KindSchemaInvalid, http.StatusBadRequest, false, format, args...)
}

func NewToolArgsInvalid(format string, args ...interface{}) *ProxyError {
	return new_(KindToolArgsInvalid, http.StatusBadRequest, false, format, args...)
}

func NewClientCancelled() *ProxyError {
	return new_(KindClientCancelled, 499, false, "client closed the connection")
}

func NewDeadlineExceeded(format string, args ...interface{}) *ProxyError {
	return new_(KindDeadlineExceeded, http.StatusGatewayTimeout, false, format, args...)
}

func NewEmptyResponse(format string, args ...interface{}) *ProxyError {
	return new_(KindEmptyResponse, http.StatusBadGateway, true, format, args...)
}

func NewInternal(cause error, format string, args ...interface{}) *ProxyError {
	e := new_(KindInternal, http.StatusInternalServerError, false, format, args...)
	e.cause = cause
	return e
}

// As reports whether err is a *ProxyError and returns it.
func As(err error) (*ProxyError, bool) {
	pe, ok := err.(*ProxyError)
	return pe, ok
}

// HTTPStatus returns the HTTP status to use for err, defaulting to 500 for
// anything that isn't a *ProxyError.
func HTTPStatus(err error) int {
	if pe, ok := As(err); ok {
		if pe.Status != 0 {
			return pe.Status
		}
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether err should be retried by the quota manager.
func IsRetryable(err error) bool {
	pe, ok := As(err)
	return ok && pe.Retryable
}
