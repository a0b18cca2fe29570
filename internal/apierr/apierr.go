// Package apierr centralizes the error-kind taxonomy and its mapping to HTTP
// status codes and a uniform JSON error shape across every handler group.
package apierr

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind is one of the error kinds from the error-handling design, not a Go
// type hierarchy: every Error carries exactly one Kind.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindAuth             Kind = "auth"
	KindRateLimit        Kind = "rate_limit"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindTransientStore   Kind = "transient_store"
	KindTransientNetwork Kind = "transient_network"
	KindUpstreamStatus   Kind = "upstream_status"
	KindPayloadTooLarge  Kind = "payload_too_large"
	KindInternal         Kind = "internal"
)

var statusByKind = map[Kind]int{
	KindValidation:       http.StatusBadRequest,
	KindAuth:             http.StatusUnauthorized,
	KindRateLimit:        http.StatusTooManyRequests,
	KindNotFound:         http.StatusNotFound,
	KindConflict:         http.StatusConflict,
	KindTransientStore:   http.StatusInternalServerError,
	KindTransientNetwork: http.StatusBadGateway,
	KindUpstreamStatus:   http.StatusBadGateway,
	KindPayloadTooLarge:  http.StatusRequestEntityTooLarge,
	KindInternal:         http.StatusInternalServerError,
}

// Error is the stable error shape carried from domain code to HTTP handlers.
type Error struct {
	Kind    Kind
	Code    string // stable machine code, e.g. "INVALID_JSON"
	Message string
	Err     error // underlying cause, not serialized
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status code for e's Kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an Error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap constructs an Error that carries an underlying cause.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Retryable reports whether Kind represents a condition the caller may
// retry (as opposed to a terminal client/server error).
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientStore, KindTransientNetwork, KindUpstreamStatus, KindRateLimit:
		return true
	default:
		return false
	}
}

// JSON writes err as the uniform error JSON body and sets the response
// status derived from its Kind. correlationID is echoed so clients can
// correlate the failure with server-side logs.
func JSON(c *gin.Context, err *Error, correlationID string) {
	body := gin.H{
		"error": gin.H{
			"code":    err.Code,
			"message": err.Message,
		},
		"correlation_id": correlationID,
	}
	if err.Kind == KindRateLimit {
		c.Header("Retry-After", "3600")
	}
	c.AbortWithStatusJSON(err.Status(), body)
}
