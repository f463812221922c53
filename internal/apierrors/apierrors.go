// Package apierrors is the public-API error taxonomy (spec.md §7),
// adapted from the teacher's internal/errors package: a single Error type
// tagged with a Kind, and shared Respond/Abort gin.Context helpers for all
// kinds, emitting the protocol's own envelope shape instead of the
// teacher's internal one.
package apierrors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind is the error taxonomy named in spec.md §7 — kinds, not names.
type Kind string

const (
	KindAuthError            Kind = "AuthError"
	KindRateLimitError       Kind = "RateLimitError"
	KindNoAvailableProvider  Kind = "NoAvailableProvider"
	KindUpstreamAuthFailure  Kind = "UpstreamAuthFailure"
	KindUpstreamTransport    Kind = "UpstreamTransportError"
	KindUpstreamProtocol     Kind = "UpstreamProtocolError"
	KindInvalidRequest       Kind = "InvalidRequest"
	KindInternal             Kind = "Internal"
)

// statusOf maps a Kind to its HTTP status code per §7.
func statusOf(k Kind) int {
	switch k {
	case KindAuthError:
		return http.StatusUnauthorized
	case KindRateLimitError:
		return http.StatusTooManyRequests
	case KindNoAvailableProvider:
		return http.StatusServiceUnavailable
	case KindUpstreamAuthFailure, KindUpstreamTransport, KindUpstreamProtocol:
		return http.StatusBadGateway
	case KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func statusString(code int) string {
	switch code {
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusBadGateway:
		return "UNAVAILABLE"
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	default:
		return "INTERNAL"
	}
}

// Error is the taxonomy-tagged error type threaded through the executor.
// It carries the Kind so the executor's retry/propagation policy (§7) can
// branch on it without string matching.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a taxonomy error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// StatusCode returns the HTTP status code this error maps to.
func (e *Error) StatusCode() int { return statusOf(e.Kind) }

// Recoverable reports whether the executor's retry-with-substitution
// policy applies to this kind (§7 propagation policy).
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case KindUpstreamAuthFailure, KindUpstreamTransport, KindUpstreamProtocol:
		return true
	default:
		return false
	}
}

// envelope is the JSON body shape of the protocol being re-exposed.
type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Respond writes err as a protocol-shaped JSON error response without
// aborting the gin context (used when a response has already started to
// stream and only a final error frame remains to be written).
func Respond(c *gin.Context, err *Error) {
	code := err.StatusCode()
	c.JSON(code, envelope{Error: envelopeBody{
		Code:    code,
		Message: err.Message,
		Status:  statusString(code),
	}})
}

// Abort writes err as above and aborts the gin context.
func Abort(c *gin.Context, err *Error) {
	code := err.StatusCode()
	c.AbortWithStatusJSON(code, envelope{Error: envelopeBody{
		Code:    code,
		Message: err.Message,
		Status:  statusString(code),
	}})
}
