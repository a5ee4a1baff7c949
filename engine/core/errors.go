package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies gateway failures. Each layer rewraps lower-level failures
// into one of these before they cross a package boundary; raw engine error
// text never reaches clients.
type Kind string

const (
	KindConfig     Kind = "config"
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindRateLimit  Kind = "rate_limit"
	KindRoute      Kind = "route"
	KindEngine     Kind = "engine"
	KindCache      Kind = "cache"
	KindSerializer Kind = "serializer"
	KindTransport  Kind = "transport"
)

// Serializer sub-kinds carried in Error.Code.
const (
	SerializerMemory      = "memory"
	SerializerCompression = "compression"
	SerializerAbandoned   = "abandoned"
)

// Error is the gateway error envelope.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError attaches a cause to a kinded error.
func WrapError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithCode sets the sub-kind code and returns the error for chaining.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// KindOf extracts the kind of err, or KindEngine when err carries none.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindEngine
}

// StatusCode maps an error kind to the HTTP status returned to clients.
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindRoute:
		return http.StatusNotFound
	case KindConfig:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Sanitize returns the client-facing message for err. Engine and cache
// failures are reduced to a generic message; the original is logged upstream.
func Sanitize(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		switch ge.Kind {
		case KindEngine:
			return "query execution failed"
		case KindCache:
			return "cache refresh failed"
		default:
			return ge.Message
		}
	}
	return "internal server error"
}
