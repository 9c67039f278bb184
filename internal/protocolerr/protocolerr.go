// Package protocolerr enumerates the canonical error kinds the durable
// streams protocol surfaces to clients and maps each to the HTTP status and
// headers the wire contract requires. The store package returns ordinary Go
// errors, which the handler converts to one of these kinds at the boundary;
// bodylimit returns these errors directly. Nothing else reaches the client.
package protocolerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is one of the canonical protocol error kinds.
type Kind int

const (
	// Internal is the zero value so an unrecognized error maps here.
	Internal Kind = iota
	BadRequest
	PayloadTooLarge
	NotFound
	Conflict
	Gone
	RateLimited
	NotSupported
)

// Error is a protocol-level error carrying its canonical kind plus whatever
// extra data its status mapping needs (Retry-After, the configured body
// size cap).
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // set only for RateLimited, when known
	MaxBytes   int64         // set only for PayloadTooLarge
	cause      error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case PayloadTooLarge:
		return "payload_too_large"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Gone:
		return "gone"
	case RateLimited:
		return "rate_limit_exceeded"
	case NotSupported:
		return "not_supported"
	default:
		return "internal_error"
	}
}

// New builds a protocol error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind to an underlying error, preserving it for errors.Is/As.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: cause.Error(), cause: cause}
}

// TooLarge builds a PayloadTooLarge error carrying the configured cap.
func TooLarge(maxBytes int64) *Error {
	return &Error{Kind: PayloadTooLarge, Message: "payload too large", MaxBytes: maxBytes}
}

// Limited builds a RateLimited error, optionally carrying a retry interval.
func Limited(retryAfter time.Duration) *Error {
	return &Error{Kind: RateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// FromError classifies an arbitrary error into a protocol Error. Errors
// already of type *Error pass through unchanged; everything else becomes
// Internal, which is the only safe default — the core never leaks a
// store-layer error to the client.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return Wrap(Internal, err)
}

// WriteHeaders applies the status-mapping table from the protocol spec:
// every kind maps 1-to-1 to a status code and, where applicable, a header.
// It does not write the status line or body; callers control that so they
// can attach their own headers and choose the body before finishing the
// response.
func (e *Error) WriteHeaders(h http.Header) int {
	switch e.Kind {
	case BadRequest:
		h.Set("X-Error", "bad_request")
		return http.StatusBadRequest
	case PayloadTooLarge:
		if e.MaxBytes > 0 {
			h.Set("X-Max-Size", fmt.Sprintf("%d", e.MaxBytes))
		}
		return http.StatusRequestEntityTooLarge
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Gone:
		return http.StatusGone
	case RateLimited:
		h.Set("X-Error", "rate_limit_exceeded")
		if e.RetryAfter > 0 {
			h.Set("Retry-After", fmt.Sprintf("%d", int(e.RetryAfter.Seconds())))
		}
		return http.StatusTooManyRequests
	case NotSupported:
		return http.StatusNotImplemented
	default:
		h.Set("X-Error", "internal_error")
		return http.StatusInternalServerError
	}
}
