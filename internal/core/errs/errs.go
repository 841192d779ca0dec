// Package errs defines the closed set of admission/scheduling error kinds
// from spec.md §7 and their mapping to HTTP status codes.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error kinds spec.md §7 names.
type Kind string

const (
	MalformedRequest     Kind = "malformed_request"
	Unauthorized         Kind = "unauthorized"
	Disabled             Kind = "disabled"
	Expired              Kind = "expired"
	Forbidden            Kind = "forbidden"
	ModelNotAllowed      Kind = "model_not_allowed"
	ClientNotAllowed     Kind = "client_not_allowed"
	TokenLimitExceeded   Kind = "token_limit_exceeded"
	DailyCostExceeded    Kind = "daily_cost_exceeded"
	RateLimited          Kind = "rate_limited"
	ConcurrencyExceeded  Kind = "concurrency_exceeded"
	NoAvailableAccounts  Kind = "no_available_accounts"
	GroupMisconfigured   Kind = "group_misconfigured"
	UpstreamError        Kind = "upstream_error"
	InternalError        Kind = "internal_error"
)

// Error is the typed error admission and scheduling return. The Message is
// always safe to surface to the client; Cause, when present, is for logs
// only.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind carrying a cause for logs.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As is a thin wrapper over errors.As for the common case of extracting
// the Kind from an arbitrary error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the status code spec.md §6/§7 requires.
func HTTPStatus(kind Kind) int {
	switch kind {
	case MalformedRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Disabled, Expired, Forbidden, ModelNotAllowed, ClientNotAllowed:
		return http.StatusForbidden
	case RateLimited, ConcurrencyExceeded, TokenLimitExceeded, DailyCostExceeded:
		return http.StatusTooManyRequests
	case NoAvailableAccounts, GroupMisconfigured:
		return http.StatusServiceUnavailable
	case UpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
