// Package apierr defines the error taxonomy shared by the OAuth and portal endpoints.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. The string value is the OAuth2 error code written to clients.
type Kind string

const (
	InvalidRequest          Kind = "invalid_request"
	InvalidClient           Kind = "invalid_client"
	InvalidGrant            Kind = "invalid_grant"
	InvalidScope            Kind = "invalid_scope"
	UnsupportedGrantType    Kind = "unsupported_grant_type"
	UnsupportedResponseType Kind = "unsupported_response_type"
	AccessDenied            Kind = "access_denied"
	PermissionDenied        Kind = "permission_denied"
	Forbidden               Kind = "forbidden"
	NotFound                Kind = "not_found"
	MethodNotAllowed        Kind = "method_not_allowed"
	Conflict                Kind = "conflict"
	Unauthorized            Kind = "unauthorized"
	ServerError             Kind = "server_error"
)

// Status returns the HTTP status used when the error is rendered directly.
func (k Kind) Status() int {
	switch k {
	case InvalidRequest, InvalidGrant, InvalidScope, UnsupportedGrantType, UnsupportedResponseType:
		return http.StatusBadRequest
	case InvalidClient, Unauthorized:
		return http.StatusUnauthorized
	case AccessDenied, PermissionDenied, Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case MethodNotAllowed:
		return http.StatusMethodNotAllowed
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure with a human readable description.
type Error struct {
	Kind        Kind
	Description string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// Newf builds an Error with a formatted description.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and description to an underlying error.
func Wrap(kind Kind, description string, err error) *Error {
	return &Error{Kind: kind, Description: description, Err: err}
}

// KindOf reports the kind of err. Unclassified errors are server errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ServerError
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Description returns the client-safe description of err. Unclassified errors never leak
// their message.
func Description(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Description
	}
	return "internal server error"
}
