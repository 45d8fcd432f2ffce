// Package errors contains the error taxonomy surfaced at the API boundary.
// Every error carries a machine-readable kind and a human-readable detail;
// validation errors additionally carry per-field details.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/scopeq/scopeq/pkg/storage"
)

const InternalServerErrorMsg = "Internal Server Error"

// Kind enumerates the error classes a client can receive.
type Kind string

const (
	KindUnauthenticated  Kind = "unauthenticated"
	KindPermissionDenied Kind = "permission_denied"
	KindValidation       Kind = "validation_error"
	KindInvalidQuery     Kind = "invalid_query"
	KindNotFound         Kind = "not_found"
	KindMultipleObjects  Kind = "multiple_objects_returned"
	KindTimeout          Kind = "deadline_exceeded"
	KindInternal         Kind = "internal_error"
)

// Error is the API-visible error type. The zero value is not usable; build
// instances through the constructors below.
type Error struct {
	kind   Kind
	status int
	detail string
	fields map[string]string
}

var _ error = (*Error)(nil)

func (e *Error) Error() string { return e.detail }

func (e *Error) Kind() Kind { return e.kind }

// HTTPStatus returns the HTTP status code the error maps to.
func (e *Error) HTTPStatus() int { return e.status }

// FieldErrors returns per-field validation details, or nil.
func (e *Error) FieldErrors() map[string]string { return e.fields }

// ErrMissingBearerToken is returned when an authenticated method is
// configured and the request carried no credentials at all.
var ErrMissingBearerToken = Unauthenticated("missing bearer token")

func Unauthenticated(detail string) *Error {
	return &Error{kind: KindUnauthenticated, status: http.StatusUnauthorized, detail: detail}
}

func PermissionDenied(detail string) *Error {
	return &Error{kind: KindPermissionDenied, status: http.StatusForbidden, detail: detail}
}

// ActionNotAllowed reports a model-level action denial.
func ActionNotAllowed(action, model string) *Error {
	return PermissionDenied(fmt.Sprintf("action '%s' is not allowed on model '%s'", action, model))
}

// ObjectActionNotAllowed reports an instance-level action denial.
func ObjectActionNotAllowed(action, model string) *Error {
	return PermissionDenied(fmt.Sprintf("action '%s' is not allowed on this '%s' instance", action, model))
}

func ValidationError(detail string, fields map[string]string) *Error {
	return &Error{kind: KindValidation, status: http.StatusBadRequest, detail: detail, fields: fields}
}

// InvalidQuery reports a structurally malformed AST. It is raised before any
// store I/O happens.
func InvalidQuery(detail string) *Error {
	return &Error{kind: KindInvalidQuery, status: http.StatusBadRequest, detail: detail}
}

func NotFound(model string) *Error {
	return &Error{kind: KindNotFound, status: http.StatusNotFound, detail: fmt.Sprintf("no '%s' instance matches the given query", model)}
}

func UnknownModel(model string) *Error {
	return &Error{kind: KindNotFound, status: http.StatusNotFound, detail: fmt.Sprintf("model '%s' is not registered", model)}
}

func MultipleObjectsReturned(model string) *Error {
	return &Error{kind: KindMultipleObjects, status: http.StatusBadRequest, detail: fmt.Sprintf("query for a single '%s' instance matched more than one row", model)}
}

func RequestDeadlineExceeded() *Error {
	return &Error{kind: KindTimeout, status: http.StatusGatewayTimeout, detail: "the query did not complete within the configured statement timeout"}
}

// InternalError keeps the cause of a failure out of the API response while
// preserving it for logs.
type InternalError struct {
	public   *Error
	internal error
}

func (e InternalError) Error() string { return e.public.Error() }

func (e InternalError) Kind() Kind { return KindInternal }

func (e InternalError) HTTPStatus() int { return http.StatusInternalServerError }

func (e InternalError) Internal() error { return e.internal }

func (e InternalError) Unwrap() error { return e.internal }

func NewInternalError(public string, internal error) InternalError {
	if public == "" {
		public = InternalServerErrorMsg
	}

	return InternalError{
		public:   &Error{kind: KindInternal, status: http.StatusInternalServerError, detail: public},
		internal: internal,
	}
}

// HandleError classifies err for the API boundary. Storage sentinels and
// context deadline expiry get their public shapes; *Error values pass
// through; anything else is wrapped as an internal error.
func HandleError(model string, err error) error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var internalErr InternalError
	if errors.As(err, &internalErr) {
		return internalErr
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return NotFound(model)
	case errors.Is(err, storage.ErrTransactionalWriteFailed):
		return ValidationError("the write could not be applied", nil)
	case errors.Is(err, context.DeadlineExceeded):
		return RequestDeadlineExceeded()
	default:
		return NewInternalError("", err)
	}
}

// HTTPStatus extracts the status code for any error produced by this package,
// defaulting to 500.
func HTTPStatus(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatus()
	}
	var internalErr InternalError
	if errors.As(err, &internalErr) {
		return internalErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// ErrorKind extracts the taxonomy kind for any error, defaulting to internal.
func ErrorKind(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind()
	}
	var internalErr InternalError
	if errors.As(err, &internalErr) {
		return internalErr.Kind()
	}
	return KindInternal
}
