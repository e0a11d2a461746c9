// Package apperrors defines the error taxonomy shared by the escrow,
// dispute and settlement packages.
//
// Every domain error carries a kind (validation, not found, state conflict,
// invariant violation, chain adapter) and a stable machine-readable code.
// Callers can match either the specific sentinel declared by a package or
// the kind:
//
//	errors.Is(err, dispute.ErrDuplicateDispute) // specific
//	errors.Is(err, apperrors.ErrStateConflict)  // kind
package apperrors

import (
	"errors"
	"net/http"
)

// Kind sentinels.
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrStateConflict = errors.New("state conflict")
	ErrInvariant     = errors.New("invariant violation")
	ErrChainAdapter  = errors.New("chain adapter error")
)

// Error is a coded domain error of a given kind.
type Error struct {
	kind  error
	cause error
	Code  string
	Msg   string
}

func (e *Error) Error() string { return e.Msg }

// Unwrap exposes the kind so errors.Is(err, ErrStateConflict) matches, and
// the cause when one was attached.
func (e *Error) Unwrap() []error {
	if e.cause != nil {
		return []error{e.kind, e.cause}
	}
	return []error{e.kind}
}

// Is matches another *Error of the same kind and code, so a sentinel still
// matches after WithCause or WithMessage copies it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == t.kind && e.Code == t.Code
}

// WithCause returns a copy of e that also unwraps to cause.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// WithMessage returns a copy of e with a more specific message.
func (e *Error) WithMessage(msg string) *Error {
	cp := *e
	cp.Msg = msg
	return &cp
}

// Validation returns a new validation error.
func Validation(code, msg string) *Error { return &Error{kind: ErrValidation, Code: code, Msg: msg} }

// NotFound returns a new not-found error.
func NotFound(code, msg string) *Error { return &Error{kind: ErrNotFound, Code: code, Msg: msg} }

// StateConflict returns a new state-conflict error.
func StateConflict(code, msg string) *Error {
	return &Error{kind: ErrStateConflict, Code: code, Msg: msg}
}

// Invariant returns a new invariant-violation error.
func Invariant(code, msg string) *Error { return &Error{kind: ErrInvariant, Code: code, Msg: msg} }

// ChainAdapter returns a new chain-adapter error.
func ChainAdapter(code, msg string) *Error {
	return &Error{kind: ErrChainAdapter, Code: code, Msg: msg}
}

// Code returns the code of the first *Error in err's chain, or
// "internal_error" when there is none.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

// HTTPStatus maps an error to the HTTP status code the API returns for it.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvariant):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrChainAdapter):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether the caller may safely retry the operation
// that produced err. Only chain adapter failures are retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrChainAdapter)
}
