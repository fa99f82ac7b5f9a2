// Package apperr carries the string error codes the HTTP layer maps to status codes.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeInvalidRequest Code = "invalid_request"
	CodeUnauthorized   Code = "unauthorized"
	CodeForbidden      Code = "forbidden"
	CodeNotFound       Code = "not_found"
	CodeConflict       Code = "conflict"
	CodeValidation     Code = "validation"
	// CodeInternal is never constructed directly; CodeOf returns it for plain errors.
	CodeInternal Code = "internal"
)

// Error is an expected, client-facing failure.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, msg string) *Error { return &Error{Code: code, Message: msg} }

// Wrap keeps err reachable through errors.Is/As.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func InvalidRequest(msg string) *Error { return New(CodeInvalidRequest, msg) }
func Unauthorized(msg string) *Error   { return New(CodeUnauthorized, msg) }
func Forbidden(msg string) *Error      { return New(CodeForbidden, msg) }
func NotFound(msg string) *Error       { return New(CodeNotFound, msg) }
func Conflict(msg string) *Error       { return New(CodeConflict, msg) }
func Validation(msg string) *Error     { return New(CodeValidation, msg) }

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
