package apperr

import (
	"errors"
	"fmt"
)

type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func Validation(msg string) error {
	return New(CodeValidation, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func Conflict(msg string) error {
	return New(CodeConflict, msg)
}

func Policy(msg string) error {
	return New(CodePolicy, msg)
}

func Permission(msg string) error {
	return New(CodePermission, msg)
}

func Upstream(msg string, cause error) error {
	return Wrap(CodeUpstream, msg, cause)
}

func Infra(msg string, cause error) error {
	return Wrap(CodeInfrastructure, msg, cause)
}

// CodeOf extracts the taxonomy code from err, walking the wrap chain.
// Untyped errors report CodeUnknown and should be treated as infrastructure
// failures at the boundary.
func CodeOf(err error) Code {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code
	}
	return CodeUnknown
}

// MessageOf returns the caller-facing message for err. Infrastructure and
// unknown errors report a generic message so internal detail never leaks.
func MessageOf(err error) string {
	var app *AppError
	if errors.As(err, &app) {
		switch app.Code {
		case CodeInfrastructure, CodeUnknown:
			return "internal error"
		default:
			return app.Message
		}
	}
	return "internal error"
}
