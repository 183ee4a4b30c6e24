// Package core holds the error taxonomy shared by every stage of a transform session.
//
// All codes are terminal for the session that raised them. Callers match them with
// errors.Is against the Err* sentinels or read the code with CodeOf.
package core

import (
	"errors"
	"fmt"
)

// Code classifies a fatal session error.
type Code string

const (
	CodeUnknownOperationKind   Code = "unknown_operation_kind"
	CodeMissingOperationType   Code = "missing_operation_type"
	CodeMissingColumn          Code = "missing_column"
	CodeMissingParameter       Code = "missing_parameter"
	CodeUnsupportedOperation   Code = "unsupported_operation"
	CodeUnsupportedMode        Code = "unsupported_mode"
	CodeTypeMismatch           Code = "type_mismatch"
	CodeSyntaxError            Code = "syntax_error"
	CodeUnsupportedInputFormat Code = "unsupported_input_format"
)

var (
	ErrUnknownOperationKind   = &Error{Code: CodeUnknownOperationKind}
	ErrMissingOperationType   = &Error{Code: CodeMissingOperationType}
	ErrMissingColumn          = &Error{Code: CodeMissingColumn}
	ErrMissingParameter       = &Error{Code: CodeMissingParameter}
	ErrUnsupportedOperation   = &Error{Code: CodeUnsupportedOperation}
	ErrUnsupportedMode        = &Error{Code: CodeUnsupportedMode}
	ErrTypeMismatch           = &Error{Code: CodeTypeMismatch}
	ErrSyntaxError            = &Error{Code: CodeSyntaxError}
	ErrUnsupportedInputFormat = &Error{Code: CodeUnsupportedInputFormat}
)

// Error is a classified session failure.
type Error struct {
	Code Code
	Msg  string
	// Detail carries diagnostic text that is too long for Msg, e.g. the raw inference response.
	Detail string
	Err    error
}

// Errorf builds a classified error. A trailing %w verb wraps the cause as with fmt.Errorf.
func Errorf(code Code, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Code: code, Msg: wrapped.Error(), Err: errors.Unwrap(wrapped)}
}

func (e *Error) Error() string {
	if e == nil {
		return "session error"
	}
	msg := string(e.Code)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Detail != "" {
		msg += "\n" + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// CodeOf returns the code of the first classified error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
