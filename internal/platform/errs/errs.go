package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code surfaced to API clients.
type Code string

const (
	CodeContentHashMismatch      Code = "ContentHashMismatch"
	CodeExpiredCertificate       Code = "ExpiredCertificate"
	CodeRevoked                  Code = "Revoked"
	CodeCryptographicMismatch    Code = "CryptographicMismatch"
	CodeUnsupportedAlgorithm     Code = "UnsupportedAlgorithm"
	CodeAlreadyRevoked           Code = "AlreadyRevoked"
	CodeRecordAlreadySigned      Code = "RecordAlreadySigned"
	CodeImmutableRecordViolation Code = "ImmutableRecordViolation"
	CodeNotFound                 Code = "NotFound"
	CodeUnauthorized             Code = "Unauthorized"
	CodeInvalidArgument          Code = "InvalidArgument"
	CodeInternal                 Code = "Internal"
)

// Error is an operational error: expected, recoverable by the caller, and
// carried across package boundaries with a stable code plus human message.
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

// New creates an operational error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an operational error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the operational code of err, or CodeInternal when err is not
// an operational error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given operational code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// MessageOf returns the human message of an operational error. Unexpected
// errors get an opaque message so internals never leak to callers.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps an operational code to the HTTP status handlers respond with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeAlreadyRevoked, CodeRecordAlreadySigned, CodeImmutableRecordViolation:
		return http.StatusConflict
	case CodeContentHashMismatch, CodeExpiredCertificate, CodeRevoked,
		CodeCryptographicMismatch, CodeUnsupportedAlgorithm:
		return http.StatusUnprocessableEntity
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
