package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Status  int       `json:"status,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrBadRequest
	ErrUnauthorized
	ErrForbidden
	ErrInternal
	ErrUnavailable
	ErrRateLimited
	ErrConflict
)

// Error constructors
func NewNotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func NewBadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    ErrBadRequest,
		Status:  http.StatusBadRequest,
		Message: message,
		Err:     err,
	}
}

func NewInternal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Err:     err,
	}
}

// Common errors
func NotFound(resource string, err error) *AppError {
	return NewNotFound(resource, err)
}

func BadRequest(message string, err error) *AppError {
	return NewBadRequest(message, err)
}

func Internal(err error) *AppError {
	return NewInternal(err)
}

func Unauthorized(err error) *AppError {
	return &AppError{
		Code:    ErrUnauthorized,
		Status:  http.StatusUnauthorized,
		Message: "unauthorized",
		Err:     err,
	}
}

func Unavailable(message string, err error) *AppError {
	return &AppError{
		Code:    ErrUnavailable,
		Status:  http.StatusServiceUnavailable,
		Message: message,
		Err:     err,
	}
}

func Conflict(message string, err error) *AppError {
	return &AppError{
		Code:    ErrConflict,
		Status:  http.StatusConflict,
		Message: message,
		Err:     err,
	}
}

// FromStatus builds an AppError for a non-2xx API response. message is the
// server supplied error text; the status text is used when it is empty.
func FromStatus(status int, message string) *AppError {
	message = strings.TrimSpace(message)
	if message == "" {
		message = http.StatusText(status)
	}

	code := ErrInternal
	switch {
	case status == http.StatusNotFound:
		code = ErrNotFound
	case status == http.StatusUnauthorized:
		code = ErrUnauthorized
	case status == http.StatusForbidden:
		code = ErrForbidden
	case status == http.StatusTooManyRequests:
		code = ErrRateLimited
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
		code = ErrUnavailable
	case status >= 400 && status < 500:
		code = ErrBadRequest
	}

	return &AppError{
		Code:    code,
		Status:  status,
		Message: message,
	}
}

// CodeOf returns the AppError code in err's chain, or 0.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return 0
}

func IsNotFound(err error) bool {
	return CodeOf(err) == ErrNotFound
}

// IsUnauthorized reports whether the server rejected the credentials.
func IsUnauthorized(err error) bool {
	c := CodeOf(err)
	return c == ErrUnauthorized || c == ErrForbidden
}
