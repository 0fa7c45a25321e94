package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/zsiec/rcvbuf/internal/rcvbuf"
)

// ErrorType represents the type of error.
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound       ErrorType = "NOT_FOUND"
	ErrorTypeInternal       ErrorType = "INTERNAL_ERROR"
	ErrorTypeTimeout        ErrorType = "TIMEOUT"
	ErrorTypeNotImplemented ErrorType = "NOT_IMPLEMENTED"
	ErrorTypeServiceDown    ErrorType = "SERVICE_DOWN"
)

// AppError is an error that knows how it is presented over HTTP.
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
	Err        error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

func New(errType ErrorType, message string, httpStatus int) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

func Wrap(err error, errType ErrorType, message string, httpStatus int) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewInternalError(message string) *AppError {
	return New(ErrorTypeInternal, message, http.StatusInternalServerError)
}

func WrapInternalError(err error, message string) *AppError {
	return Wrap(err, ErrorTypeInternal, message, http.StatusInternalServerError)
}

func NewServiceDownError(service string) *AppError {
	return New(ErrorTypeServiceDown, fmt.Sprintf("%s service is currently unavailable", service), http.StatusServiceUnavailable)
}

// GetAppError finds an AppError anywhere in err's chain.
func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	ok := stderrors.As(err, &appErr)
	return appErr, ok
}

// FromError maps err to an AppError. Buffer sentinels and context errors get
// their own types; anything else is internal.
func FromError(err error) *AppError {
	if appErr, ok := GetAppError(err); ok {
		return appErr
	}

	switch {
	case stderrors.Is(err, rcvbuf.ErrInvalidArgument):
		return Wrap(err, ErrorTypeValidation, "Invalid argument", http.StatusBadRequest)
	case stderrors.Is(err, rcvbuf.ErrUnsupported):
		return Wrap(err, ErrorTypeNotImplemented, "Not supported on this platform", http.StatusNotImplemented)
	case stderrors.Is(err, rcvbuf.ErrInterrupted), stderrors.Is(err, context.DeadlineExceeded):
		return Wrap(err, ErrorTypeTimeout, "Request did not complete in time", http.StatusGatewayTimeout)
	}
	return WrapInternalError(err, "An unexpected error occurred")
}
