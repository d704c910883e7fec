package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrSchemaMismatch    ErrorType = "SCHEMA_MISMATCH"
	ErrInvalidFieldValue ErrorType = "INVALID_FIELD_VALUE"
	ErrSigningFailed     ErrorType = "SIGNING_FAILED"
	ErrConfiguration     ErrorType = "CONFIGURATION_ERROR"
	ErrInvalidRequest    ErrorType = "INVALID_REQUEST"
	ErrAuthFailed        ErrorType = "AUTH_FAILED"
	ErrRateLimited       ErrorType = "RATE_LIMITED"
	ErrNotFound          ErrorType = "NOT_FOUND"
	ErrConflict          ErrorType = "CONFLICT"
	ErrUpstream          ErrorType = "UPSTREAM_ERROR"
	ErrUnavailable       ErrorType = "UNAVAILABLE"
	ErrInternal          ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// Is reports whether err carries an AppError of the given type.
func Is(err error, errType ErrorType) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == errType
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrSchemaMismatch, ErrInvalidFieldValue, ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrUpstream:
		return http.StatusBadGateway
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrSchemaMismatch:
		return "Send exactly the fields declared by the primary type."
	case ErrInvalidFieldValue:
		return "Addresses must be 20-byte hex, integers must fit the declared width."
	case ErrAuthFailed:
		return "Check the gateway API key."
	case ErrRateLimited:
		return "Retry after a short delay."
	case ErrUnavailable:
		return "The feature is not configured on this deployment."
	default:
		return ""
	}
}
