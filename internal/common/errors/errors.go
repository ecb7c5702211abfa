// Package errors provides the application error taxonomy for the chatbot backend.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "SESSION_NOT_FOUND"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeProviderFailure    = "PROVIDER_FAILURE"
	ErrCodeDispatchFailure    = "DISPATCH_FAILURE"
	ErrCodeAgentTimeout       = "AGENT_TIMEOUT"
	ErrCodeStoreOutage        = "STORE_OUTAGE"
	ErrCodeProtocolError      = "PROTOCOL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// SessionNotFound creates a not found error for a session id.
func SessionNotFound(sessionID string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("session '%s' not found or expired", sessionID),
		HTTPStatus: http.StatusNotFound,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// RateLimited creates a new rate limit error.
func RateLimited(message string) *AppError {
	return &AppError{
		Code:       ErrCodeRateLimited,
		Message:    message,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// ProviderFailure creates an error for an exhausted LLM provider chain.
func ProviderFailure(err error) *AppError {
	return &AppError{
		Code:       ErrCodeProviderFailure,
		Message:    "all configured LLM providers failed",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// DispatchFailure creates an error for a failed agent dispatch.
func DispatchFailure(err error) *AppError {
	return &AppError{
		Code:       ErrCodeDispatchFailure,
		Message:    "failed to dispatch task to agent",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// AgentTimeout creates an error for an agent that missed its deadline.
func AgentTimeout(correlationID string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentTimeout,
		Message:    fmt.Sprintf("agent did not respond for correlation '%s'", correlationID),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// StoreOutage creates an error for an unreachable session store.
func StoreOutage(err error) *AppError {
	return &AppError{
		Code:       ErrCodeStoreOutage,
		Message:    "session store unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// ProtocolError creates an error for a malformed bus envelope.
func ProtocolError(message string) *AppError {
	return &AppError{
		Code:       ErrCodeProtocolError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeConflict
	}
	return false
}

// GetCode returns the machine-readable code for an error.
// Returns INTERNAL_ERROR if the error is not an AppError.
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
