package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError provides a structured error that can be rendered to API consumers.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// WithMessage returns a copy of the AppError carrying a more specific message.
func (e *AppError) WithMessage(message string) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Message = message
	return &cpy
}

// Common errors exposed to the rest of the application. Codes follow the
// identity-core failure taxonomy: configuration problems are admin-fixable,
// authentication failures are terminal for the attempt, protocol errors are
// surfaced to operators, and transient errors may be retried with backoff.
var (
	ErrConfiguration = &AppError{
		Code:       "CONFIGURATION_ERROR",
		Message:    "Provider configuration is invalid",
		StatusCode: http.StatusUnprocessableEntity,
	}

	ErrAuthentication = &AppError{
		Code:       "AUTHENTICATION_ERROR",
		Message:    "Login failed",
		StatusCode: http.StatusUnauthorized,
	}

	ErrProtocol = &AppError{
		Code:       "PROTOCOL_ERROR",
		Message:    "Identity provider returned a malformed response",
		StatusCode: http.StatusBadGateway,
	}

	ErrTransient = &AppError{
		Code:       "TRANSIENT_ERROR",
		Message:    "Identity provider is unreachable",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrProviderInUse = &AppError{
		Code:       "PROVIDER_IN_USE",
		Message:    "Provider has active sessions and cannot be removed",
		StatusCode: http.StatusConflict,
	}

	ErrUnsupportedOperation = &AppError{
		Code:       "UNSUPPORTED_OPERATION",
		Message:    "Operation is not supported by this provider protocol",
		StatusCode: http.StatusBadRequest,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewConfiguration builds a CONFIGURATION_ERROR with a specific message.
func NewConfiguration(message string) *AppError {
	return &AppError{
		Code:       ErrConfiguration.Code,
		Message:    message,
		StatusCode: ErrConfiguration.StatusCode,
	}
}

// NewProtocol builds a PROTOCOL_ERROR with a specific message.
func NewProtocol(message string) *AppError {
	return &AppError{
		Code:       ErrProtocol.Code,
		Message:    message,
		StatusCode: ErrProtocol.StatusCode,
	}
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

// IsConfiguration reports whether the error is a provider configuration failure.
func IsConfiguration(err error) bool { return hasCode(err, ErrConfiguration.Code) }

// IsAuthentication reports whether the error is terminal for the login attempt.
func IsAuthentication(err error) bool { return hasCode(err, ErrAuthentication.Code) }

// IsProtocol reports whether the identity provider response was malformed.
func IsProtocol(err error) bool { return hasCode(err, ErrProtocol.Code) }

// IsTransient reports whether the caller may retry the operation with backoff.
func IsTransient(err error) bool { return hasCode(err, ErrTransient.Code) }

// IsProviderInUse reports whether a provider removal was refused because
// active sessions still reference it.
func IsProviderInUse(err error) bool { return hasCode(err, ErrProviderInUse.Code) }

// IsNotFound reports whether the requested resource does not exist.
func IsNotFound(err error) bool { return hasCode(err, ErrNotFound.Code) }

// IsUnsupportedOperation reports whether the provider protocol cannot perform the operation.
func IsUnsupportedOperation(err error) bool { return hasCode(err, ErrUnsupportedOperation.Code) }
