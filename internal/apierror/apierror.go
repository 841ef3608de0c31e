package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrConflict          ErrorCode = "CONFLICT"
	ErrBadRequest        ErrorCode = "BAD_REQUEST"
	ErrInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrInternalServer    ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrUserCancelled     ErrorCode = "USER_CANCELLED"
	ErrPaymentFailed     ErrorCode = "PAYMENT_FAILED"
	ErrValidationFailed  ErrorCode = "VALIDATION_FAILED"
	ErrNetwork           ErrorCode = "NETWORK_ERROR"
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrServerRejected    ErrorCode = "SERVER_REJECTED"
	ErrConfiguration     ErrorCode = "CONFIGURATION_ERROR"
	ErrAlreadyInProgress ErrorCode = "ALREADY_IN_PROGRESS"
	ErrPermissionDenied  ErrorCode = "PERMISSION_DENIED"
	ErrUnknown           ErrorCode = "UNKNOWN"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes an underlying error when one was recorded in Details, so
// errors.Is keeps working across the wrapping boundary.
func (e APIError) Unwrap() error {
	if underlying, ok := e.Details.(error); ok {
		return underlying
	}
	return nil
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	logrus.Error(details)
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewServerRejected records an upstream rejection along with its status
// code. Throttling and 5xx responses count as transient.
func NewServerRejected(statusCode int, message string) APIError {
	return NewAPIError(ErrServerRejected, message, map[string]interface{}{
		"status_code": statusCode,
		"transient":   isTransientStatus(statusCode),
	})
}

// NewUnknown wraps an unclassified failure, keeping the underlying error
// reachable through Unwrap.
func NewUnknown(err error) APIError {
	return NewAPIError(ErrUnknown, "an unexpected error occurred", err)
}

func isTransientStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

// Code extracts the taxonomy code from an error, ErrUnknown when the error
// was never classified.
func Code(err error) ErrorCode {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrUnknown
}

// Is reports whether the error carries the given taxonomy code.
func Is(err error, code ErrorCode) bool {
	return Code(err) == code
}

// Retryable reports whether retrying the failed operation can reasonably
// succeed. Configuration and validation problems never clear on retry, and
// user decisions are not ours to overrule.
func Retryable(err error) bool {
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case ErrNetwork, ErrTimeout:
		return true
	case ErrServerRejected:
		if details, ok := apiErr.Details.(map[string]interface{}); ok {
			if transient, ok := details["transient"].(bool); ok {
				return transient
			}
		}
		return false
	default:
		return false
	}
}

// RecoverySuggestion returns a short operator-facing hint for retryable
// failures, empty for everything else.
func RecoverySuggestion(err error) string {
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return ""
	}
	switch apiErr.Code {
	case ErrNetwork:
		return "check network connectivity and retry"
	case ErrTimeout:
		return "the operation timed out, retry with a longer deadline"
	case ErrServerRejected:
		if Retryable(err) {
			return "the server is temporarily unavailable, retry after a delay"
		}
		return ""
	default:
		return ""
	}
}

// SuggestedDelay returns how long a caller should wait before retrying.
// Throttled requests get a longer pause than plain transport failures.
func SuggestedDelay(err error) time.Duration {
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return 0
	}
	switch apiErr.Code {
	case ErrServerRejected:
		if details, ok := apiErr.Details.(map[string]interface{}); ok {
			if code, ok := details["status_code"].(int); ok && code == http.StatusTooManyRequests {
				return 30 * time.Second
			}
		}
		return 10 * time.Second
	case ErrNetwork, ErrTimeout:
		return 5 * time.Second
	default:
		return 0
	}
}

func MapErrorToHTTPStatus(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrConflict, ErrAlreadyInProgress:
			return http.StatusConflict
		case ErrInvalidInput, ErrBadRequest, ErrValidationFailed:
			return http.StatusBadRequest
		case ErrUserCancelled:
			return http.StatusOK
		case ErrPaymentFailed:
			return http.StatusPaymentRequired
		case ErrPermissionDenied:
			return http.StatusForbidden
		case ErrTimeout:
			return http.StatusGatewayTimeout
		case ErrNetwork, ErrServerRejected:
			return http.StatusBadGateway
		case ErrConfiguration, ErrInternalServer:
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
