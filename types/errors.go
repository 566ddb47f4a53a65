package types

import (
	"fmt"
	"net/http"
)

// Registry error codes
const (
	ErrCodeBadRequest   = "BAD_REQUEST"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeTooLarge     = "PAYLOAD_TOO_LARGE"
	ErrCodeUnhealthy    = "UNHEALTHY"
	ErrCodeInternal     = "INTERNAL"
)

// RegistryError is a typed error carrying its HTTP mapping.
type RegistryError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Status     int               `json:"-"`
	Validation []string          `json:"validation,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry error [%s]: %s", e.Code, e.Message)
}

// ErrorEnvelope is the JSON body written for every error response.
type ErrorEnvelope struct {
	Error      string            `json:"error"`
	StatusCode int               `json:"statusCode"`
	Validation []string          `json:"validation,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// Envelope converts the error to its wire form.
func (e *RegistryError) Envelope() ErrorEnvelope {
	return ErrorEnvelope{
		Error:      e.Message,
		StatusCode: e.Status,
		Validation: e.Validation,
		Details:    e.Details,
	}
}

// NewBadRequest creates a 400 error
func NewBadRequest(message string) *RegistryError {
	return &RegistryError{Code: ErrCodeBadRequest, Message: message, Status: http.StatusBadRequest}
}

// NewValidationError creates a 400 error carrying schema violation messages
func NewValidationError(message string, violations []string) *RegistryError {
	return &RegistryError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		Status:     http.StatusBadRequest,
		Validation: violations,
	}
}

// NewUnauthorized creates a 401 error
func NewUnauthorized(message string) *RegistryError {
	return &RegistryError{Code: ErrCodeUnauthorized, Message: message, Status: http.StatusUnauthorized}
}

// NewNotFound creates a 404 error
func NewNotFound(message string) *RegistryError {
	return &RegistryError{Code: ErrCodeNotFound, Message: message, Status: http.StatusNotFound}
}

// NewPayloadTooLarge creates a 413 error
func NewPayloadTooLarge(message string) *RegistryError {
	return &RegistryError{Code: ErrCodeTooLarge, Message: message, Status: http.StatusRequestEntityTooLarge}
}

// NewRateLimited creates a 429 error
func NewRateLimited(message string) *RegistryError {
	return &RegistryError{Code: ErrCodeRateLimited, Message: message, Status: http.StatusTooManyRequests}
}

// NewUnhealthy creates a 503 error
func NewUnhealthy(message string) *RegistryError {
	return &RegistryError{Code: ErrCodeUnhealthy, Message: message, Status: http.StatusServiceUnavailable}
}

// NewInternal creates a 500 error preserving the underlying detail
func NewInternal(message string, err error) *RegistryError {
	re := &RegistryError{Code: ErrCodeInternal, Message: message, Status: http.StatusInternalServerError}
	if err != nil {
		re.Details = map[string]string{"cause": err.Error()}
	}
	return re
}
