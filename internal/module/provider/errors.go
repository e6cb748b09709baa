package provider

import (
	"errors"
	"fmt"
)

// Module errors.
var (
	ErrProviderUnavailable = errors.New("esim provider unavailable")
	ErrOrderNotFound       = errors.New("order not found at provider")
	ErrMalformedResponse   = errors.New("malformed provider response")
)

// APIError is a business error reported by the provider (success=false).
type APIError struct {
	Code       string
	Message    string
	HTTPStatus int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("provider error %s (http %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

// retryable reports whether err is worth retrying.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatus >= 500
	}
	return !errors.Is(err, ErrOrderNotFound) && !errors.Is(err, ErrMalformedResponse)
}
