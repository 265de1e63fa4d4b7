// Package voxdesk provides a Go client for the voxdesk voice-agent API.
package voxdesk

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a non-2xx response from the API. Kind is the server's error
// classification ("validation", "not_found", ...).
type Error struct {
	StatusCode int
	Kind       string
	Message    string
	RequestID  string
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("voxdesk: %s (%d): %s [request %s]", e.Kind, e.StatusCode, e.Message, e.RequestID)
	}
	return fmt.Sprintf("voxdesk: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
}

func hasStatus(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsValidation returns true if the error is a 400 or 413.
func IsValidation(err error) bool {
	return hasStatus(err, http.StatusBadRequest) || hasStatus(err, http.StatusRequestEntityTooLarge)
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return hasStatus(err, http.StatusUnauthorized) }

// IsConflict returns true if the error is a 409.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsBudgetExceeded returns true if the error is a 402.
func IsBudgetExceeded(err error) bool { return hasStatus(err, http.StatusPaymentRequired) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }
