// Package setu provides a Go client for the Setu terminology mapping API.
package setu

import (
	"errors"
	"fmt"
)

// Error represents an error from the Setu API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("setu: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	return hasStatus(err, 404)
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	return hasStatus(err, 401)
}

// IsBlocked returns true if the error is a 403 (guard refused the write).
func IsBlocked(err error) bool {
	return hasStatus(err, 403)
}

// IsPaused returns true if the error is a 409 with the governance-paused
// code.
func IsPaused(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 409 && e.Code == "GOVERNANCE_PAUSED"
	}
	return false
}

// IsConflict returns true if the error is a 409.
func IsConflict(err error) bool {
	return hasStatus(err, 409)
}

// IsRateLimited returns true if the error is a 429.
func IsRateLimited(err error) bool {
	return hasStatus(err, 429)
}

func hasStatus(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}
