// Package seisho provides a Go client for the Seisho document
// generation API.
package seisho

import (
	"errors"
	"fmt"
)

// Error represents an error from the Seisho API with the HTTP status
// code and the server's error envelope.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("seisho: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsInvalidState returns true if the server rejected the request for a
// run in the wrong lifecycle phase (e.g. result before finished, cancel
// after finished).
func IsInvalidState(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "INVALID_STATE"
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}
