// Package olorin provides a Go client for the Olorin investigation API.
package olorin

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a non-2xx response with the server's error code and message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("olorin: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// VersionConflictError is a 409 from a conditional write. Re-read the
// investigation and retry against Current.
type VersionConflictError struct {
	Current   int64
	Submitted int64
	Message   string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("olorin: version conflict: submitted %d, current %d", e.Submitted, e.Current)
}

func statusIs(err error, code int) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == code
}

// IsNotFound reports a 404.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsUnauthorized reports a 401.
func IsUnauthorized(err error) bool { return statusIs(err, http.StatusUnauthorized) }

// IsRateLimited reports a 429.
func IsRateLimited(err error) bool { return statusIs(err, http.StatusTooManyRequests) }

// IsPreconditionRequired reports a 428: the write was sent without If-Match.
func IsPreconditionRequired(err error) bool { return statusIs(err, http.StatusPreconditionRequired) }

// IsVersionConflict reports a stale conditional write.
func IsVersionConflict(err error) bool {
	var e *VersionConflictError
	return errors.As(err, &e)
}
