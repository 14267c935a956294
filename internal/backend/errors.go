package backend

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized is returned when the backend rejects the access token.
	ErrUnauthorized = errors.New("backend: unauthorized")

	// ErrForbidden is returned when the token is valid but lacks access.
	ErrForbidden = errors.New("backend: forbidden")

	// ErrNotFound is returned when the requested home or device does not exist.
	ErrNotFound = errors.New("backend: not found")

	// ErrNoToken is returned by Claims when no access token is configured.
	ErrNoToken = errors.New("backend: no access token")

	// ErrMalformedToken is returned by Claims when the token cannot be decoded.
	ErrMalformedToken = errors.New("backend: malformed access token")

	// ErrResponseTooLarge is returned when a response body exceeds the
	// client's size limit.
	ErrResponseTooLarge = errors.New("backend: response too large")
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

// APIError is a non-2xx response from the backend.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Unwrap maps well-known statuses onto the package sentinels.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// Retryable reports whether repeating the request may succeed.
func (e *APIError) Retryable() bool {
	return IsRetryableStatus(e.StatusCode)
}

// IsRetryableStatus reports whether an HTTP status is worth retrying.
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
