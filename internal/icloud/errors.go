// Package icloud provides an HTTP client for the iCloud Drive document
// web service (docws) with retry, backoff, and error classification.
// The endpoints used here are the reverse-engineered tombstone listing
// and item recovery calls behind the icloud.com recovery page.
package icloud

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for response classification.
// Use errors.Is(err, icloud.ErrAuthExpired) to check.
var (
	ErrBadRequest  = errors.New("icloud: bad request")
	ErrAuthExpired = errors.New("icloud: session expired")
	ErrNotFound    = errors.New("icloud: not found")
	ErrThrottled   = errors.New("icloud: rate limited")
	ErrServerError = errors.New("icloud: server error")
)

// statusMisdirected is HTTP 421. iCloud returns it when a request reaches
// the wrong server pool for the session, which in practice means the
// session is no longer valid there.
const statusMisdirected = 421

// APIError wraps a sentinel error with the HTTP status code, the response
// body, and the Retry-After value (seconds) for throttled responses.
type APIError struct {
	StatusCode int
	RetryAfter int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("icloud: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes. 401, 403, and 421 all mean the
// captured browser session no longer authorizes API calls.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, statusMisdirected:
		return ErrAuthExpired
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the client should retry the request itself.
// Auth failures and throttling are deliberately excluded: the callers
// coordinate session refresh and process-wide backoff for those.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
