package tracker

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// AuthError means the tracker rejected our credentials (HTTP 401/403).
// It is fatal to the whole sync run and is never retried.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("tracker authentication failed (HTTP %d)", e.Status)
}

// RateLimitError means the tracker throttled us (HTTP 429). RetryAfter is
// the wait the server asked for, already defaulted when the header was
// absent or unparseable.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("tracker rate limited, retry after %s", e.RetryAfter)
}

// TransientError means the call failed in a way that is expected to heal:
// 5xx responses, connect/read timeouts, refused connections. Status is 0
// for transport-level failures.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("tracker unavailable (HTTP %d)", e.Status)
	}
	return fmt.Sprintf("tracker request failed: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ClientError means the tracker rejected the request itself (4xx other than
// 401/403/429), typically a malformed query expression. Not retried; fatal
// to the query only, never to the run.
type ClientError struct {
	Status  int
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("tracker rejected request (HTTP %d): %s", e.Status, e.Message)
}

// IsAuth reports whether err classifies as an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err classifies as retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classifyStatus maps a non-2xx response to the error taxonomy. Tie-break
// order matters: auth before rate limit before the generic buckets.
func classifyStatus(status int, body string, retryAfter string, defaultWait time.Duration) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Status: status}
	case status == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(retryAfter, defaultWait)}
	case status >= 500:
		return &TransientError{Status: status}
	default:
		return &ClientError{Status: status, Message: body}
	}
}

// parseRetryAfter interprets a Retry-After value as delta-seconds or an
// HTTP date. Absent or unparseable values fall back to defaultWait.
func parseRetryAfter(value string, defaultWait time.Duration) time.Duration {
	if value == "" {
		return defaultWait
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return defaultWait
}
