package apikey

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for API key operations.
var (
	// ErrUnauthenticated indicates the token is missing, unknown or revoked,
	// or that it could not be checked.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrExpired indicates the key's expiry time has passed.
	ErrExpired = errors.New("API key expired")

	// ErrRateLimited indicates the key exceeded its request quota.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrNotFound indicates no live key matches the token or ID.
	ErrNotFound = errors.New("API key not found")

	// ErrConflict indicates a generated token collides with an existing one.
	ErrConflict = errors.New("API key conflict")

	// ErrMalformed marks an import entry or request that cannot be parsed.
	ErrMalformed = errors.New("malformed API key entry")

	// ErrPersistence wraps storage failures. The in-memory state keeps
	// serving when it occurs.
	ErrPersistence = errors.New("API key persistence failed")
)

// ErrMissingToken is returned by extractors when the request carries no key.
var ErrMissingToken = fmt.Errorf("%w: no API key in request", ErrUnauthenticated)

// RateLimitError is returned when the rate limiter denies a request.
type RateLimitError struct {
	// KeyID identifies the limited key.
	KeyID string

	// Limit is the quota of the window.
	Limit int

	// RetryAfter is the time until the quota allows another request.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: key %s, retry after %s", ErrRateLimited, e.KeyID, e.RetryAfter)
}

// Unwrap returns ErrRateLimited so errors.Is matches the sentinel.
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds, at
// least 1, for the Retry-After header.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
