package reddit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound means the thing no longer resolves on the live site
	ErrNotFound = errors.New("reddit: not found")

	// ErrForbidden covers private, quarantined and banned subreddits
	ErrForbidden = errors.New("reddit: forbidden")

	// ErrRateLimited means the API answered 429
	ErrRateLimited = errors.New("reddit: rate limited")

	// ErrTransient covers network failures and 5xx answers
	ErrTransient = errors.New("reddit: transient failure")

	// ErrInvalidOptions is returned by Open before any request is made
	ErrInvalidOptions = errors.New("reddit: invalid options")
)

// RateLimitError carries the server's Retry-After hint with ErrRateLimited
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v (retry after %s)", ErrRateLimited, e.RetryAfter)
	}
	return ErrRateLimited.Error()
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// Permanent reports whether retrying err cannot succeed
func Permanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrInvalidOptions)
}
