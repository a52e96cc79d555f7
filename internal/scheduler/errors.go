package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrRetriesExhausted wraps the last cause after every attempt failed.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrDisallowedByRobots is returned before any request when robots.txt forbids the URL.
	ErrDisallowedByRobots = errors.New("disallowed by robots.txt")
	// ErrOverBudget is returned instead of starting a fetch while memory is above the limit.
	ErrOverBudget = errors.New("memory budget exceeded")
)

// StatusError reports a retryable HTTP status on the final attempt.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("retryable status %d from %s", e.StatusCode, e.URL)
}
