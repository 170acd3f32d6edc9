package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNonRetryable can be wrapped to stop a retry loop immediately
	ErrNonRetryable = errors.New("retry: error is not retryable")
)

// RetryError is returned when a policy runs out of attempts
type RetryError struct {
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts over %v: %v",
		e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
