package omniuri

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures retries of transient backend errors.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first. 0 disables retries.
	MaxRetries int

	// Delay is the fixed pause between attempts. Default is 1 second.
	Delay time.Duration

	// RetryableErrors reports whether err is worth another attempt.
	// IsTemporaryError is used when nil.
	RetryableErrors func(error) bool
}

// Retry runs op until it succeeds, fails with an error RetryableErrors
// rejects, or runs out of attempts. Running out is reported as a *RetryError
// wrapping the last failure; a rejected error is returned as is.
func Retry(ctx context.Context, config RetryConfig, op func() error) error {
	if config.MaxRetries <= 0 {
		return op()
	}
	if config.Delay <= 0 {
		config.Delay = time.Second
	}
	retryable := config.RetryableErrors
	if retryable == nil {
		retryable = IsTemporaryError
	}

	var (
		attempts  int
		permanent bool
	)
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(config.Delay), uint64(config.MaxRetries)),
		ctx,
	)
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err != nil && !retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}, policy)

	switch {
	case err == nil, permanent:
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return &RetryError{Attempts: attempts, LastErr: err}
}

// RetryError indicates an operation failed after all retry attempts.
type RetryError struct {
	Attempts int
	LastErr  error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryError) Unwrap() error {
	return e.LastErr
}

// IsRetryError reports whether err is a RetryError, i.e. retries ran out.
func IsRetryError(err error) bool {
	var re *RetryError
	return errors.As(err, &re)
}

// IsTemporaryError reports ErrTransient and network errors that time out.
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}
