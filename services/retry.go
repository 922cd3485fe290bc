package services

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a provider failure for the retry policy.
type ErrorKind int

const (
	// ErrKindTransient covers network failures and provider 5xx, retried
	// with the normal backoff.
	ErrKindTransient ErrorKind = iota
	ErrKindBadRequest
	ErrKindAuth
	ErrKindInsufficientBalance
	ErrKindCancelled
	// ErrKindRateLimited is retried with the much larger rate-limit backoff.
	ErrKindRateLimited
)

// ProviderError wraps a failure from an external generation provider with
// its retry classification.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Message, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ClassifyError extracts the retry classification from an error chain.
// Anything that is not a classified provider error counts as transient.
func ClassifyError(err error) ErrorKind {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ErrKindCancelled
	}
	return ErrKindTransient
}

// IsNonRetryable reports whether the error must abort immediately with no
// further attempts.
func IsNonRetryable(err error) bool {
	switch ClassifyError(err) {
	case ErrKindBadRequest, ErrKindAuth, ErrKindInsufficientBalance, ErrKindCancelled:
		return true
	}
	return false
}

// RetryPolicy reruns a fallible operation with exponential backoff.
// Rate-limited errors back off from RateLimitDelay instead of BaseDelay.
type RetryPolicy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	RateLimitDelay time.Duration
	// Sleep is swappable in tests to record delays, defaults to time.Sleep.
	Sleep func(d time.Duration)
	// OnRetry is called before every re-attempt with the attempt number of
	// the failure, workers use it to flip the job row to RETRYING.
	OnRetry func(attempt int, err error)
}

// DefaultRetryPolicy matches the backoff the workers run the provider
// calls under.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		BaseDelay:      2 * time.Second,
		RateLimitDelay: 30 * time.Second,
	}
}

// Run invokes op up to MaxRetries times. Non-retryable errors (bad request,
// auth failure, insufficient balance, cancellation) abort on the first
// failure. Exhausting the attempts returns the last error, the caller is
// responsible for marking the owning entity FAILED.
func (p RetryPolicy) Run(ctx context.Context, label string, op func() error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	attempts := p.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if IsNonRetryable(lastErr) {
			fmt.Printf("[Retry %s] Non-retryable error, aborting: %v\n", label, lastErr)
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}
		delay := p.BaseDelay << uint(attempt)
		if ClassifyError(lastErr) == ErrKindRateLimited {
			delay = p.RateLimitDelay << uint(attempt)
		}
		fmt.Printf("[Retry %s] Attempt %d failed: %v, retrying in %v\n", label, attempt+1, lastErr, delay)
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}
		sleep(delay)
	}
	fmt.Printf("[Retry %s] All %d attempts failed: %v\n", label, attempts, lastErr)
	return lastErr
}
