package backend

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/homesync/internal/infrastructure/config"
)

// RetryPolicy controls retries of idempotent requests.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy returns the policy used when the config leaves
// retries unset.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

func retryPolicyFrom(cfg config.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialDelay > 0 {
		p.InitialDelay = time.Duration(cfg.InitialDelay) * time.Millisecond
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = time.Duration(cfg.MaxDelay) * time.Millisecond
	}
	return p
}

// withRetry runs fn until it succeeds, returns a permanent error, or the
// policy's attempts are used up.
func withRetry(ctx context.Context, p RetryPolicy, fn func() error) error {
	var lastErr error
	delay := p.InitialDelay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) || attempt == p.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return lastErr
}

// shouldRetry retries retryable statuses and transport failures, but never
// a cancelled request or a definitive 4xx.
func shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrResponseTooLarge) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
