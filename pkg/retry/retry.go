package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

const (
	defaultMaxAttempts      = 3
	defaultMinDelay         = 500 * time.Millisecond
	defaultMaxDelay         = 10 * time.Second
	defaultFactor           = 2
	defaultRetryAfterBuffer = 500 * time.Millisecond

	// maxRateLimitWaits bounds how long a persistently throttling provider
	// can hold an operation, since 429 waits do not consume attempts.
	maxRateLimitWaits = 10
)

// Policy is an explicit retry-policy value injected into provider clients.
// The sleeper is injectable so backoff is unit-testable without real delays.
type Policy struct {
	MaxAttempts      int
	MinDelay         time.Duration
	MaxDelay         time.Duration
	Factor           float64
	RetryAfterBuffer time.Duration
	Sleep            func(ctx context.Context, d time.Duration) error
}

// Default returns the policy shared by the processor and chat clients.
func Default() Policy {
	return Policy{
		MaxAttempts:      defaultMaxAttempts,
		MinDelay:         defaultMinDelay,
		MaxDelay:         defaultMaxDelay,
		Factor:           defaultFactor,
		RetryAfterBuffer: defaultRetryAfterBuffer,
	}
}

// PermanentError marks a failure that must not be retried. Non-rate-limit
// 4xx responses from a provider are wrapped in one.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the policy fails fast on it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// RateLimitError carries the provider-specified wait. Waiting it out does not
// consume the attempt budget.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// Do runs op under the policy. Transient failures back off exponentially
// across the attempt budget; rate limits sleep the provider's retry-after plus
// a buffer without consuming an attempt; permanent failures propagate at once.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	curve := &backoff.Backoff{
		Min:    p.minDelay(),
		Max:    p.maxDelay(),
		Factor: p.factor(),
		Jitter: true,
	}

	var lastErr error
	rateLimitWaits := 0
	for attempt := 0; attempt < maxAttempts; {
		err := op(ctx)
		if err == nil {
			return nil
		}

		var permanent *PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}

		var limited *RateLimitError
		if errors.As(err, &limited) {
			rateLimitWaits++
			if rateLimitWaits > maxRateLimitWaits {
				return err
			}
			if sleepErr := sleep(ctx, limited.RetryAfter+p.retryAfterBuffer()); sleepErr != nil {
				return sleepErr
			}
			lastErr = err
			continue
		}

		lastErr = err
		attempt++
		if attempt >= maxAttempts {
			break
		}
		if sleepErr := sleep(ctx, curve.Duration()); sleepErr != nil {
			return sleepErr
		}
	}
	return lastErr
}

func (p Policy) minDelay() time.Duration {
	if p.MinDelay <= 0 {
		return defaultMinDelay
	}
	return p.MinDelay
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay <= 0 {
		return defaultMaxDelay
	}
	return p.MaxDelay
}

func (p Policy) factor() float64 {
	if p.Factor <= 1 {
		return defaultFactor
	}
	return p.Factor
}

func (p Policy) retryAfterBuffer() time.Duration {
	if p.RetryAfterBuffer < 0 {
		return 0
	}
	if p.RetryAfterBuffer == 0 {
		return defaultRetryAfterBuffer
	}
	return p.RetryAfterBuffer
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
