package engine

import (
	"context"
	"math"
	"time"
)

// RetryPolicy controls how transform calls that fail with a retryable error
// are retried. A zero policy does not retry.
type RetryPolicy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay. Zero means no cap.
	MaxDelay time.Duration

	// Multiplier grows the delay on each attempt.
	Multiplier float64
}

// RetryBuilder builds a RetryPolicy.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts. maxAttempts <= 0
// is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: maxAttempts}}
}

// WithExponentialBackoff configures exponential backoff. A multiplier <= 0
// defaults to 2.
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.InitialDelay = initial
	p.MaxDelay = max
	if multiplier <= 0 {
		multiplier = 2.0
	}
	p.Multiplier = multiplier
	return RetryBuilder{policy: p}
}

// WithConstantBackoff waits the same delay between retries.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.InitialDelay = delay
	p.MaxDelay = 0
	p.Multiplier = 1.0
	return RetryBuilder{policy: p}
}

// Immediate disables any wait between retries.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.InitialDelay = 0
	p.MaxDelay = 0
	p.Multiplier = 0
	return RetryBuilder{policy: p}
}

// Policy returns the built policy.
func (r RetryBuilder) Policy() *RetryPolicy {
	p := r.policy
	return &p
}

// attempts returns the number of calls allowed by the policy.
func (p *RetryPolicy) attempts() int {
	if p == nil || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the delay before retry number attempt (0-based) after err.
// Throttled errors wait five times and conflicts twice the initial delay.
func (p *RetryPolicy) Backoff(attempt int, err error) time.Duration {
	if p == nil || p.InitialDelay <= 0 {
		return 0
	}

	base := p.InitialDelay
	if IsThrottled(err) {
		base *= 5
	} else if IsConflict(err) {
		base *= 2
	}

	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := time.Duration(float64(base) * math.Pow(mult, float64(attempt)))

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// retryCall invokes fn until it succeeds, fails with an error that is not
// retryable, or the policy's attempts are used up. fn receives the 1-based
// attempt number. onRetry is called before each wait.
func retryCall[T any](
	ctx context.Context,
	policy *RetryPolicy,
	fn func(attempt int) (T, error),
	onRetry func(attempt int, delay time.Duration, err error),
) (T, int, error) {
	var (
		result T
		err    error
	)
	max := policy.attempts()

	for attempt := 1; attempt <= max; attempt++ {
		result, err = fn(attempt)
		if err == nil {
			return result, attempt, nil
		}

		if !IsRetryable(err) || attempt == max {
			return result, attempt, err
		}

		delay := policy.Backoff(attempt-1, err)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}

		if err := sleepCtx(ctx, delay); err != nil {
			return result, attempt, err
		}
	}
	return result, max, err
}

// sleepCtx waits for delay or until ctx is done.
func sleepCtx(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
