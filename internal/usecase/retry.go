package usecase

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Jitter bounds. Keeping the upper bound below 2x the lower bound makes each
// delay strictly longer than the previous one.
const (
	minJitter = 1.0
	maxJitter = 1.5
)

// RetryPolicy bounds how often and how patiently a remote call is retried.
type RetryPolicy struct {
	MaxRetries int           // retries after the first attempt
	Base       time.Duration // delay before the first retry, before jitter
	Jitter     func() float64
}

// DefaultRetryPolicy returns the executor's default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Base: 250 * time.Millisecond}
}

// Delay returns the wait before retry number retry (0-based):
// base * 2^retry * jitter, with jitter in [1.0, 1.5).
func (p RetryPolicy) Delay(retry int) time.Duration {
	j := p.jitter()
	return time.Duration(float64(p.Base) * math.Pow(2, float64(retry)) * j)
}

func (p RetryPolicy) jitter() float64 {
	if p.Jitter != nil {
		j := p.Jitter()
		if j < minJitter {
			return minJitter
		}
		if j >= maxJitter {
			return math.Nextafter(maxJitter, minJitter)
		}
		return j
	}
	return minJitter + rand.Float64()*(maxJitter-minJitter)
}

// Attempts returns the total number of attempts the policy allows.
func (p RetryPolicy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryCall runs call until it succeeds, returns a permanent error, or the
// policy is exhausted. onRetry is invoked before each wait.
func retryCall[T any](
	ctx context.Context,
	policy RetryPolicy,
	classifier *ErrorClassifier,
	sleep func(context.Context, time.Duration) error,
	onRetry func(retry int, delay time.Duration, err error),
	call func(ctx context.Context, attempt int) (T, error),
) (T, int, error) {
	var zero T
	var lastErr error
	attempts := policy.Attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := call(ctx, attempt)
		if err == nil {
			return result, attempt + 1, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, attempt + 1, lastErr
		}
		if !classifier.Classify(err).Retryable() {
			return zero, attempt + 1, lastErr
		}
		if attempt == attempts-1 {
			break
		}

		delay := policy.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt+1, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, attempt + 1, lastErr
		}
	}
	return zero, attempts, lastErr
}
