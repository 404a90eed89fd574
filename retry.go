package txflow

import "time"

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use with WithRetry.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{
		policy: RetryPolicy{
			MaxAttempts: maxAttempts,
			Strategy:    BackoffConstant,
		},
	}
}

// WithExponentialBackoff doubles the delay after each attempt, starting at
// initial. max caps the delay; zero means no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial, max time.Duration) RetryBuilder {
	return r.with(BackoffExponential, initial, max)
}

// WithFibonacciBackoff grows the delay along the Fibonacci sequence.
func (r RetryBuilder) WithFibonacciBackoff(initial, max time.Duration) RetryBuilder {
	return r.with(BackoffFibonacci, initial, max)
}

// WithConstantBackoff waits delay between every attempt.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	return r.with(BackoffConstant, delay, 0)
}

// Immediate disables any sleep between retries.
// Retries will still respect MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	return r.with(BackoffConstant, 0, 0)
}

func (r RetryBuilder) with(s BackoffStrategy, initial, max time.Duration) RetryBuilder {
	p := r.policy
	p.Strategy = s
	p.InitialBackoff = initial
	p.MaxBackoff = max
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy to be passed to WithRetry.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
