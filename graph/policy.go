package graph

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy configures automatic retry of a failing node.
//
// A failed attempt is retried when the policy's predicate accepts the error
// and attempts remain, after waiting
//
//	min(InitialInterval * BackoffFactor^attempt, MaxInterval)
//
// with optional random jitter. The superstep ceiling is independent of
// retries: it bounds rounds, not attempts.
type RetryPolicy struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// BackoffFactor multiplies the delay after each failed attempt.
	// Values below 1 are treated as 1 (constant delay).
	BackoffFactor float64

	// MaxInterval caps the delay between attempts. Zero means no cap.
	MaxInterval time.Duration

	// MaxAttempts is the total number of invocations, including the first.
	// Must be >= 1; 1 means no retries.
	MaxAttempts int

	// Jitter randomizes each delay uniformly over [delay/2, delay] to avoid
	// synchronized retry storms across concurrent tasks.
	Jitter bool

	// RetryOn decides whether an error is worth retrying.
	// Nil falls back to DefaultRetryable.
	RetryOn func(error) bool
}

// DefaultRetryPolicy mirrors the engine's stock policy: three attempts,
// half-second initial delay doubling up to half a minute, with jitter, and
// DefaultRetryable classification.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		BackoffFactor:   2,
		MaxInterval:     30 * time.Second,
		MaxAttempts:     3,
		Jitter:          true,
	}
}

// Validate reports a ConfigError when the policy is malformed.
func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return &ConfigError{Op: "retry", Detail: "MaxAttempts must be >= 1"}
	}
	if p.InitialInterval < 0 || p.MaxInterval < 0 {
		return &ConfigError{Op: "retry", Detail: "intervals cannot be negative"}
	}
	if p.MaxInterval > 0 && p.InitialInterval > p.MaxInterval {
		return &ConfigError{Op: "retry", Detail: "InitialInterval exceeds MaxInterval"}
	}
	return nil
}

// retryable applies the configured predicate, defaulting to DefaultRetryable.
func (p *RetryPolicy) retryable(err error) bool {
	if p.RetryOn != nil {
		return p.RetryOn(err)
	}
	return DefaultRetryable(err)
}

// delay computes the backoff before retry number attempt (zero-based).
func (p *RetryPolicy) delay(attempt int, rng *rand.Rand) time.Duration {
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.InitialInterval)
	for i := 0; i < attempt; i++ {
		d *= factor
		if p.MaxInterval > 0 && d >= float64(p.MaxInterval) {
			d = float64(p.MaxInterval)
			break
		}
	}
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		d = float64(p.MaxInterval)
	}
	delay := time.Duration(d)
	if p.Jitter && delay > 0 && rng != nil {
		half := delay / 2
		delay = half + time.Duration(rng.Int63n(int64(half)+1))
	}
	return delay
}

// StatusCoder is implemented by HTTP-shaped errors that carry a status code.
// DefaultRetryable retries such errors only on 5xx-class failures.
type StatusCoder interface {
	StatusCode() int
}

// DefaultRetryable is the stock retryable-error classification: everything
// is retryable except defects in the program or graph configuration, and
// HTTP-shaped errors are retried only when server-side (5xx).
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Configuration and conflict errors indicate graph defects; retrying
	// re-executes the same defect.
	var cfgErr *ConfigError
	var conflict *ConflictError
	if errors.As(err, &cfgErr) || errors.As(err, &conflict) {
		return false
	}

	// Cancellation is an interruption, not a transient fault.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode() >= 500 && sc.StatusCode() < 600
	}
	return true
}

// runRetries drives a node through its policy, re-invoking the same task
// with the same input snapshot on each attempt. The delay honors context
// cancellation. On exhaustion the last error is wrapped in
// ErrMaxAttemptsExceeded.
func runRetries(ctx context.Context, spec *nodeSpec, input Values, rng *rand.Rand, onRetry func(attempt int, err error)) (NodeResult, error) {
	policy := spec.retry
	attempts := 1
	if policy != nil {
		attempts = policy.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}
			select {
			case <-ctx.Done():
				return NodeResult{}, ctx.Err()
			case <-time.After(policy.delay(attempt-1, rng)):
			}
		}

		// Re-invocations see the same snapshot even if an earlier attempt
		// mutated its copy.
		snapshot := input
		if attempts > 1 {
			var cloneErr error
			if snapshot, cloneErr = input.Clone(); cloneErr != nil {
				return NodeResult{}, cloneErr
			}
		}

		res, err := spec.node.Invoke(ctx, snapshot)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if policy == nil || !policy.retryable(err) {
			return NodeResult{}, err
		}
	}
	return NodeResult{}, errors.Join(ErrMaxAttemptsExceeded, lastErr)
}
