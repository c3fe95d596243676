package errors

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy is the single backoff discipline shared by every component that
// talks to the ledger. Errors are classified by code: only transient codes are
// retried, everything else returns on first occurrence.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	Jitter          float64 // fraction of each delay that is randomised, 0..1
	RetryableErrors []ErrorCode
}

// DefaultRetryPolicy returns default retry configuration
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
		RetryableErrors: []ErrorCode{
			ErrCodeNetwork,
			ErrCodeRateLimit,
			ErrCodeRPC,
			ErrCodeTimeout,
		},
	}
}

// RetryFunc is a function that can be retried
type RetryFunc func() error

// Do runs fn until it succeeds, fails with a non-retryable error, the context
// ends, or the attempt budget is spent. Exhaustion is reported as an
// ErrCodeExhausted error wrapping the last failure.
func (p *RetryPolicy) Do(ctx context.Context, fn RetryFunc) error {
	op := &RetryOperation{Fn: fn, Policy: p}
	return op.Execute(ctx)
}

// Delay returns the wait before the given retry (1-based), exponential in the
// attempt number, capped at MaxDelay and spread by Jitter.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		jitter := p.Jitter
		if jitter > 1 {
			jitter = 1
		}
		// uniform in [delay*(1-jitter), delay*(1+jitter)]
		delay = delay * (1 - jitter + 2*jitter*rand.Float64())
	}
	return time.Duration(delay)
}

func (p *RetryPolicy) retryable(err error) bool {
	var settleErr *SettleError
	if errors.As(err, &settleErr) {
		for _, code := range p.RetryableErrors {
			if settleErr.Code == code {
				return true
			}
		}
		return false
	}
	return IsRetryable(err)
}

// RetryOperation represents an operation that can be retried
type RetryOperation struct {
	Name      string
	Fn        RetryFunc
	Policy    *RetryPolicy
	OnAttempt func(attempt int)
	OnRetry   func(attempt int, err error, wait time.Duration)
	OnSuccess func(attempt int)
	OnFailure func(err error)
}

// Execute runs the retry operation
func (op *RetryOperation) Execute(ctx context.Context) error {
	policy := op.Policy
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	fail := func(err error) error {
		if op.OnFailure != nil {
			op.OnFailure(err)
		}
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		if op.OnAttempt != nil {
			op.OnAttempt(attempt)
		}

		err := op.Fn()
		if err == nil {
			if op.OnSuccess != nil {
				op.OnSuccess(attempt)
			}
			return nil
		}
		lastErr = err

		if !policy.retryable(err) {
			return fail(err)
		}
		if attempt == maxAttempts {
			break
		}

		wait := policy.Delay(attempt)
		if op.OnRetry != nil {
			op.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fail(ctx.Err())
		case <-timer.C:
		}
	}

	message := "maximum retry attempts exceeded"
	if op.Name != "" {
		message = "operation '" + op.Name + "' failed after retries"
	}
	exhausted := NewSettleError(ErrCodeExhausted, op.Name, message, lastErr).
		WithContext("attempts", maxAttempts)
	return fail(exhausted)
}
