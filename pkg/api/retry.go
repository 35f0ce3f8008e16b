package api

import "time"

// RetryBuilder provides a fluent way to construct RetryPolicy values for
// Options.RetryPolicies, TenantOptions.RetryPolicies and configuration
// overlays.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{}.WithMaxAttempts(maxAttempts)
}

// RetryFrom starts from an existing policy, typically one of the built-in
// ones, so only the fields being changed need to be given.
func RetryFrom(p RetryPolicy) RetryBuilder {
	return RetryBuilder{policy: p}
}

// WithMaxAttempts replaces the attempt limit. maxAttempts <= 0 is treated
// as 1.
func (r RetryBuilder) WithMaxAttempts(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	p := r.policy
	p.MaxAttempts = maxAttempts
	return RetryBuilder{policy: p}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - multiplier > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example, the notification policy:
//
//	Retry(10).WithExponentialBackoff(500*time.Millisecond, 2.0, 30*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.InitialInterval = initial
	p.MaxInterval = max
	if multiplier <= 0 {
		multiplier = 2.0
	}
	p.BackoffCoefficient = multiplier
	return RetryBuilder{policy: p}
}

// WithConstantBackoff configures a constant delay between retries.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.InitialInterval = delay
	p.MaxInterval = 0
	p.BackoffCoefficient = 1.0
	return RetryBuilder{policy: p}
}

// Immediate disables any sleep between retries.
// Retries will still respect MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.InitialInterval = 0
	p.MaxInterval = 0
	p.BackoffCoefficient = 0
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
