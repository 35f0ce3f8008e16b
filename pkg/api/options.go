package api

import (
	"fmt"
	"sort"
	"time"
)

// DefaultLevelTimeout is the deadline for a single approval level.
const DefaultLevelTimeout = 48 * time.Hour

// DefaultActivityTimeout bounds a single activity attempt.
const DefaultActivityTimeout = 30 * time.Second

// RetryPolicy controls how an activity is retried when it returns a
// retryable error. MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 5 => initial call + up to 4 retries
//
// The delay before retry k (1-based) is
// InitialInterval * BackoffCoefficient^(k-1), capped at MaxInterval.
type RetryPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaxInterval        time.Duration
	MaxAttempts        int
}

// Delay returns the wait before retry number retry (1-based).
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 || p.InitialInterval <= 0 {
		return 0
	}
	coef := p.BackoffCoefficient
	if coef <= 0 {
		coef = 1
	}
	d := float64(p.InitialInterval)
	for i := 1; i < retry; i++ {
		d *= coef
		if p.MaxInterval > 0 && d >= float64(p.MaxInterval) {
			return p.MaxInterval
		}
	}
	if p.MaxInterval > 0 && time.Duration(d) > p.MaxInterval {
		return p.MaxInterval
	}
	return time.Duration(d)
}

// Built-in retry policies.
var (
	StandardRetryPolicy     = Retry(5).WithExponentialBackoff(time.Second, 2, 100*time.Second).Policy()
	StatusUpdateRetryPolicy = Retry(3).WithExponentialBackoff(time.Second, 2, 10*time.Second).Policy()
	NotificationRetryPolicy = Retry(10).WithExponentialBackoff(500*time.Millisecond, 2, 30*time.Second).Policy()
)

// RetryPolicies selects a policy per activity kind.
type RetryPolicies struct {
	Standard     RetryPolicy
	StatusUpdate RetryPolicy
	Notification RetryPolicy
}

// DefaultRetryPolicies returns the built-in policies.
func DefaultRetryPolicies() RetryPolicies {
	return RetryPolicies{
		Standard:     StandardRetryPolicy,
		StatusUpdate: StatusUpdateRetryPolicy,
		Notification: NotificationRetryPolicy,
	}
}

// For returns the policy that applies to the named activity.
func (r RetryPolicies) For(name ActivityName) RetryPolicy {
	switch {
	case name == ActivityUpdateEntityStatus:
		return r.StatusUpdate
	case name.IsNotification():
		return r.Notification
	default:
		return r.Standard
	}
}

// LevelPolicy computes how many approval levels an entity needs.
type LevelPolicy interface {
	Levels(e Entity) int
}

// LevelPolicyFunc adapts a function to LevelPolicy.
type LevelPolicyFunc func(e Entity) int

func (f LevelPolicyFunc) Levels(e Entity) int { return f(e) }

// ThresholdPolicy requires one level, plus one more for every threshold the
// entity amount reaches. Thresholds need not be sorted.
type ThresholdPolicy struct {
	Thresholds []float64
}

func (p ThresholdPolicy) Levels(e Entity) int {
	n := 1
	for _, t := range p.Thresholds {
		if e.Amount >= t {
			n++
		}
	}
	return n
}

// TenantOptions overrides engine defaults for one tenant. Zero fields fall
// back to the engine-wide value.
type TenantOptions struct {
	LevelTimeout  time.Duration
	LevelTimeouts map[int]time.Duration
	Thresholds    []float64
	RetryPolicies *RetryPolicies
}

// Options configures an engine.
type Options struct {
	// LevelTimeout is the default deadline per level.
	LevelTimeout time.Duration

	// LevelTimeouts overrides LevelTimeout for specific levels.
	LevelTimeouts map[int]time.Duration

	// Levels computes maxLevel when StartRequest.MaxLevel is zero. If nil,
	// a ThresholdPolicy over Thresholds is used.
	Levels     LevelPolicy
	Thresholds []float64

	RetryPolicies   RetryPolicies
	ActivityTimeout time.Duration

	// Lanes is the number of executor lanes.
	Lanes int

	Tenants map[string]TenantOptions

	Observer Observer
}

// DefaultOptions returns options with the built-in deadlines and policies.
func DefaultOptions() Options {
	return Options{
		LevelTimeout:    DefaultLevelTimeout,
		RetryPolicies:   DefaultRetryPolicies(),
		ActivityTimeout: DefaultActivityTimeout,
		Lanes:           8,
	}
}

// Validate checks options for values the engine cannot run with.
func (o Options) Validate() error {
	if o.LevelTimeout < 0 {
		return fmt.Errorf("%w: negative level timeout", ErrInvalidRequest)
	}
	for lvl, d := range o.LevelTimeouts {
		if lvl < 1 || d <= 0 {
			return fmt.Errorf("%w: level timeout %d=%s", ErrInvalidRequest, lvl, d)
		}
	}
	for id, t := range o.Tenants {
		if t.LevelTimeout < 0 {
			return fmt.Errorf("%w: tenant %q: negative level timeout", ErrInvalidRequest, id)
		}
	}
	return nil
}

// LevelTimeoutFor resolves the deadline for a tenant and level.
func (o Options) LevelTimeoutFor(tenantID string, level int) time.Duration {
	if t, ok := o.Tenants[tenantID]; ok {
		if d, ok := t.LevelTimeouts[level]; ok && d > 0 {
			return d
		}
		if t.LevelTimeout > 0 {
			return t.LevelTimeout
		}
	}
	if d, ok := o.LevelTimeouts[level]; ok && d > 0 {
		return d
	}
	if o.LevelTimeout > 0 {
		return o.LevelTimeout
	}
	return DefaultLevelTimeout
}

// LevelPolicyFor resolves the level policy for a tenant.
func (o Options) LevelPolicyFor(tenantID string) LevelPolicy {
	if t, ok := o.Tenants[tenantID]; ok && len(t.Thresholds) > 0 {
		return ThresholdPolicy{Thresholds: sortedCopy(t.Thresholds)}
	}
	if o.Levels != nil {
		return o.Levels
	}
	return ThresholdPolicy{Thresholds: sortedCopy(o.Thresholds)}
}

// RetryPoliciesFor resolves the retry policies for a tenant.
func (o Options) RetryPoliciesFor(tenantID string) RetryPolicies {
	if t, ok := o.Tenants[tenantID]; ok && t.RetryPolicies != nil {
		return *t.RetryPolicies
	}
	if o.RetryPolicies == (RetryPolicies{}) {
		return DefaultRetryPolicies()
	}
	return o.RetryPolicies
}

func sortedCopy(in []float64) []float64 {
	out := append([]float64(nil), in...)
	sort.Float64s(out)
	return out
}
