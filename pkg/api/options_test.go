package api

import (
	"errors"
	"testing"
	"time"
)

func TestThresholdPolicy_Levels(t *testing.T) {
	p := ThresholdPolicy{Thresholds: []float64{10000, 1000}}

	cases := []struct {
		amount float64
		want   int
	}{
		{0, 1},
		{999.99, 1},
		{1000, 2},
		{9999, 2},
		{10000, 3},
		{250000, 3},
	}
	for _, c := range cases {
		if got := p.Levels(Entity{Amount: c.amount}); got != c.want {
			t.Fatalf("Levels(%v) = %d, want %d", c.amount, got, c.want)
		}
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := StandardRetryPolicy
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 64 * time.Second, 100 * time.Second, 100 * time.Second,
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := p.Delay(0); got != 0 {
		t.Fatalf("Delay(0) = %v, want 0", got)
	}
}

func TestRetryPolicies_For(t *testing.T) {
	r := DefaultRetryPolicies()

	if got := r.For(ActivityUpdateEntityStatus); got != StatusUpdateRetryPolicy {
		t.Fatalf("updateEntityStatus policy = %+v", got)
	}
	for _, n := range []ActivityName{ActivityNotifyApprover, ActivityNotifyEscalation, ActivityNotifyRequesterOutcome} {
		if got := r.For(n); got != NotificationRetryPolicy {
			t.Fatalf("%s policy = %+v", n, got)
		}
	}
	if got := r.For(ActivityRecordDecision); got != StandardRetryPolicy {
		t.Fatalf("recordDecision policy = %+v", got)
	}
}

func TestOptions_TenantOverrides(t *testing.T) {
	notify := RetryPolicy{InitialInterval: time.Millisecond, BackoffCoefficient: 1, MaxAttempts: 2}
	opts := DefaultOptions()
	opts.LevelTimeouts = map[int]time.Duration{2: 72 * time.Hour}
	opts.Thresholds = []float64{5000}
	opts.Tenants = map[string]TenantOptions{
		"acme": {
			LevelTimeout:  24 * time.Hour,
			LevelTimeouts: map[int]time.Duration{3: time.Hour},
			Thresholds:    []float64{100, 1000},
			RetryPolicies: &RetryPolicies{Standard: notify, StatusUpdate: notify, Notification: notify},
		},
	}

	if got := opts.LevelTimeoutFor("other", 1); got != DefaultLevelTimeout {
		t.Fatalf("default timeout = %v", got)
	}
	if got := opts.LevelTimeoutFor("other", 2); got != 72*time.Hour {
		t.Fatalf("per-level timeout = %v", got)
	}
	if got := opts.LevelTimeoutFor("acme", 1); got != 24*time.Hour {
		t.Fatalf("tenant timeout = %v", got)
	}
	if got := opts.LevelTimeoutFor("acme", 3); got != time.Hour {
		t.Fatalf("tenant per-level timeout = %v", got)
	}

	if got := opts.LevelPolicyFor("acme").Levels(Entity{Amount: 500}); got != 2 {
		t.Fatalf("tenant levels = %d, want 2", got)
	}
	if got := opts.LevelPolicyFor("other").Levels(Entity{Amount: 500}); got != 1 {
		t.Fatalf("default levels = %d, want 1", got)
	}

	if got := opts.RetryPoliciesFor("acme").Notification; got != notify {
		t.Fatalf("tenant retry policy = %+v", got)
	}
	if got := opts.RetryPoliciesFor("other"); got != DefaultRetryPolicies() {
		t.Fatalf("default retry policies = %+v", got)
	}
}

func TestOptions_Validate(t *testing.T) {
	opts := DefaultOptions()
	if err := opts.Validate(); err != nil {
		t.Fatalf("default options invalid: %v", err)
	}

	opts.LevelTimeouts = map[int]time.Duration{0: time.Hour}
	if err := opts.Validate(); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestInstanceIDRoundTrip(t *testing.T) {
	id := InstanceIDFor("INV-42")
	if id != "approval:INV-42" {
		t.Fatalf("InstanceIDFor = %q", id)
	}
	ent, ok := EntityIDFrom(id)
	if !ok || ent != "INV-42" {
		t.Fatalf("EntityIDFrom(%q) = %q, %v", id, ent, ok)
	}
	if _, ok := EntityIDFrom("INV-42"); ok {
		t.Fatalf("expected plain entity id to be rejected")
	}
}

func TestStatusIsTerminal(t *testing.T) {
	if StatusRunning.IsTerminal() {
		t.Fatalf("running must not be terminal")
	}
	for _, s := range []Status{StatusApproved, StatusRejected, StatusCancelled} {
		if !s.IsTerminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
}
