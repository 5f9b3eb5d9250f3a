// Package ratelimit implements a fixed-window request counter keyed by
// policy name and client identity. Counting is delegated to a Store so the
// same policies run against process memory or a shared Redis.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Policy names used by the HTTP layer.
const (
	PolicyAuth          = "auth"
	PolicyStrictAuth    = "strict_auth"
	PolicyAPI           = "api"
	PolicyAdmin         = "admin"
	PolicyUpload        = "upload"
	PolicyPasswordReset = "password_reset"
	PolicyRegister      = "register"
)

// Policy is a named limit of MaxRequests per Window.
type Policy struct {
	Name        string
	Window      time.Duration
	MaxRequests int
}

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		PolicyAuth:          {Name: PolicyAuth, Window: 15 * time.Minute, MaxRequests: 5},
		PolicyStrictAuth:    {Name: PolicyStrictAuth, Window: time.Hour, MaxRequests: 3},
		PolicyAPI:           {Name: PolicyAPI, Window: 15 * time.Minute, MaxRequests: 100},
		PolicyAdmin:         {Name: PolicyAdmin, Window: 5 * time.Minute, MaxRequests: 50},
		PolicyUpload:        {Name: PolicyUpload, Window: time.Hour, MaxRequests: 10},
		PolicyPasswordReset: {Name: PolicyPasswordReset, Window: time.Hour, MaxRequests: 3},
		PolicyRegister:      {Name: PolicyRegister, Window: time.Hour, MaxRequests: 5},
	}
}

// Store performs the atomic part of the algorithm: reset the bucket at key if
// its window has ended, then increment it. It returns the post-increment
// count and the end of the current window.
type Store interface {
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (count int64, resetAt time.Time, err error)
}

// Decision is the outcome of a single Check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter int // whole seconds, only set when !Allowed
}

// Limiter checks requests against named policies.
type Limiter struct {
	store    Store
	prefix   string
	policies map[string]Policy
	now      func() time.Time
}

// NewLimiter returns a Limiter over store. Keys are namespaced with prefix.
func NewLimiter(store Store, prefix string, policies map[string]Policy) *Limiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Limiter{store: store, prefix: prefix, policies: policies, now: time.Now}
}

// Policy looks up a policy by name.
func (l *Limiter) Policy(name string) (Policy, bool) {
	p, ok := l.policies[name]
	return p, ok
}

// Check counts one request from identity against the named policy.
func (l *Limiter) Check(ctx context.Context, policy, identity string) (Decision, error) {
	p, ok := l.policies[policy]
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: unknown policy %q", policy)
	}
	now := l.now()
	count, resetAt, err := l.store.Hit(ctx, l.key(p.Name, identity), p.Window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: hit %s: %w", p.Name, err)
	}

	d := Decision{Limit: p.MaxRequests, ResetAt: resetAt}
	if count <= int64(p.MaxRequests) {
		d.Allowed = true
		d.Remaining = p.MaxRequests - int(count)
		return d, nil
	}
	d.RetryAfter = int(math.Ceil(float64(resetAt.Sub(now).Milliseconds()) / 1000.0))
	if d.RetryAfter < 1 {
		d.RetryAfter = 1
	}
	return d, nil
}

func (l *Limiter) key(policy, identity string) string {
	if identity == "" {
		identity = "unknown"
	}
	if l.prefix == "" {
		return policy + ":" + identity
	}
	return l.prefix + ":" + policy + ":" + identity
}
