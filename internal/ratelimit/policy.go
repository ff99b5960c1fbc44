package ratelimit

import (
	"fmt"
	"time"
)

// Policy is the bucket shape for a tenant class.
type Policy struct {
	Capacity   float64 `yaml:"capacity"`    // burst size
	RefillRate float64 `yaml:"refill_rate"` // tokens per second
}

// DefaultPolicy allows a burst of 60 and one request per second.
var DefaultPolicy = Policy{Capacity: 60, RefillRate: 1}

// Validate reports whether the policy can ever admit a request.
func (p Policy) Validate() error {
	if p.Capacity < 1 {
		return fmt.Errorf("capacity must be >= 1, got %v", p.Capacity)
	}
	if p.RefillRate <= 0 {
		return fmt.Errorf("refill_rate must be > 0, got %v", p.RefillRate)
	}
	return nil
}

// retryAfter returns how long until deficit tokens have been refilled.
func (p Policy) retryAfter(deficit float64) time.Duration {
	if deficit <= 0 || p.RefillRate <= 0 {
		return 0
	}
	return time.Duration(deficit / p.RefillRate * float64(time.Second))
}

// Policies resolves the Policy for a tenant. A tier named by the caller's
// credential wins over the static tenant assignment; both fall back to
// Default.
type Policies struct {
	Default Policy
	Classes map[string]Policy
	Tenants map[string]string // tenant id → class
}

// UniformPolicies applies p to every tenant.
func UniformPolicies(p Policy) *Policies {
	return &Policies{Default: p}
}

// Validate checks every policy and every tenant assignment.
func (ps *Policies) Validate() error {
	if err := ps.Default.Validate(); err != nil {
		return fmt.Errorf("default: %w", err)
	}
	for name, p := range ps.Classes {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("class %q: %w", name, err)
		}
	}
	for tenant, class := range ps.Tenants {
		if _, ok := ps.Classes[class]; !ok {
			return fmt.Errorf("tenant %q: unknown class %q", tenant, class)
		}
	}
	return nil
}

// Resolve returns the policy and class name for tenant. An unknown tier is
// ignored.
func (ps *Policies) Resolve(tenant, tier string) (Policy, string) {
	if tier != "" {
		if p, ok := ps.Classes[tier]; ok {
			return p, tier
		}
	}
	if class, ok := ps.Tenants[tenant]; ok {
		if p, ok := ps.Classes[class]; ok {
			return p, class
		}
	}
	return ps.Default, "default"
}
