package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

type Tier string

const (
	TierAnonymous  Tier = "anonymous"
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier maps a tier name to a Tier. Unknown names yield TierAnonymous and
// false.
func ParseTier(s string) (Tier, bool) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierAnonymous, TierFree, TierPro, TierEnterprise:
		return t, true
	}
	return TierAnonymous, false
}

// ScopePolicies is the per-tier policy table of one scope. Fallback, when
// set, applies to tiers missing from Tiers.
type ScopePolicies struct {
	Tiers    map[Tier]Policy
	Fallback *Policy
}

// ConfigError reports an invalid policy table.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid rate limit config: %s: %s", e.Field, e.Reason)
}

// ValidatePolicy rejects windows <= 0 and limits below Unlimited.
func ValidatePolicy(field string, p Policy) error {
	if p.Window <= 0 {
		return &ConfigError{Field: field, Reason: fmt.Sprintf("window must be > 0, got %s", p.Window)}
	}
	if p.Window < time.Millisecond {
		return &ConfigError{Field: field, Reason: "window must be at least 1ms"}
	}
	if p.Limit < Unlimited {
		return &ConfigError{Field: field, Reason: fmt.Sprintf("limit must be >= %d, got %d", Unlimited, p.Limit)}
	}
	return nil
}

// Resolver maps (tier, scope) to a Policy. It is immutable after construction.
type Resolver struct {
	def    Policy
	scopes map[string]ScopePolicies
}

func NewResolver(def Policy, scopes map[string]ScopePolicies) (*Resolver, error) {
	if err := ValidatePolicy("default", def); err != nil {
		return nil, err
	}
	cp := make(map[string]ScopePolicies, len(scopes))
	for name, sp := range scopes {
		if err := ValidateScope(name); err != nil {
			return nil, err
		}
		tiers := make(map[Tier]Policy, len(sp.Tiers))
		for tier, p := range sp.Tiers {
			if err := ValidatePolicy(name+"."+string(tier), p); err != nil {
				return nil, err
			}
			p.Tier = tier
			tiers[tier] = p
		}
		var fb *Policy
		if sp.Fallback != nil {
			if err := ValidatePolicy(name+".fallback", *sp.Fallback); err != nil {
				return nil, err
			}
			p := *sp.Fallback
			fb = &p
		}
		cp[name] = ScopePolicies{Tiers: tiers, Fallback: fb}
	}
	return &Resolver{def: def, scopes: cp}, nil
}

// Resolve returns the scope's entry for tier, then the scope's fallback, then
// the global default. The returned policy always carries tier.
func (r *Resolver) Resolve(tier Tier, scope string) Policy {
	if _, ok := ParseTier(string(tier)); !ok {
		tier = TierAnonymous
	}
	p := r.def
	if sp, ok := r.scopes[scope]; ok {
		if tp, ok := sp.Tiers[tier]; ok {
			return tp
		}
		if sp.Fallback != nil {
			p = *sp.Fallback
		}
	}
	p.Tier = tier
	return p
}

// HasScope reports whether scope has its own policy table.
func (r *Resolver) HasScope(scope string) bool {
	_, ok := r.scopes[scope]
	return ok
}

// ValidateScope accepts dotted lowercase names such as "auth.login".
func ValidateScope(scope string) error {
	if scope == "" || len(scope) > 64 {
		return &ConfigError{Field: "scope", Reason: fmt.Sprintf("%q must be 1-64 characters", scope)}
	}
	for _, c := range scope {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return &ConfigError{Field: "scope", Reason: fmt.Sprintf("%q contains %q", scope, c)}
		}
	}
	return nil
}
