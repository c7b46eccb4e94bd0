// Package admission decides whether a request may proceed under its quota.
//
// A decision runs RESOLVE_POLICY, BUILD_KEY and CHECK_STORE in order and ends
// in ALLOW or DENY. There are no retries. A store failure is the only
// recoverable error: it is resolved by the scope's FailMode and never reaches
// the caller.
package admission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/AlexKimmel/quotagate/internal/obs"
	"github.com/AlexKimmel/quotagate/internal/ratelimit"
	"github.com/AlexKimmel/quotagate/internal/violation"
)

type FailMode int

const (
	// FailOpen admits requests while the store is unavailable.
	FailOpen FailMode = iota
	// FailClosed rejects requests while the store is unavailable.
	FailClosed
)

func ParseFailMode(s string) (FailMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "open":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	}
	return FailOpen, fmt.Errorf("unknown fail mode %q", s)
}

func (m FailMode) String() string {
	if m == FailClosed {
		return "closed"
	}
	return "open"
}

type Outcome int

const (
	Allow Outcome = iota
	Deny
)

func (o Outcome) String() string {
	if o == Deny {
		return "deny"
	}
	return "allow"
}

type Request struct {
	Scope    string
	Tier     ratelimit.Tier
	Identity ratelimit.Identity
}

type Decision struct {
	Outcome Outcome
	Policy  ratelimit.Policy
	Key     ratelimit.Key
	Subject ratelimit.Subject

	Count     int64
	Remaining int
	ResetAt   time.Time
	// RetryAfter is the time left in the window, zero when allowed.
	RetryAfter time.Duration

	// Unlimited is set when the policy bypassed the store.
	Unlimited bool
	// StoreFailed is set when the outcome came from the scope's FailMode.
	StoreFailed bool
}

func (d Decision) Allowed() bool { return d.Outcome == Allow }

type Config struct {
	Store      ratelimit.Store
	Resolver   *ratelimit.Resolver
	Violations *violation.Log

	// DefaultFailMode applies to scopes without an entry in FailModes.
	DefaultFailMode FailMode
	FailModes       map[string]FailMode

	Logger  zerolog.Logger
	Metrics *obs.Metrics
	// StoreErrorLogInterval spaces out store failure logs within one outage.
	StoreErrorLogInterval time.Duration
	Now                   func() time.Time
}

type Controller struct {
	store      ratelimit.Store
	resolver   *ratelimit.Resolver
	violations *violation.Log
	defMode    FailMode
	modes      map[string]FailMode
	log        zerolog.Logger
	metrics    *obs.Metrics
	now        func() time.Time
	errLog     *rate.Sometimes
}

func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("admission: store is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("admission: resolver is required")
	}
	if cfg.Violations == nil {
		cfg.Violations = violation.New(violation.DefaultCapacity)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StoreErrorLogInterval <= 0 {
		cfg.StoreErrorLogInterval = 30 * time.Second
	}
	modes := make(map[string]FailMode, len(cfg.FailModes))
	for k, v := range cfg.FailModes {
		modes[k] = v
	}
	return &Controller{
		store:      cfg.Store,
		resolver:   cfg.Resolver,
		violations: cfg.Violations,
		defMode:    cfg.DefaultFailMode,
		modes:      modes,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		errLog:     &rate.Sometimes{First: 1, Interval: cfg.StoreErrorLogInterval},
	}, nil
}

func (c *Controller) Violations() *violation.Log { return c.violations }

func (c *Controller) Store() ratelimit.Store { return c.store }

func (c *Controller) FailModeFor(scope string) FailMode {
	if m, ok := c.modes[scope]; ok {
		return m
	}
	return c.defMode
}

// Admit runs the admission decision for one request.
func (c *Controller) Admit(ctx context.Context, req Request) Decision {
	now := c.now()

	// RESOLVE_POLICY
	policy := c.resolver.Resolve(req.Tier, req.Scope)
	if policy.Unlimited() {
		c.metrics.ObserveDecision(req.Scope, "unlimited")
		return Decision{Outcome: Allow, Policy: policy, Unlimited: true, Remaining: -1}
	}

	// BUILD_KEY
	key, sub := ratelimit.BuildKey(req.Scope, req.Identity)
	if sub.Kind == ratelimit.KindUnknown {
		// No usable identity: shared key under the most restrictive tier.
		policy = c.resolver.Resolve(ratelimit.TierAnonymous, req.Scope)
		c.log.Debug().Str("scope", req.Scope).Msg("request without usable identity, using anonymous key")
		if policy.Unlimited() {
			c.metrics.ObserveDecision(req.Scope, "unlimited")
			return Decision{Outcome: Allow, Policy: policy, Key: key, Subject: sub, Unlimited: true, Remaining: -1}
		}
	}

	// CHECK_STORE
	// The increment is not cancelled with the request: a consumed slot stays
	// consumed.
	start := time.Now()
	counter, err := c.store.Increment(context.WithoutCancel(ctx), string(key), policy.Window, now)
	c.metrics.ObserveStore(req.Scope, time.Since(start), err)
	if err != nil {
		return c.storeFailed(req, policy, key, sub, now, err)
	}

	d := Decision{
		Policy:    policy,
		Key:       key,
		Subject:   sub,
		Count:     counter.Count,
		Remaining: remaining(policy.Limit, counter.Count),
		ResetAt:   counter.ResetAt,
	}
	if counter.Count <= int64(policy.Limit) {
		d.Outcome = Allow
		c.metrics.ObserveDecision(req.Scope, "allow")
		return d
	}

	d.Outcome = Deny
	d.RetryAfter = retryAfter(counter.ResetAt, now)
	c.metrics.ObserveDecision(req.Scope, "deny")
	c.metrics.ObserveViolation(req.Scope)
	c.violations.Append(violation.Record{
		Key:        string(key),
		Scope:      req.Scope,
		Identity:   string(sub.Kind) + ":" + sub.Value,
		IP:         sub.IP,
		UserID:     userID(sub),
		Timestamp:  now,
		ExceededBy: counter.Count - int64(policy.Limit),
	})
	return d
}

func (c *Controller) storeFailed(req Request, policy ratelimit.Policy, key ratelimit.Key, sub ratelimit.Subject, now time.Time, err error) Decision {
	mode := c.FailModeFor(req.Scope)
	c.errLog.Do(func() {
		c.log.Warn().Err(err).
			Str("scope", req.Scope).
			Str("fail_mode", mode.String()).
			Msg("counter store unavailable")
	})

	_, end := ratelimit.WindowBounds(now, policy.Window)
	d := Decision{
		Policy:      policy,
		Key:         key,
		Subject:     sub,
		ResetAt:     end,
		StoreFailed: true,
	}
	if mode == FailClosed {
		d.Outcome = Deny
		d.Remaining = 0
		d.RetryAfter = retryAfter(end, now)
		c.metrics.ObserveDecision(req.Scope, "fail_closed")
		return d
	}
	d.Outcome = Allow
	d.Remaining = remaining(policy.Limit, 0)
	c.metrics.ObserveDecision(req.Scope, "fail_open")
	return d
}

func remaining(limit int, count int64) int {
	r := int64(limit) - count
	if r < 0 {
		return 0
	}
	return int(r)
}

func retryAfter(reset, now time.Time) time.Duration {
	d := reset.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func userID(s ratelimit.Subject) string {
	if s.Kind == ratelimit.KindUser {
		return s.Value
	}
	return ""
}
