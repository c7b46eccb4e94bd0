package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/quotagate/internal/admission"
	"github.com/AlexKimmel/quotagate/internal/ratelimit"
	"github.com/AlexKimmel/quotagate/internal/routing"
)

const (
	BackendLocal       = "local"
	BackendDistributed = "distributed"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
	// TrustForwardedFor takes client IPs from X-Forwarded-For.
	TrustForwardedFor bool `yaml:"trust_forwarded_for"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type APIKey struct {
	ID       string            `yaml:"id"`
	Secret   string            `yaml:"secret"`
	Tier     string            `yaml:"tier"`
	Metadata map[string]string `yaml:"metadata"`
}

type Auth struct {
	Header     string   `yaml:"header"`
	UserHeader string   `yaml:"user_header"`
	TierHeader string   `yaml:"tier_header"`
	Required   bool     `yaml:"required"`
	Keys       []APIKey `yaml:"keys"`
}

type Redis struct {
	Addr          string `yaml:"addr"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	KeyPrefix     string `yaml:"key_prefix"`
	PoolSize      int    `yaml:"pool_size"`
	DialTimeoutMS int    `yaml:"dial_timeout_ms"`
}

type Storage struct {
	Backend         string `yaml:"backend"` // "local" or "distributed"
	TimeoutMS       int    `yaml:"timeout_ms"`
	Fallback        bool   `yaml:"fallback"`
	SweepIntervalMS int    `yaml:"sweep_interval_ms"`
	Redis           Redis  `yaml:"redis"`
}

type Policy struct {
	Tier     string `yaml:"tier"`
	Limit    int    `yaml:"limit"`
	WindowMS int64  `yaml:"window_ms"`
}

type Scope struct {
	FailMode string `yaml:"fail_mode"`
	// Default applies to tiers without an entry in Policies.
	Default  *Policy  `yaml:"default"`
	Policies []Policy `yaml:"policies"`
}

type Limits struct {
	Default  Policy           `yaml:"default"`
	FailMode string           `yaml:"fail_mode"`
	Scopes   map[string]Scope `yaml:"scopes"`
}

type Violations struct {
	Capacity int `yaml:"capacity"`
}

type Admin struct {
	PathPrefix string `yaml:"path_prefix"`
	// Token guards the admin API. Without it the API is read-only.
	Token string `yaml:"token"`
}

// ReadOnly reports whether counter resets and violation clears are disabled.
func (a Admin) ReadOnly() bool { return a.Token == "" }

type Routes struct {
	ID    string `yaml:"id"`
	Scope string `yaml:"scope"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		URL       string `yaml:"url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"upstream"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Storage       Storage       `yaml:"storage"`
	Limits        Limits        `yaml:"limits"`
	Violations    Violations    `yaml:"violations"`
	Admin         Admin         `yaml:"admin"`
	Routes        []Routes      `yaml:"routes"`
}

// ConfigError is fatal at startup: the gateway refuses to run with undefined
// quota behaviour.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string { return "config: " + e.Field + ": " + e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }

func fieldErr(field, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func (s Storage) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

func (s Storage) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalMS) * time.Millisecond
}

func (r Redis) DialTimeout() time.Duration {
	return time.Duration(r.DialTimeoutMS) * time.Millisecond
}

func (p Policy) toPolicy(tier ratelimit.Tier) ratelimit.Policy {
	return ratelimit.Policy{Limit: p.Limit, Window: time.Duration(p.WindowMS) * time.Millisecond, Tier: tier}
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Root) applyDefaults() {
	for i := range cfg.Routes {
		if cfg.Routes[i].Upstream.TimeoutMS <= 0 {
			cfg.Routes[i].Upstream.TimeoutMS = 3000
		}
		if cfg.Routes[i].Scope == "" {
			cfg.Routes[i].Scope = routing.DefaultScope
		}
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendLocal
	}
	if cfg.Storage.TimeoutMS <= 0 {
		cfg.Storage.TimeoutMS = 50
	}
	if cfg.Storage.SweepIntervalMS <= 0 {
		cfg.Storage.SweepIntervalMS = 60_000
	}
	if cfg.Storage.Redis.DialTimeoutMS <= 0 {
		cfg.Storage.Redis.DialTimeoutMS = 1000
	}
	// zero default means "not configured"; a limit of 0 is only valid per scope
	if cfg.Limits.Default.Limit == 0 && cfg.Limits.Default.WindowMS == 0 {
		cfg.Limits.Default.Limit = 60
		cfg.Limits.Default.WindowMS = 60_000
	}
	if cfg.Violations.Capacity <= 0 {
		cfg.Violations.Capacity = 1000
	}
	if cfg.Admin.PathPrefix == "" {
		cfg.Admin.PathPrefix = "/admin"
	}
}

// Validate checks everything that would otherwise fail on the request path.
func (cfg *Root) Validate() error {
	switch cfg.Storage.Backend {
	case BackendLocal:
	case BackendDistributed:
		if cfg.Storage.Redis.Addr == "" {
			return fieldErr("storage.redis.addr", "required for the distributed backend")
		}
	default:
		return fieldErr("storage.backend", "must be %q or %q, got %q", BackendLocal, BackendDistributed, cfg.Storage.Backend)
	}
	if cfg.Storage.Timeout() >= cfg.Server.WriteTimeout() {
		return fieldErr("storage.timeout_ms", "must be shorter than the server write timeout")
	}

	if _, err := admission.ParseFailMode(cfg.Limits.FailMode); err != nil {
		return &ConfigError{Field: "limits.fail_mode", Err: err}
	}
	for name, sc := range cfg.Limits.Scopes {
		if _, err := admission.ParseFailMode(sc.FailMode); err != nil {
			return &ConfigError{Field: "limits.scopes." + name + ".fail_mode", Err: err}
		}
	}
	res, err := cfg.Resolver()
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(cfg.Routes))
	for i, rt := range cfg.Routes {
		field := fmt.Sprintf("routes[%d]", i)
		if rt.ID == "" {
			return fieldErr(field+".id", "required")
		}
		if _, dup := seen[rt.ID]; dup {
			return fieldErr(field+".id", "duplicate route %q", rt.ID)
		}
		seen[rt.ID] = struct{}{}
		if rt.Scope != routing.DefaultScope && !res.HasScope(rt.Scope) {
			return fieldErr(field+".scope", "no policy configured for scope %q", rt.Scope)
		}
		u, err := url.Parse(rt.Upstream.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fieldErr(field+".upstream.url", "invalid upstream %q", rt.Upstream.URL)
		}
	}

	secrets := make(map[string]struct{}, len(cfg.Auth.Keys))
	for i, k := range cfg.Auth.Keys {
		field := fmt.Sprintf("auth.keys[%d]", i)
		if k.ID == "" || k.Secret == "" {
			return fieldErr(field, "id and secret are required")
		}
		if _, dup := secrets[k.Secret]; dup {
			return fieldErr(field+".secret", "duplicate secret")
		}
		secrets[k.Secret] = struct{}{}
		if k.Tier != "" {
			if _, ok := ratelimit.ParseTier(k.Tier); !ok {
				return fieldErr(field+".tier", "unknown tier %q", k.Tier)
			}
		}
	}
	return nil
}

// Resolver builds the policy resolver from the limits table.
func (cfg *Root) Resolver() (*ratelimit.Resolver, error) {
	scopes := make(map[string]ratelimit.ScopePolicies, len(cfg.Limits.Scopes))
	for name, sc := range cfg.Limits.Scopes {
		sp := ratelimit.ScopePolicies{Tiers: make(map[ratelimit.Tier]ratelimit.Policy, len(sc.Policies))}
		for i, p := range sc.Policies {
			tier, ok := ratelimit.ParseTier(p.Tier)
			if !ok {
				return nil, fieldErr(fmt.Sprintf("limits.scopes.%s.policies[%d].tier", name, i), "unknown tier %q", p.Tier)
			}
			if _, dup := sp.Tiers[tier]; dup {
				return nil, fieldErr(fmt.Sprintf("limits.scopes.%s.policies[%d].tier", name, i), "duplicate tier %q", tier)
			}
			sp.Tiers[tier] = p.toPolicy(tier)
		}
		if sc.Default != nil {
			fb := sc.Default.toPolicy("")
			sp.Fallback = &fb
		}
		if len(sp.Tiers) == 0 && sp.Fallback == nil {
			return nil, fieldErr("limits.scopes."+name, "no policies")
		}
		scopes[name] = sp
	}

	res, err := ratelimit.NewResolver(cfg.Limits.Default.toPolicy(""), scopes)
	if err != nil {
		var ce *ratelimit.ConfigError
		if errors.As(err, &ce) {
			return nil, &ConfigError{Field: "limits." + ce.Field, Err: errors.New(ce.Reason)}
		}
		return nil, err
	}
	return res, nil
}

// FailModes returns the per-scope fail modes and the default one.
func (cfg *Root) FailModes() (admission.FailMode, map[string]admission.FailMode) {
	def, _ := admission.ParseFailMode(cfg.Limits.FailMode)
	modes := make(map[string]admission.FailMode, len(cfg.Limits.Scopes))
	for name, sc := range cfg.Limits.Scopes {
		if sc.FailMode == "" {
			continue
		}
		m, _ := admission.ParseFailMode(sc.FailMode)
		modes[name] = m
	}
	return def, modes
}
