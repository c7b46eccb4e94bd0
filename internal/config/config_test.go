package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/quotagate/internal/admission"
	"github.com/AlexKimmel/quotagate/internal/ratelimit"
)

const validYAML = `
storage:
  backend: distributed
  redis: { addr: "localhost:6379" }
limits:
  fail_mode: open
  scopes:
    auth.login:
      fail_mode: closed
      default: { limit: 5, window_ms: 60000 }
      policies:
        - { tier: free, limit: 10, window_ms: 60000 }
    api.general:
      policies:
        - { tier: enterprise, limit: -1, window_ms: 60000 }
auth:
  keys:
    - { id: ci, secret: s1, tier: pro }
routes:
  - id: login
    scope: auth.login
    match: { path_prefix: /auth/login }
    upstream: { url: "http://localhost:9000" }
  - id: rest
    match: { path_prefix: / }
    upstream: { url: "http://localhost:9001" }
`

func TestParse_Valid(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "/metrics", cfg.Observability.PrometheusPath)
	assert.Equal(t, "X-API-Key", cfg.Auth.Header)
	assert.Equal(t, 50*time.Millisecond, cfg.Storage.Timeout())
	assert.Equal(t, time.Minute, cfg.Storage.SweepInterval())
	assert.Equal(t, 1000, cfg.Violations.Capacity)
	assert.Equal(t, "/admin", cfg.Admin.PathPrefix)
	assert.Equal(t, "default", cfg.Routes[1].Scope)
	assert.Equal(t, 3000, cfg.Routes[1].Upstream.TimeoutMS)

	res, err := cfg.Resolver()
	require.NoError(t, err)

	p := res.Resolve(ratelimit.TierFree, "auth.login")
	assert.Equal(t, 10, p.Limit)
	p = res.Resolve(ratelimit.TierAnonymous, "auth.login")
	assert.Equal(t, 5, p.Limit, "scope default applies to missing tiers")
	assert.Equal(t, ratelimit.TierAnonymous, p.Tier)
	p = res.Resolve(ratelimit.TierEnterprise, "api.general")
	assert.True(t, p.Unlimited())
	p = res.Resolve(ratelimit.TierPro, "unknown.scope")
	assert.Equal(t, 60, p.Limit)
	assert.Equal(t, time.Minute, p.Window)

	def, modes := cfg.FailModes()
	assert.Equal(t, admission.FailOpen, def)
	assert.Equal(t, admission.FailClosed, modes["auth.login"])
	_, ok := modes["api.general"]
	assert.False(t, ok)
}

func TestParse_Invalid(t *testing.T) {
	cases := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name:  "bad backend",
			yaml:  "storage: { backend: etcd }",
			field: "storage.backend",
		},
		{
			name:  "distributed without addr",
			yaml:  "storage: { backend: distributed }",
			field: "storage.redis.addr",
		},
		{
			name:  "zero window",
			yaml:  "limits: { scopes: { api: { policies: [ { tier: free, limit: 1, window_ms: 0 } ] } } }",
			field: "limits.api.free",
		},
		{
			name:  "negative window",
			yaml:  "limits: { default: { limit: 10, window_ms: -5 } }",
			field: "limits.default",
		},
		{
			name:  "limit below unlimited",
			yaml:  "limits: { scopes: { api: { policies: [ { tier: free, limit: -2, window_ms: 1000 } ] } } }",
			field: "limits.api.free",
		},
		{
			name:  "unknown tier",
			yaml:  "limits: { scopes: { api: { policies: [ { tier: gold, limit: 1, window_ms: 1000 } ] } } }",
			field: "limits.scopes.api.policies[0].tier",
		},
		{
			name:  "empty scope",
			yaml:  "limits: { scopes: { api: { fail_mode: open } } }",
			field: "limits.scopes.api",
		},
		{
			name:  "bad fail mode",
			yaml:  "limits: { fail_mode: maybe }",
			field: "limits.fail_mode",
		},
		{
			name:  "route with unknown scope",
			yaml:  "routes: [ { id: a, scope: nope, upstream: { url: 'http://x' } } ]",
			field: "routes[0].scope",
		},
		{
			name:  "duplicate route",
			yaml:  "routes: [ { id: a, upstream: { url: 'http://x' } }, { id: a, upstream: { url: 'http://y' } } ]",
			field: "routes[1].id",
		},
		{
			name:  "bad upstream",
			yaml:  "routes: [ { id: a, upstream: { url: 'not a url' } } ]",
			field: "routes[0].upstream.url",
		},
		{
			name:  "duplicate secret",
			yaml:  "auth: { keys: [ { id: a, secret: s }, { id: b, secret: s } ] }",
			field: "auth.keys[1].secret",
		},
		{
			name:  "store timeout above write timeout",
			yaml:  "server: { write_timeout_ms: 100 }\nstorage: { timeout_ms: 200 }",
			field: "storage.timeout_ms",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			var ce *ConfigError
			require.True(t, errors.As(err, &ce), "got %T: %v", err, err)
			assert.Equal(t, tc.field, ce.Field)
		})
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, BackendDistributed, cfg.Storage.Backend)
	assert.True(t, cfg.Storage.Fallback)
	assert.Len(t, cfg.Routes, 3)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestParse_AdminReadOnlyWithoutToken(t *testing.T) {
	cfg, err := Parse([]byte("limits: { default: { limit: 10, window_ms: 1000 } }"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Admin.Token)
	assert.True(t, cfg.Admin.ReadOnly())

	cfg, err = Parse([]byte("admin: { token: s3cret }"))
	require.NoError(t, err)
	assert.False(t, cfg.Admin.ReadOnly())
}
