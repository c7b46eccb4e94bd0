package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/AlexKimmel/quotagate/internal/ratelimit"
)

type ctxKey int

const keyPrincipal ctxKey = 0

// Principal is the caller as far as the auth layer knows it. Tier resolution
// happens here, never in the rate limiter.
type Principal struct {
	KeyID  string
	UserID string
	Tier   ratelimit.Tier
}

// Anonymous is the principal of requests without credentials.
var Anonymous = Principal{Tier: ratelimit.TierAnonymous}

type APIKey struct {
	ID   string
	Tier ratelimit.Tier
}

type Options struct {
	// Header carries the API key secret, "X-API-Key" by default.
	Header string
	// UserHeader and TierHeader are set by a trusted session layer in front of
	// the gateway. Leave empty to ignore them.
	UserHeader string
	TierHeader string
	// Required rejects requests without an API key or user.
	Required bool
}

// Store is a static in-memory key store: secret -> key.
type Store struct {
	opts     Options
	bySecret map[string]APIKey
}

// NewStatic creates a new static key store from a map of secret -> key.
func NewStatic(opts Options, keys map[string]APIKey) *Store {
	if opts.Header == "" {
		opts.Header = "X-API-Key"
	}
	cp := make(map[string]APIKey, len(keys))
	for secret, k := range keys {
		if k.Tier == "" {
			k.Tier = ratelimit.TierFree
		}
		cp[secret] = k
	}
	return &Store{opts: opts, bySecret: cp}
}

func (s *Store) keyFor(secret string) (APIKey, bool) {
	k, ok := s.bySecret[secret]
	return k, ok
}

// WithPrincipal injects p into ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, keyPrincipal, p)
}

// PrincipalFrom extracts the principal from ctx, Anonymous if absent.
func PrincipalFrom(ctx context.Context) Principal {
	if p, ok := ctx.Value(keyPrincipal).(Principal); ok {
		return p
	}
	return Anonymous
}

// Middleware resolves the caller and writes JSON errors for bad credentials.
// It skips authentication for any path in skipPaths.
func (s *Store) Middleware(skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			p := Anonymous
			if s.opts.UserHeader != "" {
				if uid := strings.TrimSpace(r.Header.Get(s.opts.UserHeader)); uid != "" {
					p.UserID = uid
					p.Tier = ratelimit.TierFree
					if s.opts.TierHeader != "" {
						if t, ok := ratelimit.ParseTier(r.Header.Get(s.opts.TierHeader)); ok {
							p.Tier = t
						}
					}
				}
			}

			if secret := strings.TrimSpace(r.Header.Get(s.opts.Header)); secret != "" {
				k, ok := s.keyFor(secret)
				if !ok {
					writeJSON(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
					return
				}
				p.KeyID = k.ID
				if p.UserID == "" {
					p.Tier = k.Tier
				}
			} else if s.opts.Required && p.UserID == "" {
				writeJSON(w, http.StatusUnauthorized, "missing_api_key", "Provide API key in "+s.opts.Header)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": errCode, "message": msg},
	})
}
