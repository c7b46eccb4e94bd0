package gateway

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AlexKimmel/quotagate/internal/admission"
	"github.com/AlexKimmel/quotagate/internal/auth"
	"github.com/AlexKimmel/quotagate/internal/ratelimit"
	"github.com/AlexKimmel/quotagate/internal/routing"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderPolicy     = "X-RateLimit-Policy"
	HeaderRetryAfter = "Retry-After"

	// UnlimitedValue is sent in X-RateLimit-Limit for unlimited policies.
	UnlimitedValue = "unlimited"

	ErrCodeRateLimited = "RATE_LIMIT_EXCEEDED"

	// ResetFormat is RFC 3339 in UTC with millisecond precision.
	ResetFormat = "2006-01-02T15:04:05.000Z07:00"
)

// Admitter is satisfied by *admission.Controller.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) admission.Decision
}

type RateLimitOptions struct {
	// SkipPaths are never rate limited.
	SkipPaths map[string]struct{}
	// TrustForwardedFor takes the client IP from X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustForwardedFor bool
}

// Rejection is the JSON body of a 429 response.
type Rejection struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"`
	Limit      int    `json:"limit"`
	ResetAt    string `json:"resetAt"`
}

func RateLimit(adm Admitter, opts RateLimitOptions) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := opts.SkipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			p := auth.PrincipalFrom(r.Context())
			scope := routing.ScopeFrom(r)

			dec := adm.Admit(r.Context(), admission.Request{
				Scope: scope,
				Tier:  p.Tier,
				Identity: ratelimit.Identity{
					UserID: p.UserID,
					APIKey: p.KeyID,
					IP:     ClientIP(r, opts.TrustForwardedFor),
				},
			})

			SetHeaders(w.Header(), dec)

			if !dec.Allowed() {
				writeRejection(w, scope, dec)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SetHeaders writes the rate limit headers for dec. Unlimited decisions only
// get the sentinel limit.
func SetHeaders(h http.Header, dec admission.Decision) {
	if dec.Unlimited {
		h.Set(HeaderLimit, UnlimitedValue)
		return
	}
	h.Set(HeaderLimit, strconv.Itoa(dec.Policy.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(max(dec.Remaining, 0)))
	h.Set(HeaderReset, dec.ResetAt.UTC().Format(ResetFormat))
	h.Set(HeaderPolicy, strconv.Itoa(dec.Policy.Limit)+";w="+windowSeconds(dec.Policy.Window))
}

// windowSeconds renders the window in seconds, keeping a fraction for windows
// that are not whole seconds.
func windowSeconds(d time.Duration) string {
	return strconv.FormatFloat(float64(d.Milliseconds())/1000, 'f', -1, 64)
}

func writeRejection(w http.ResponseWriter, scope string, dec admission.Decision) {
	secs := ceilSeconds(dec.RetryAfter)
	w.Header().Set(HeaderRetryAfter, strconv.FormatInt(secs, 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(Rejection{
		Error:      ErrCodeRateLimited,
		Message:    rejectionMessage(scope, dec.Policy.Tier, secs),
		RetryAfter: secs,
		Limit:      dec.Policy.Limit,
		ResetAt:    dec.ResetAt.UTC().Format(ResetFormat),
	})
}

func rejectionMessage(scope string, tier ratelimit.Tier, secs int64) string {
	var b strings.Builder
	b.WriteString("Too many requests for ")
	b.WriteString(scope)
	b.WriteString(". Try again in ")
	b.WriteString(strconv.FormatInt(secs, 10))
	b.WriteString(" seconds.")
	switch tier {
	case ratelimit.TierAnonymous:
		b.WriteString(" Sign in or use an API key for higher limits.")
	case ratelimit.TierFree, ratelimit.TierPro:
		b.WriteString(" Upgrade your plan for higher limits.")
	}
	return b.String()
}

// ceilSeconds rounds up so clients never retry before the window resets.
func ceilSeconds(d time.Duration) int64 {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
