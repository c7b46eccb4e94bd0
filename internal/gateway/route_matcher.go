package gateway

import (
	"net/http"

	"github.com/AlexKimmel/quotagate/internal/routing"
)

// RouteMatcher attaches the matched route to the request. Unmatched requests
// pass through without a route so they are still admitted under the default
// scope; the terminal handler answers them with 404.
func RouteMatcher(rr *routing.Router, skip map[string]struct{}) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			rt, ok := rr.Match(r.Method, r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, routing.WithRoute(r, rt))
		})
	}
}
