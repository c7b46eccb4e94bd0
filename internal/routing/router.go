package routing

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultScope applies to requests that match no route.
const DefaultScope = "default"

type Route struct {
	ID      string
	Scope   string
	Methods map[string]struct{} // empty matches every method
	Prefix  string
	UpURL   *url.URL
	Timeout time.Duration
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

func (r *Router) Add(rt *Route) {
	if rt.Scope == "" {
		rt.Scope = DefaultScope
	}
	r.routes = append(r.routes, rt)
}

func (r *Router) Routes() []*Route {
	return r.routes
}

// Match returns the first route whose method set and path prefix accept the
// request. Routes are tried in the order they were added.
func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if len(rt.Methods) > 0 {
			if _, ok := rt.Methods[m]; !ok {
				continue
			}
		}
		prefix := strings.TrimSuffix(strings.TrimSpace(rt.Prefix), "/")
		if prefix == "" {
			return rt, true
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

// --- context helpers ---
type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok
}

// ScopeFrom returns the scope of the matched route, or DefaultScope.
func ScopeFrom(r *http.Request) string {
	if rt, ok := RouteFrom(r); ok && rt != nil && rt.Scope != "" {
		return rt.Scope
	}
	return DefaultScope
}
