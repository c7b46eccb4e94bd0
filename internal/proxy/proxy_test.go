package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/quotagate/internal/routing"
)

func TestHandler_Proxies(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-Path", r.URL.Path)
		w.Header().Set("X-Upstream-XFF", r.Header.Get("X-Forwarded-For"))
		_, _ = io.WriteString(w, "hello")
	}))
	defer upstream.Close()

	up, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	req.RemoteAddr = "203.0.113.7:4000"
	req = routing.WithRoute(req, &routing.Route{ID: "api", UpURL: up})
	rec := httptest.NewRecorder()
	Handler(NewHTTPTransport()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "/api/items", rec.Header().Get("X-Upstream-Path"))
	assert.Equal(t, "203.0.113.7", rec.Header().Get("X-Upstream-XFF"))
}

func TestHandler_NoRoute(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(NewHTTPTransport()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no_route")
}

func TestHandler_UpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	up, _ := url.Parse(upstream.URL)
	upstream.Close()

	req := routing.WithRoute(httptest.NewRequest(http.MethodGet, "/", nil), &routing.Route{ID: "dead", UpURL: up})
	rec := httptest.NewRecorder()
	Handler(NewHTTPTransport()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
