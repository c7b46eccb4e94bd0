package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/quotagate/internal/routing"
)

func TestMetrics_Middleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	h := m.Middleware(map[string]struct{}{"/health": {}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	req := routing.WithRoute(httptest.NewRequest(http.MethodGet, "/api", nil), &routing.Route{Scope: "api.general"})
	h.ServeHTTP(httptest.NewRecorder(), req)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("api.general", "GET", "429")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RequestsTotal))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDecision("s", "allow")
		m.ObserveViolation("s")
		m.ObserveStore("s", time.Millisecond, errors.New("x"))
		m.IncFallbackEvent()
		m.IncFallbackRequest()
	})
}

func TestMetrics_Store(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveStore("api", time.Millisecond, nil)
	m.ObserveStore("api", time.Millisecond, errors.New("down"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrors.WithLabelValues("api")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StoreLatency))
}

func TestLogger_WarnsOnRejection(t *testing.T) {
	var buf bytes.Buffer
	h := Logger(NewLogger(&buf, "info"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-Request-ID", "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, float64(429), line["status"])
	assert.Equal(t, "/api", line["path"])
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "WARN")
	l.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	l = NewLogger(&buf, "bogus")
	l.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}
