package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/quotagate/internal/routing"
)

type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	Decisions        *prometheus.CounterVec
	Violations       *prometheus.CounterVec
	StoreErrors      *prometheus.CounterVec
	StoreLatency     prometheus.Histogram
	FallbackEvents   prometheus.Counter
	FallbackRequests prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_requests_total",
				Help: "Total HTTP requests processed by the gateway",
			},
			[]string{"scope", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotagate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"scope", "method"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_admission_decisions_total",
				Help: "Admission decisions by scope and outcome",
			},
			[]string{"scope", "outcome"},
		),
		Violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_violations_total",
				Help: "Requests rejected for exceeding their quota",
			},
			[]string{"scope"},
		),
		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_store_errors_total",
				Help: "Counter store failures seen by the admission path",
			},
			[]string{"scope"},
		),
		StoreLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quotagate_store_duration_seconds",
				Help:    "Counter store increment latency",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
			},
		),
		FallbackEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quotagate_store_fallback_events_total",
				Help: "Times the primary counter store failed over to the local store",
			},
		),
		FallbackRequests: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quotagate_store_fallback_requests_total",
				Help: "Store calls served by the local store while the primary was down",
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.Decisions, m.Violations,
		m.StoreErrors, m.StoreLatency, m.FallbackEvents, m.FallbackRequests,
	)
	return m
}

// The Observe/Inc helpers accept a nil *Metrics so callers need not check.

func (m *Metrics) ObserveDecision(scope, outcome string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(scope, outcome).Inc()
}

func (m *Metrics) ObserveViolation(scope string) {
	if m == nil {
		return
	}
	m.Violations.WithLabelValues(scope).Inc()
}

func (m *Metrics) ObserveStore(scope string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.StoreLatency.Observe(d.Seconds())
	if err != nil {
		m.StoreErrors.WithLabelValues(scope).Inc()
	}
}

func (m *Metrics) IncFallbackEvent() {
	if m == nil {
		return
	}
	m.FallbackEvents.Inc()
}

func (m *Metrics) IncFallbackRequest() {
	if m == nil {
		return
	}
	m.FallbackRequests.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Middleware records per-request metrics labelled with the scope of the route
// attached by the route matcher.
func (m *Metrics) Middleware(skip map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			scope := routing.ScopeFrom(r)

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(scope, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(scope, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
