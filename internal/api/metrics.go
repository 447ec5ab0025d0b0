package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/org/agentguard/internal/gateway"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics live in a per-server registry so several servers (tests) can
// coexist in one process.
type metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	operationsTotal  *prometheus.CounterVec
	opDuration       *prometheus.HistogramVec
	policyViolations prometheus.Counter
}

func newMetrics(gw *gateway.Service) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentguard_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentguard_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentguard_operations_total",
			Help: "Gateway operations by name and result kind.",
		}, []string{"op", "result"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentguard_operation_duration_seconds",
			Help:    "Gateway operation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		policyViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentguard_policy_violations_total",
			Help: "Requests rejected by the outbound policy.",
		}),
	}
	m.registry.MustRegister(
		m.requestsTotal, m.requestDuration, m.operationsTotal, m.opDuration, m.policyViolations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agentguard_pending_approvals",
			Help: "Approvals waiting for a human decision.",
		}, func() float64 { return float64(gw.PendingApprovals()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agentguard_vault_unlocked",
			Help: "Vault state: 0=locked, 1=unlocked.",
		}, func() float64 {
			if gw.VaultUnlocked() {
				return 1
			}
			return 0
		}),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeOp(op, result string, d time.Duration) {
	m.operationsTotal.WithLabelValues(op, result).Inc()
	m.opDuration.WithLabelValues(op).Observe(d.Seconds())
	if result == gateway.KindPolicyViolation {
		m.policyViolations.Inc()
	}
}

// middleware records request metrics keyed by the matched route pattern.
func (m *metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		m.requestsTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(dur)
	})
}
