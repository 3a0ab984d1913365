// Package metrics holds the Prometheus collectors for the bridge.
//
// Collectors live on their own registry so tests can build as many Metrics as
// they like, and /metrics exposes exactly what this process registers.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"voice-bridge/internal/resilience"
	"voice-bridge/internal/tickets"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voice_bridge"

type Metrics struct {
	Registry *prometheus.Registry

	// HTTPRequests counts requests by route group, route and status code.
	HTTPRequests *prometheus.CounterVec
	// HTTPDuration measures handler latency in seconds.
	HTTPDuration *prometheus.HistogramVec

	// PolicyCalls counts finished policy executions.
	// Labels: policy, outcome (success|permanent|retryable|circuit_rejected)
	PolicyCalls *prometheus.CounterVec
	// PolicyAttempts observes attempts per policy execution.
	PolicyAttempts *prometheus.HistogramVec
	Retries        *prometheus.CounterVec

	// BreakerState is 0 closed, 1 open, 2 half-open.
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec

	OutboxTransitions *prometheus.CounterVec
	Bridges           *prometheus.CounterVec

	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP handler latency.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		PolicyCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_calls_total",
			Help:      "Finished resilience policy executions by outcome.",
		}, []string{"policy", "outcome"}),
		PolicyAttempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "policy_attempts",
			Help:      "Attempts made per policy execution.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8},
		}, []string{"policy"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_retries_total",
			Help:      "Retries scheduled after a retryable failure.",
		}, []string{"policy"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"breaker"}),
		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state changes.",
		}, []string{"breaker", "from", "to"}),
		OutboxTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_transitions_total",
			Help:      "Ticket outbox entries entering each status.",
		}, []string{"status"}),
		Bridges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_bridge_total",
			Help:      "Attempts to bridge the AI participant into a conference, by outcome.",
		}, []string{"outcome"}),
		JobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_job_runs_total",
			Help:      "Background job runs by result.",
		}, []string{"job", "result"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_job_duration_seconds",
			Help:      "Background job run time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job"}),
	}
}

// TrackSessions exports the live registry size, read at scrape time.
func (m *Metrics) TrackSessions(size func() int) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "call_sessions_active",
		Help:      "Call sessions currently held in the registry.",
	}, func() float64 { return float64(size()) }))
}

// PolicyHooks feeds resilience policies and breakers into the collectors.
func (m *Metrics) PolicyHooks() resilience.Hooks {
	return resilience.Hooks{
		OnRetry: func(policy string, _ int, _ error, _ time.Duration) {
			m.Retries.WithLabelValues(policy).Inc()
		},
		OnStateChange: func(name string, from, to resilience.State) {
			m.BreakerState.WithLabelValues(name).Set(float64(to))
			m.BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
		OnResult: func(policy string, res resilience.Result) {
			outcome := "success"
			if !res.Success {
				outcome = res.Class.String()
			}
			m.PolicyCalls.WithLabelValues(policy, outcome).Inc()
			m.PolicyAttempts.WithLabelValues(policy).Observe(float64(res.Attempts))
		},
	}
}

func (m *Metrics) OutboxStatus(s tickets.Status) {
	m.OutboxTransitions.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) BridgeOutcome(outcome string) {
	m.Bridges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) JobRun(name string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.JobRuns.WithLabelValues(name, result).Inc()
	m.JobDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// Middleware records per-route request counts and latency.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
