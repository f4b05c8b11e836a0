// Package metrics provides a Prometheus metrics registry for arbstr.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// arbstr_inflight_requests
	inFlight prometheus.Gauge

	// arbstr_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// arbstr_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// arbstr_upstream_attempts_total{provider,classification}
	upstreamAttempts *prometheus.CounterVec

	// arbstr_upstream_attempt_duration_seconds{provider}
	upstreamDuration *prometheus.HistogramVec

	// arbstr_circuit_state{provider} — 0=closed, 1=open, 2=half-open
	circuitState *prometheus.GaugeVec

	// arbstr_circuit_transitions_total{provider,to_state}
	circuitTransitions *prometheus.CounterVec

	// arbstr_circuit_rejections_total{provider}
	circuitRejections *prometheus.CounterVec

	// arbstr_failover_total{from,to}
	failoverTotal *prometheus.CounterVec

	// arbstr_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// arbstr_cost_sats_total{provider}
	costSatsTotal *prometheus.CounterVec

	// arbstr_stream_total{outcome}
	streamTotal *prometheus.CounterVec

	// arbstr_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbstr_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbstr_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbstr_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbstr_upstream_attempts_total",
				Help: "Total upstream provider attempts by outcome classification",
			},
			[]string{"provider", "classification"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbstr_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider"},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arbstr_circuit_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		circuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbstr_circuit_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		circuitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbstr_circuit_rejections_total",
				Help: "Candidates rejected because their circuit was open",
			},
			[]string{"provider"},
		),

		failoverTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbstr_failover_total",
				Help: "Requests served by a provider other than the first circuit-permitted candidate",
			},
			[]string{"from", "to"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbstr_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		costSatsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbstr_cost_sats_total",
				Help: "Accumulated request cost in satoshis",
			},
			[]string{"provider"},
		),

		streamTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbstr_stream_total",
				Help: "Completed streams by outcome (complete, incomplete, client_disconnected)",
			},
			[]string{"outcome"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arbstr_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.circuitState,
		r.circuitTransitions,
		r.circuitRejections,
		r.failoverTotal,
		r.tokensTotal,
		r.costSatsTotal,
		r.streamTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one handled request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one provider attempt with its classification
// label ("success", "retryable", "fatal", "timeout").
func (r *Registry) ObserveUpstreamAttempt(provider, classification string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, classification).Inc()
	r.upstreamDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

// SetCircuitState exports the numeric breaker state for provider.
func (r *Registry) SetCircuitState(provider string, state int64) {
	r.circuitState.WithLabelValues(provider).Set(float64(state))
}

// RecordCircuitTransition counts a state change.
func (r *Registry) RecordCircuitTransition(provider, toState string) {
	r.circuitTransitions.WithLabelValues(provider, toState).Inc()
}

// RecordCircuitRejection counts a candidate skipped due to an open circuit.
func (r *Registry) RecordCircuitRejection(provider string) {
	r.circuitRejections.WithLabelValues(provider).Inc()
}

// RecordFailover counts a request served by a non-primary candidate.
func (r *Registry) RecordFailover(from, to string) {
	r.failoverTotal.WithLabelValues(from, to).Inc()
}

// AddUsage accumulates token and cost counters for provider.
func (r *Registry) AddUsage(provider string, inputTokens, outputTokens int64, costSats float64) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
	if costSats > 0 {
		r.costSatsTotal.WithLabelValues(provider).Add(costSats)
	}
}

// RecordStream counts a finished stream by outcome.
func (r *Registry) RecordStream(outcome string) {
	r.streamTotal.WithLabelValues(outcome).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
