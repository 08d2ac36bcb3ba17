// Package metrics provides a Prometheus metrics registry for the gateway.
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

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_calls_total{provider,route,status}
	callsTotal *prometheus.CounterVec

	// gateway_call_duration_seconds{provider,route}
	callDuration *prometheus.HistogramVec

	// gateway_upstream_attempts_total{provider,route,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,route,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_provider_errors_total{provider,kind}
	providerErrors *prometheus.CounterVec

	// gateway_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_stream_deltas_total{provider}
	streamDeltas *prometheus.CounterVec

	// gateway_streams_total{provider,outcome}
	streamsTotal *prometheus.CounterVec

	// gateway_provider_health{provider}: 2=healthy, 1=degraded, 0=down
	providerHealth *prometheus.GaugeVec

	// gateway_ledger_records / gateway_ledger_evictions_total
	ledgerRecords   prometheus.Gauge
	ledgerEvictions prometheus.Counter

	// gateway_build_info{version}
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
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (streams end when the body is done)",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_calls_total",
				Help: "LLM calls recorded in the ledger",
			},
			[]string{"provider", "route", "status"},
		),

		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_call_duration_seconds",
				Help:    "LLM call duration in seconds, retries included",
				Buckets: durationBuckets,
			},
			[]string{"provider", "route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes retries)",
			},
			[]string{"provider", "route", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"provider", "route", "outcome"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_errors_total",
				Help: "Provider errors by kind",
			},
			[]string{"provider", "kind"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals",
			},
			[]string{"provider", "direction"},
		),

		streamDeltas: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_deltas_total",
				Help: "Content deltas forwarded to streaming clients",
			},
			[]string{"provider"},
		),

		streamsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_streams_total",
				Help: "Finished streams by outcome (ok, error, cancelled)",
			},
			[]string{"provider", "outcome"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (2=healthy, 1=degraded, 0=down)",
			},
			[]string{"provider"},
		),

		ledgerRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_ledger_records",
			Help: "Records currently held in the call ledger",
		}),

		ledgerEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_ledger_evictions_total",
			Help: "Records evicted from the call ledger",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.callsTotal,
		r.callDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.providerErrors,
		r.tokensTotal,
		r.streamDeltas,
		r.streamsTotal,
		r.providerHealth,
		r.ledgerRecords,
		r.ledgerEvictions,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveCall records one finished ledger call.
func (r *Registry) ObserveCall(provider, route string, statusCode int, dur time.Duration) {
	if provider == "" {
		provider = "none"
	}
	r.callsTotal.WithLabelValues(provider, route, strconv.Itoa(statusCode)).Inc()
	r.callDuration.WithLabelValues(provider, route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, route, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, route, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, route, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordError(provider, kind string) {
	r.providerErrors.WithLabelValues(provider, kind).Inc()
}

func (r *Registry) AddTokens(provider string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

func (r *Registry) AddStreamDeltas(provider string, n int) {
	if n > 0 {
		r.streamDeltas.WithLabelValues(provider).Add(float64(n))
	}
}

func (r *Registry) RecordStream(provider, outcome string) {
	r.streamsTotal.WithLabelValues(provider, outcome).Inc()
}

// SetProviderHealth takes a providers.Health string.
func (r *Registry) SetProviderHealth(provider, health string) {
	v := 0.0
	switch health {
	case "healthy":
		v = 2
	case "degraded":
		v = 1
	}
	r.providerHealth.WithLabelValues(provider).Set(v)
}

func (r *Registry) SetLedgerRecords(n int) { r.ledgerRecords.Set(float64(n)) }
func (r *Registry) IncLedgerEvictions()    { r.ledgerEvictions.Inc() }

// RegisterDroppedLogs exposes the call logger's drop counter.
func (r *Registry) RegisterDroppedLogs(fn func() int64) {
	r.reg.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "gateway_call_logs_dropped_total",
			Help: "Call log lines dropped because the log buffer was full",
		},
		func() float64 { return float64(fn()) },
	))
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
