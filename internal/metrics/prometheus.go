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

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// modelgate_inflight_requests
	inFlight prometheus.Gauge

	// modelgate_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// modelgate_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// modelgate_backend_requests_total{protocol,status}
	backendRequests *prometheus.CounterVec

	// modelgate_backend_errors_total{protocol,error_type}
	backendErrors *prometheus.CounterVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// modelgate_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// modelgate_queue_pending / modelgate_queue_processing
	queuePending    prometheus.Gauge
	queueProcessing prometheus.Gauge

	// modelgate_queue_retries_total
	retriesTotal prometheus.Counter

	// modelgate_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// modelgate_tokens_total{protocol,direction}
	tokensTotal *prometheus.CounterVec

	// modelgate_build_info{version}
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
			Name: "modelgate_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "modelgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + backend)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		backendRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_backend_requests_total",
				Help: "Total backend invocations by protocol surface and status",
			},
			[]string{"protocol", "status"},
		),

		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_backend_errors_total",
				Help: "Total backend errors by type",
			},
			[]string{"protocol", "error_type"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modelgate_queue_pending",
			Help: "Tasks waiting in the request queue",
		}),

		queueProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modelgate_queue_processing",
			Help: "Tasks currently executing from the request queue",
		}),

		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelgate_queue_retries_total",
			Help: "Total task retry attempts scheduled by the queue",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modelgate_tokens_total",
				Help: "Estimated token usage by protocol surface and direction",
			},
			[]string{"protocol", "direction"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "modelgate_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.backendRequests,
		r.backendErrors,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.queuePending,
		r.queueProcessing,
		r.retriesTotal,
		r.rateLimitTotal,
		r.tokensTotal,
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
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordBackendRequest records one backend invocation outcome.
func (r *Registry) RecordBackendRequest(protocol string, statusCode int) {
	r.backendRequests.WithLabelValues(protocol, strconv.Itoa(statusCode)).Inc()
}

func (r *Registry) RecordBackendError(protocol, errType string) {
	r.backendErrors.WithLabelValues(protocol, errType).Inc()
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

// SetQueueDepth updates the queue gauges from a stats snapshot.
func (r *Registry) SetQueueDepth(pending, processing int) {
	r.queuePending.Set(float64(pending))
	r.queueProcessing.Set(float64(processing))
}

func (r *Registry) RecordRetry() {
	r.retriesTotal.Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(protocol string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(protocol, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(protocol, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
