package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics exported by the router.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	regionHealth    *prometheus.GaugeVec
	regionLatency   *prometheus.GaugeVec
	circuitState    *prometheus.GaugeVec
	fallbacksTotal  *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	cacheResults    *prometheus.CounterVec
	coalescedTotal  *prometheus.CounterVec
	forwardFailures *prometheus.CounterVec
	panicsRecovered prometheus.Counter
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	buildInfo       *prometheus.GaugeVec
	startTime       prometheus.Gauge
	registry        *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "router"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of routed requests",
		},
		[]string{"method", "region", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end routing duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "region"},
	)

	m.regionHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "region_healthy",
			Help:      "Region health status (1=healthy, 0=unhealthy)",
		},
		[]string{"region"},
	)

	m.regionLatency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "region_probe_latency_seconds",
			Help:      "Latency of the most recent health probe",
		},
		[]string{"region"},
	)

	m.circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"region"},
	)

	m.fallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Requests diverted away from a region with an open circuit",
		},
		[]string{"from", "to"},
	)

	m.rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		},
		[]string{"class"},
	)

	m.cacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result",
		},
		[]string{"result"},
	)

	m.coalescedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coalesced_requests_total",
			Help:      "Requests served from another request's in-flight result",
		},
		[]string{"source"},
	)

	m.forwardFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_failures_total",
			Help:      "Forwarding attempts that ended in an error or 5xx",
		},
		[]string{"region", "reason"},
	)

	m.panicsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_recovered_total",
			Help:      "Handler panics recovered by the recovery middleware",
		},
	)

	m.jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job executions",
		},
		[]string{"job", "status"},
	)

	m.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Scheduled job execution time",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"job"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the router",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the router in unix seconds",
		},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.regionHealth,
		m.regionLatency,
		m.circuitState,
		m.fallbacksTotal,
		m.rateLimited,
		m.cacheResults,
		m.coalescedTotal,
		m.forwardFailures,
		m.panicsRecovered,
		m.jobRuns,
		m.jobDuration,
		m.buildInfo,
		m.startTime,
	)

	m.startTime.SetToCurrentTime()

	return m
}

// RecordRequest records a completed routed request. Region is empty when
// the request never reached a forwarding decision.
func (m *Metrics) RecordRequest(method, region string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if region == "" {
		region = "none"
	}
	m.requestsTotal.WithLabelValues(method, region, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, region).Observe(duration.Seconds())
}

// SetRegionHealth records the outcome of a health probe.
func (m *Metrics) SetRegionHealth(region string, healthy bool, latency time.Duration) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.regionHealth.WithLabelValues(region).Set(value)
	m.regionLatency.WithLabelValues(region).Set(latency.Seconds())
}

// SetCircuitState sets the circuit breaker state gauge for a region.
func (m *Metrics) SetCircuitState(region string, state int) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(region).Set(float64(state))
}

// RecordFallback records a request diverted from one region to another.
func (m *Metrics) RecordFallback(from, to string) {
	if m == nil {
		return
	}
	m.fallbacksTotal.WithLabelValues(from, to).Inc()
}

// RecordRateLimited records a rate limiter rejection.
func (m *Metrics) RecordRateLimited(class string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(class).Inc()
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheResults.WithLabelValues(result).Inc()
}

// RecordCoalesced records a request served without its own upstream call.
// Source is "local" for in-process sharing and "store" for results read
// from the store.
func (m *Metrics) RecordCoalesced(source string) {
	if m == nil {
		return
	}
	m.coalescedTotal.WithLabelValues(source).Inc()
}

// RecordForwardFailure records a failed forwarding attempt.
func (m *Metrics) RecordForwardFailure(region, reason string) {
	if m == nil {
		return
	}
	m.forwardFailures.WithLabelValues(region, reason).Inc()
}

// RecordPanic counts a recovered handler panic.
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.panicsRecovered.Inc()
}

// RecordJobRun records a scheduled job execution.
func (m *Metrics) RecordJobRun(job string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Handler returns an HTTP handler for the metrics endpoint. It serves the
// router registry together with the default registry, which carries the Go
// runtime collectors and package-level store metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(
		prometheus.Gatherers{m.registry, prometheus.DefaultGatherer},
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// MustRegisterCollector registers an additional collector with the registry
// backing the metrics endpoint.
func (m *Metrics) MustRegisterCollector(c prometheus.Collector) {
	if m == nil {
		return
	}
	m.registry.MustRegister(c)
}
