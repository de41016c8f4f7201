package health

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for readiness checks.
type Metrics struct {
	checksTotal   *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	checkStatus   *prometheus.GaugeVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton health metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			checksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "router",
					Subsystem: "health",
					Name:      "checks_total",
					Help:      "Total number of readiness checks performed",
				},
				[]string{"check", "result"},
			),
			checkDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "router",
					Subsystem: "health",
					Name:      "check_duration_seconds",
					Help:      "Duration of readiness checks in seconds",
					Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
				},
				[]string{"check"},
			),
			checkStatus: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "router",
					Subsystem: "health",
					Name:      "check_status",
					Help:      "Current readiness check status (1=healthy, 0=unhealthy)",
				},
				[]string{"check"},
			),
		}
	})
	return metricsInstance
}

// RecordHealthCheck records the outcome of one check run.
func RecordHealthCheck(check string, healthy bool, durationSeconds float64) {
	m := GetMetrics()
	result, status := "success", 1.0
	if !healthy {
		result, status = "failure", 0
	}
	m.checksTotal.WithLabelValues(check, result).Inc()
	m.checkDuration.WithLabelValues(check).Observe(durationSeconds)
	m.checkStatus.WithLabelValues(check).Set(status)
}
