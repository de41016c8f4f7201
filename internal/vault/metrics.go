package vault

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	secretReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "router",
			Subsystem: "vault",
			Name:      "secret_reads_total",
			Help:      "Vault secret reads by operation and outcome",
		},
		[]string{"operation", "status"},
	)

	secretReadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "router",
			Subsystem: "vault",
			Name:      "secret_read_duration_seconds",
			Help:      "Latency of Vault secret reads",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"operation"},
	)
)

func recordRequest(operation, status string, duration time.Duration) {
	secretReads.WithLabelValues(operation, status).Inc()
	secretReadDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
