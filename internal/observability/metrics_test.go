package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Recorders(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")

	m.RecordRequest("GET", "us-east", 200, 10*time.Millisecond)
	m.RecordRequest("GET", "", 503, time.Millisecond)
	m.SetRegionHealth("us-east", true, 20*time.Millisecond)
	m.SetCircuitState("us-east", 2)
	m.RecordFallback("us-east", "eu-west")
	m.RecordRateLimited("api")
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordCoalesced("local")
	m.RecordForwardFailure("us-east", "timeout")
	m.RecordJobRun("health_check", nil, time.Millisecond)
	m.RecordJobRun("health_check", errors.New("boom"), time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "us-east", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "none", "503")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.regionHealth.WithLabelValues("us-east")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.circuitState.WithLabelValues("us-east")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fallbacksTotal.WithLabelValues("us-east", "eu-west")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheResults.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("health_check", "error")))
}

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("GET", "r", 200, time.Second)
		m.SetRegionHealth("r", false, 0)
		m.RecordCacheLookup(true)
		m.RecordJobRun("j", nil, 0)
		m.MustRegisterCollector(nil)
	})
	assert.Nil(t, m.Registry())
	assert.NotNil(t, m.Handler())
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := NewMetrics("")
	m.RecordRateLimited("default")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "router_rate_limited_total")
}
