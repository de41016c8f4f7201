package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vyrodovalexey/avaregion/internal/config"
	"github.com/vyrodovalexey/avaregion/internal/metrics/region"
	"github.com/vyrodovalexey/avaregion/internal/observability"
)

// Health monitor defaults.
const (
	// DefaultProbeTimeout bounds a single probe.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultUnhealthyThreshold is the number of consecutive failures that
	// mark a healthy region unhealthy.
	DefaultUnhealthyThreshold = 1

	// errorRateWeight is the weight of the newest probe in the error rate
	// moving average.
	errorRateWeight = 0.2
)

// StatusFunc is called when a region's health flips.
type StatusFunc func(region string, healthy bool)

// OperationRecorder receives probe usage for cost estimation.
type OperationRecorder interface {
	RecordOperation(ctx context.Context, op string, count int64, duration time.Duration) error
}

// Monitor probes every region and writes the outcome to the health store.
// It has no loop of its own; CheckAll is run by the scheduler.
type Monitor struct {
	registry  *Registry
	health    *HealthStore
	client    *http.Client
	path      string
	timeout   time.Duration
	threshold int
	clock     clockwork.Clock
	logger    observability.Logger
	metrics   *observability.Metrics
	ops       OperationRecorder
	onChange  StatusFunc
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the logger.
func WithMonitorLogger(logger observability.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithMonitorClient sets the HTTP client used for probes.
func WithMonitorClient(client *http.Client) MonitorOption {
	return func(m *Monitor) {
		m.client = client
	}
}

// WithMonitorClock sets the clock used for timestamps and latency.
func WithMonitorClock(clock clockwork.Clock) MonitorOption {
	return func(m *Monitor) {
		m.clock = clock
	}
}

// WithMonitorMetrics sets the Prometheus metrics.
func WithMonitorMetrics(metrics *observability.Metrics) MonitorOption {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

// WithOperationRecorder records every probe as a health_probe operation.
func WithOperationRecorder(ops OperationRecorder) MonitorOption {
	return func(m *Monitor) {
		m.ops = ops
	}
}

// WithStatusCallback sets a callback for health flips.
func WithStatusCallback(fn StatusFunc) MonitorOption {
	return func(m *Monitor) {
		m.onChange = fn
	}
}

// NewMonitor creates a health monitor.
func NewMonitor(registry *Registry, health *HealthStore, cfg config.HealthConfig, opts ...MonitorOption) *Monitor {
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	threshold := cfg.UnhealthyThreshold
	if threshold <= 0 {
		threshold = DefaultUnhealthyThreshold
	}
	path := cfg.Path
	if path == "" {
		path = "/health"
	}

	m := &Monitor{
		registry:  registry,
		health:    health,
		client:    &http.Client{},
		path:      path,
		timeout:   timeout,
		threshold: threshold,
		clock:     clockwork.NewRealClock(),
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckAll probes every region concurrently and waits for all probes.
func (m *Monitor) CheckAll(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, r := range m.registry.Regions() {
		wg.Add(1)
		go func(r *Region) {
			defer wg.Done()
			m.checkRegion(ctx, r)
		}(r)
	}
	wg.Wait()
	return ctx.Err()
}

// checkRegion probes one region and records the outcome.
func (m *Monitor) checkRegion(ctx context.Context, r *Region) {
	if ctx.Err() != nil {
		return
	}

	prev, err := m.health.Get(ctx, r.ID)
	if err != nil {
		m.logger.Warn("failed to read previous health record",
			observability.String("region", r.ID),
			observability.Error(err),
		)
	}

	latency, probeErr := m.probe(ctx, r)

	rec := HealthRecord{
		Region:        r.ID,
		LastCheckedAt: m.clock.Now(),
	}
	if probeErr == nil {
		m.recordSuccess(&rec, prev, latency)
	} else {
		m.recordFailure(&rec, prev)
	}

	if err := m.health.Put(ctx, rec); err != nil {
		m.logger.Error("failed to write health record",
			observability.String("region", r.ID),
			observability.Error(err),
		)
		return
	}

	m.metrics.SetRegionHealth(r.ID, rec.Healthy, time.Duration(rec.LatencyMs*float64(time.Millisecond)))
	if m.ops != nil {
		if err := m.ops.RecordOperation(ctx, region.OpHealthProbe, 1, latency); err != nil {
			m.logger.Debug("failed to record probe usage", observability.Error(err))
		}
	}

	wasHealthy := prev != nil && prev.Healthy
	if wasHealthy != rec.Healthy {
		if rec.Healthy {
			m.logger.Info("region became healthy",
				observability.String("region", r.ID),
				observability.Float64("latency_ms", rec.LatencyMs),
			)
		} else {
			m.logger.Warn("region became unhealthy",
				observability.String("region", r.ID),
				observability.Int("consecutive_failures", rec.ConsecutiveFailures),
				observability.Error(probeErr),
			)
		}
		if m.onChange != nil {
			m.onChange(r.ID, rec.Healthy)
		}
	}
}

// probe issues one GET to the health path. Any 2xx is a success. A failed
// probe reports the timeout as its latency.
func (m *Monitor) probe(ctx context.Context, r *Region) (time.Duration, error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, r.BaseURL.String()+m.path, http.NoBody)
	if err != nil {
		return m.timeout, err
	}
	req.Header.Set("User-Agent", "avaregion-health-monitor")

	start := m.clock.Now()
	resp, err := m.client.Do(req)
	latency := m.clock.Since(start)
	if err != nil {
		return m.timeout, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return m.timeout, &probeStatusError{status: resp.StatusCode}
	}
	return latency, nil
}

func (m *Monitor) recordSuccess(rec *HealthRecord, prev *HealthRecord, latency time.Duration) {
	rec.Healthy = true
	rec.ConsecutiveFailures = 0
	rec.LatencyMs = float64(latency) / float64(time.Millisecond)
	rec.ErrorRate = nextErrorRate(prev, false)
}

// recordFailure keeps a healthy region healthy until the failure threshold
// is reached. A region without a previous record is unhealthy at once.
func (m *Monitor) recordFailure(rec *HealthRecord, prev *HealthRecord) {
	failures := 1
	if prev != nil {
		failures = prev.ConsecutiveFailures + 1
	}
	rec.ConsecutiveFailures = failures
	rec.Healthy = prev != nil && prev.Healthy && failures < m.threshold
	rec.LatencyMs = float64(m.timeout) / float64(time.Millisecond)
	rec.ErrorRate = nextErrorRate(prev, true)
}

func nextErrorRate(prev *HealthRecord, failed bool) float64 {
	sample := 0.0
	if failed {
		sample = 1
	}
	if prev == nil {
		return sample
	}
	return prev.ErrorRate*(1-errorRateWeight) + sample*errorRateWeight
}

type probeStatusError struct {
	status int
}

func (e *probeStatusError) Error() string {
	return fmt.Sprintf("health probe returned status %d", e.status)
}
