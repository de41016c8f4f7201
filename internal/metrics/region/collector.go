// Package region accumulates per-region load counters and per-operation
// usage counters in the shared store.
//
// Updates are read-modify-write without a transaction. Two routers finishing
// a request for the same region at the same moment may lose one sample; the
// numbers feed load balancing and cost estimation, where that is acceptable.
package region

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avaregion/internal/observability"
	"github.com/vyrodovalexey/avaregion/internal/store"
)

// Operation types with unit costs.
const (
	OpForward     = "forward"
	OpHealthProbe = "health_probe"
)

// Operations lists every operation type tracked by the collector.
var Operations = []string{OpForward, OpHealthProbe}

// LoadMetrics holds the rolling counters for one region.
type LoadMetrics struct {
	Region            string  `json:"region"`
	Requests          int64   `json:"requests"`
	Errors            int64   `json:"errors"`
	AvgLatencyMs      float64 `json:"avgLatencyMs"`
	ActiveConnections int64   `json:"activeConnections"`
}

// ErrorRate returns errors/requests, or 0 without traffic.
func (m LoadMetrics) ErrorRate() float64 {
	if m.Requests == 0 {
		return 0
	}
	return float64(m.Errors) / float64(m.Requests)
}

// OperationStats is the usage of one operation type since the last reset.
type OperationStats struct {
	Operation  string `json:"operation"`
	Count      int64  `json:"count"`
	DurationMs int64  `json:"durationMs"`
}

// Collector reads and writes load counters.
type Collector struct {
	store  store.Store
	logger observability.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Collector) {
		c.logger = logger
	}
}

// NewCollector creates a collector over s.
func NewCollector(s store.Store, opts ...Option) *Collector {
	c := &Collector{
		store:  s,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func loadKey(region string) string { return "metrics:" + region }
func connKey(region string) string { return "conn:" + region }
func opCountKey(op string) string  { return "ops:" + op + ":count" }
func opDurKey(op string) string    { return "ops:" + op + ":duration_ms" }

// Begin marks the start of a request forwarded to region.
func (c *Collector) Begin(ctx context.Context, region string) error {
	if _, err := c.store.Increment(ctx, connKey(region), 1, 0); err != nil {
		return fmt.Errorf("increment active connections for %s: %w", region, err)
	}
	return nil
}

// Record folds one completed request into the region counters and releases
// the connection taken by Begin. The connection is released even when the
// counters cannot be updated.
func (c *Collector) Record(ctx context.Context, region string, latency time.Duration, success bool) error {
	return errors.Join(c.recordLoad(ctx, region, latency, success), c.release(ctx, region))
}

func (c *Collector) recordLoad(ctx context.Context, region string, latency time.Duration, success bool) error {
	m, err := c.read(ctx, region)
	if err != nil {
		return err
	}

	m.Requests++
	if !success {
		m.Errors++
	}
	ms := float64(latency) / float64(time.Millisecond)
	m.AvgLatencyMs += (ms - m.AvgLatencyMs) / float64(m.Requests)

	if err := store.SetJSON(ctx, c.store, loadKey(region), m, 0); err != nil {
		return fmt.Errorf("write load metrics for %s: %w", region, err)
	}
	return nil
}

func (c *Collector) release(ctx context.Context, region string) error {
	n, err := c.store.Increment(ctx, connKey(region), -1, 0)
	if err != nil {
		return fmt.Errorf("decrement active connections for %s: %w", region, err)
	}
	if n < 0 {
		// Counter drifted below zero after a reset race.
		if err := c.store.Set(ctx, connKey(region), []byte("0"), 0); err != nil {
			c.logger.Warn("failed to clamp active connections",
				observability.String("region", region),
				observability.Error(err),
			)
		}
	}
	return nil
}

// Load returns the counters for region. A region without traffic reads as
// zero.
func (c *Collector) Load(ctx context.Context, region string) (LoadMetrics, error) {
	m, err := c.read(ctx, region)
	if err != nil {
		return LoadMetrics{}, err
	}
	active, err := c.ActiveConnections(ctx, region)
	if err != nil {
		return LoadMetrics{}, err
	}
	m.ActiveConnections = active
	return m, nil
}

// ActiveConnections returns the in-flight request gauge for region.
func (c *Collector) ActiveConnections(ctx context.Context, region string) (int64, error) {
	n, err := store.GetInt(ctx, c.store, connKey(region))
	if err != nil {
		return 0, fmt.Errorf("read active connections for %s: %w", region, err)
	}
	return max(n, 0), nil
}

// Reset clears the rolled counters for region. The connection gauge is
// left alone since requests may still be in flight.
func (c *Collector) Reset(ctx context.Context, region string) error {
	if err := c.store.Delete(ctx, loadKey(region)); err != nil {
		return fmt.Errorf("reset load metrics for %s: %w", region, err)
	}
	return nil
}

// RecordOperation adds count executions taking duration in total to op.
func (c *Collector) RecordOperation(ctx context.Context, op string, count int64, duration time.Duration) error {
	if _, err := c.store.Increment(ctx, opCountKey(op), count, 0); err != nil {
		return fmt.Errorf("record operation %s: %w", op, err)
	}
	if _, err := c.store.Increment(ctx, opDurKey(op), duration.Milliseconds(), 0); err != nil {
		return fmt.Errorf("record operation %s duration: %w", op, err)
	}
	return nil
}

// OperationStats returns the counters of every tracked operation.
func (c *Collector) OperationStats(ctx context.Context) ([]OperationStats, error) {
	out := make([]OperationStats, 0, len(Operations))
	for _, op := range Operations {
		count, err := store.GetInt(ctx, c.store, opCountKey(op))
		if err != nil {
			return nil, fmt.Errorf("read operation %s: %w", op, err)
		}
		dur, err := store.GetInt(ctx, c.store, opDurKey(op))
		if err != nil {
			return nil, fmt.Errorf("read operation %s duration: %w", op, err)
		}
		out = append(out, OperationStats{Operation: op, Count: count, DurationMs: dur})
	}
	return out, nil
}

// ResetOperations clears every operation counter.
func (c *Collector) ResetOperations(ctx context.Context) error {
	for _, op := range Operations {
		if err := c.store.Delete(ctx, opCountKey(op)); err != nil {
			return fmt.Errorf("reset operation %s: %w", op, err)
		}
		if err := c.store.Delete(ctx, opDurKey(op)); err != nil {
			return fmt.Errorf("reset operation %s duration: %w", op, err)
		}
	}
	return nil
}

func (c *Collector) read(ctx context.Context, region string) (LoadMetrics, error) {
	var m LoadMetrics
	err := store.GetJSON(ctx, c.store, loadKey(region), &m)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return LoadMetrics{Region: region}, nil
	case err != nil:
		return LoadMetrics{}, fmt.Errorf("read load metrics for %s: %w", region, err)
	}
	m.Region = region
	return m, nil
}
