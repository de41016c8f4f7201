package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vyrodovalexey/avaregion/internal/blob"
	"github.com/vyrodovalexey/avaregion/internal/metrics/region"
	"github.com/vyrodovalexey/avaregion/internal/observability"
)

const (
	snapshotPrefix = "snapshots/"
	timestampFmt   = "20060102T150405Z"
)

// Totals are fleet-wide figures over a set of regions.
type Totals struct {
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	ErrorRate    float64 `json:"errorRate"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

// Snapshot is one aggregation of the rolling counters.
type Snapshot struct {
	Timestamp     time.Time               `json:"timestamp"`
	Regions       []region.LoadMetrics    `json:"regions"`
	Operations    []region.OperationStats `json:"operations"`
	Totals        Totals                  `json:"totals"`
	Cost          float64                 `json:"cost"`
	CostBreakdown []OperationCost         `json:"costBreakdown"`
}

func snapshotKey(ts time.Time) string {
	return snapshotPrefix + ts.UTC().Format(timestampFmt) + ".json"
}

func parseSnapshotKey(key string) (time.Time, bool) {
	name := strings.TrimSuffix(strings.TrimPrefix(key, snapshotPrefix), ".json")
	ts, err := time.Parse(timestampFmt, name)
	return ts, err == nil
}

// computeTotals sums counters and weights latency by request count.
func computeTotals(loads []region.LoadMetrics) Totals {
	var t Totals
	var latencySum float64
	for _, l := range loads {
		t.Requests += l.Requests
		t.Errors += l.Errors
		latencySum += l.AvgLatencyMs * float64(l.Requests)
	}
	if t.Requests > 0 {
		t.ErrorRate = float64(t.Errors) / float64(t.Requests)
		t.AvgLatencyMs = latencySum / float64(t.Requests)
	}
	return t
}

type base struct {
	bucket blob.Bucket
	sink   Sink
	costs  CostModel
	clock  clockwork.Clock
	logger observability.Logger
	health HealthView
	budget float64
}

// Option configures an Aggregator or a Reporter.
type Option func(*base)

// WithSink sets the analytics sink.
func WithSink(sink Sink) Option {
	return func(b *base) {
		b.sink = sink
	}
}

// WithCostModel sets the unit prices.
func WithCostModel(costs CostModel) Option {
	return func(b *base) {
		b.costs = costs
	}
}

// WithClock sets the clock used for timestamps and report windows.
func WithClock(clock clockwork.Clock) Option {
	return func(b *base) {
		b.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(b *base) {
		b.logger = logger
	}
}

// WithHealthView lets the optimizer know which regions are healthy.
func WithHealthView(h HealthView) Option {
	return func(b *base) {
		b.health = h
	}
}

// WithDailyBudget enables the cost_over_budget rule.
func WithDailyBudget(budget float64) Option {
	return func(b *base) {
		b.budget = budget
	}
}

func newBase(bucket blob.Bucket, opts []Option) base {
	b := base{
		bucket: bucket,
		sink:   MultiSink(nil),
		costs:  CostModel{},
		clock:  clockwork.NewRealClock(),
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *base) emit(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = b.clock.Now()
	}
	if err := b.sink.Emit(ctx, event); err != nil {
		b.logger.Warn("failed to emit analytics event",
			observability.String("event", event.Type),
			observability.Error(err),
		)
	}
}

func (b *base) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := b.bucket.Put(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Aggregator rolls the per-region counters into durable snapshots.
type Aggregator struct {
	base
	collector *region.Collector
	regions   []string
}

// NewAggregator creates an aggregator for the given region ids.
func NewAggregator(collector *region.Collector, bucket blob.Bucket, regions []string, opts ...Option) *Aggregator {
	return &Aggregator{
		base:      newBase(bucket, opts),
		collector: collector,
		regions:   regions,
	}
}

// Aggregate snapshots every region and the operation counters, writes the
// snapshot to the bucket and resets the rolled counters. Counters are only
// reset once the snapshot is durable.
func (a *Aggregator) Aggregate(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Timestamp: a.clock.Now().UTC().Truncate(time.Second),
		Regions:   make([]region.LoadMetrics, 0, len(a.regions)),
	}

	for _, id := range a.regions {
		m, err := a.collector.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", id, err)
		}
		snap.Regions = append(snap.Regions, m)
	}

	ops, err := a.collector.OperationStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("aggregate operations: %w", err)
	}
	snap.Operations = ops
	snap.Totals = computeTotals(snap.Regions)
	snap.Cost, snap.CostBreakdown = a.costs.Estimate(ops)

	if err := a.putJSON(ctx, snapshotKey(snap.Timestamp), snap); err != nil {
		return nil, err
	}

	for _, id := range a.regions {
		if err := a.collector.Reset(ctx, id); err != nil {
			a.logger.Warn("failed to reset region counters",
				observability.String("region", id),
				observability.Error(err),
			)
		}
	}
	if err := a.collector.ResetOperations(ctx); err != nil {
		a.logger.Warn("failed to reset operation counters", observability.Error(err))
	}

	a.emit(ctx, Event{
		Type: EventMetricsSnapshot,
		Time: snap.Timestamp,
		Data: map[string]any{
			"requests":     snap.Totals.Requests,
			"errors":       snap.Totals.Errors,
			"errorRate":    snap.Totals.ErrorRate,
			"avgLatencyMs": snap.Totals.AvgLatencyMs,
			"cost":         snap.Cost,
		},
	})

	a.logger.Info("metrics snapshot written",
		observability.Time("timestamp", snap.Timestamp),
		observability.Int64("requests", snap.Totals.Requests),
		observability.Float64("cost", snap.Cost),
	)
	return snap, nil
}
