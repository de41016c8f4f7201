// Package analytics emits structured events and produces the periodic
// snapshots, cost reports and optimization recommendations derived from the
// per-region counters.
package analytics

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/vyrodovalexey/avaregion/internal/observability"
)

// Event types.
const (
	EventRequestCompleted    = "request_completed"
	EventCircuitStateChanged = "circuit_state_changed"
	EventMetricsSnapshot     = "metrics_snapshot"
	EventCostReport          = "cost_report"
	EventHourlyReport        = "hourly_report"
	EventRecommendations     = "optimization_recommendations"
)

// Event is one structured analytics record.
type Event struct {
	Type   string         `json:"type"`
	Time   time.Time      `json:"time"`
	Region string         `json:"region,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Sink receives analytics events. Emit must not block the caller for long.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// LogSink writes events as structured log records.
type LogSink struct {
	logger observability.Logger
}

// NewLogSink creates a sink writing through logger.
func NewLogSink(logger observability.Logger) *LogSink {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LogSink{logger: logger.With(observability.String("component", "analytics"))}
}

// Emit implements Sink.
func (s *LogSink) Emit(ctx context.Context, event Event) error {
	fields := []observability.Field{
		observability.String("event", event.Type),
		observability.Time("event_time", event.Time),
	}
	if event.Region != "" {
		fields = append(fields, observability.String("region", event.Region))
	}
	if len(event.Data) > 0 {
		fields = append(fields, observability.Any("data", event.Data))
	}
	s.logger.WithContext(ctx).Info("analytics event", fields...)
	return nil
}

// MemorySink keeps every event in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit implements Sink.
func (s *MemorySink) Emit(_ context.Context, event Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of every event received.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByType returns the events of one type.
func (s *MemorySink) ByType(eventType string) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

// Emit implements Sink. Every sink is called; their errors are joined.
func (m MultiSink) Emit(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sampler decides whether a high-volume event is emitted.
type Sampler struct {
	rate  float64
	float func() float64
}

// NewSampler creates a sampler keeping roughly rate of all events.
func NewSampler(rate float64) *Sampler {
	return &Sampler{rate: rate, float: rand.Float64}
}

// Sample reports whether the next event should be kept.
func (s *Sampler) Sample() bool {
	switch {
	case s == nil || s.rate <= 0:
		return false
	case s.rate >= 1:
		return true
	default:
		return s.float() < s.rate
	}
}
