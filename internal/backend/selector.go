package backend

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/vyrodovalexey/avaregion/internal/config"
	"github.com/vyrodovalexey/avaregion/internal/observability"
	"github.com/vyrodovalexey/avaregion/internal/store"
	"github.com/vyrodovalexey/avaregion/internal/util"
)

// Shared selection counters.
const (
	roundRobinKey         = "lb:rr"
	weightedRoundRobinKey = "lb:wrr"
)

// ConnectionGauge reports the in-flight requests of a region.
type ConnectionGauge interface {
	ActiveConnections(ctx context.Context, region string) (int64, error)
}

// Selector picks a target region among healthy candidates. Round-robin
// positions live in the shared store so every router instance walks the
// same sequence; concurrent routers may occasionally pick the same slot.
type Selector struct {
	store     store.Store
	conns     ConnectionGauge
	algorithm atomic.Value
	logger    observability.Logger
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithSelectorLogger sets the logger.
func WithSelectorLogger(logger observability.Logger) SelectorOption {
	return func(s *Selector) {
		s.logger = logger
	}
}

// NewSelector creates a selector using algorithm.
func NewSelector(s store.Store, conns ConnectionGauge, algorithm string, opts ...SelectorOption) *Selector {
	sel := &Selector{
		store:  s,
		conns:  conns,
		logger: observability.NopLogger(),
	}
	sel.algorithm.Store(algorithm)
	for _, opt := range opts {
		opt(sel)
	}
	return sel
}

// Algorithm returns the active algorithm name.
func (s *Selector) Algorithm() string {
	return s.algorithm.Load().(string)
}

// SetAlgorithm switches the algorithm. It takes effect on the next request.
func (s *Selector) SetAlgorithm(algorithm string) {
	if old := s.Algorithm(); old != algorithm {
		s.algorithm.Store(algorithm)
		s.logger.Info("selection algorithm changed",
			observability.String("from", old),
			observability.String("to", algorithm),
		)
	}
}

// Select returns the region that should serve a request carrying the edge
// location hint edge. candidates must already be filtered to healthy
// regions in registry order.
func (s *Selector) Select(ctx context.Context, candidates []Candidate, edge string) (*Region, error) {
	if len(candidates) == 0 {
		return nil, util.ErrNoHealthyUpstream
	}

	switch s.Algorithm() {
	case config.AlgorithmGeo:
		return s.geo(candidates, edge), nil
	case config.AlgorithmWeightedRoundRobin:
		return s.weightedRoundRobin(ctx, candidates)
	case config.AlgorithmLeastConnections:
		return s.leastConnections(ctx, candidates)
	case config.AlgorithmRoundRobin:
		return s.roundRobin(ctx, candidates)
	default:
		return nil, fmt.Errorf("unknown selection algorithm %q", s.Algorithm())
	}
}

// geo returns the first candidate whose affinity set contains edge, else
// the lowest latency candidate.
func (s *Selector) geo(candidates []Candidate, edge string) *Region {
	for _, c := range candidates {
		if c.Region.ServesEdge(edge) {
			return c.Region
		}
	}
	return LowestLatency(candidates, nil)
}

func (s *Selector) weightedRoundRobin(ctx context.Context, candidates []Candidate) (*Region, error) {
	total := 0
	for _, c := range candidates {
		total += c.Region.Weight
	}

	n, err := s.store.Increment(ctx, weightedRoundRobinKey, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("advance weighted round robin: %w", err)
	}
	position := int((n - 1) % int64(total))
	if position < 0 {
		position += total
	}

	for _, c := range candidates {
		if position < c.Region.Weight {
			return c.Region, nil
		}
		position -= c.Region.Weight
	}
	return candidates[len(candidates)-1].Region, nil
}

func (s *Selector) leastConnections(ctx context.Context, candidates []Candidate) (*Region, error) {
	var selected *Region
	minConns := int64(-1)

	for _, c := range candidates {
		conns, err := s.conns.ActiveConnections(ctx, c.Region.ID)
		if err != nil {
			return nil, fmt.Errorf("read connections of %s: %w", c.Region.ID, err)
		}
		if minConns < 0 || conns < minConns {
			minConns = conns
			selected = c.Region
		}
	}
	return selected, nil
}

func (s *Selector) roundRobin(ctx context.Context, candidates []Candidate) (*Region, error) {
	n, err := s.store.Increment(ctx, roundRobinKey, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("advance round robin: %w", err)
	}
	idx := (n - 1) % int64(len(candidates))
	if idx < 0 {
		idx += int64(len(candidates))
	}
	return candidates[idx].Region, nil
}

// LowestLatency returns the candidate with the lowest recorded latency
// that allow accepts, or nil. Ties go to registry order. A nil allow
// accepts every candidate.
func LowestLatency(candidates []Candidate, allow func(*Region) bool) *Region {
	var best *Candidate
	for i := range candidates {
		c := &candidates[i]
		if allow != nil && !allow(c.Region) {
			continue
		}
		if best == nil || c.Health.LatencyMs < best.Health.LatencyMs {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	return best.Region
}
