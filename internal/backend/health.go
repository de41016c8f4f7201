package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vyrodovalexey/avaregion/internal/store"
)

// HealthRecord is the last probe outcome for a region.
type HealthRecord struct {
	Region              string    `json:"region"`
	Healthy             bool      `json:"healthy"`
	LatencyMs           float64   `json:"latencyMs"`
	ErrorRate           float64   `json:"errorRate"`
	LastCheckedAt       time.Time `json:"lastCheckedAt"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// Candidate is a region eligible for selection with its health record.
type Candidate struct {
	Region *Region
	Health HealthRecord
}

func healthKey(region string) string { return "health:" + region }

// HealthStore reads and writes health records in the shared store. Records
// are written with a TTL so that a region nobody probes drops out of the
// healthy set on its own.
type HealthStore struct {
	store    store.Store
	registry *Registry
	clock    clockwork.Clock
	ttl      time.Duration
}

// HealthStoreOption configures a HealthStore.
type HealthStoreOption func(*HealthStore)

// WithHealthClock sets the clock used for freshness checks.
func WithHealthClock(clock clockwork.Clock) HealthStoreOption {
	return func(h *HealthStore) {
		h.clock = clock
	}
}

// NewHealthStore creates a health store whose records live for ttl.
func NewHealthStore(s store.Store, registry *Registry, ttl time.Duration, opts ...HealthStoreOption) *HealthStore {
	h := &HealthStore{
		store:    s,
		registry: registry,
		clock:    clockwork.NewRealClock(),
		ttl:      ttl,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Get returns the record of region, or nil when none exists.
func (h *HealthStore) Get(ctx context.Context, region string) (*HealthRecord, error) {
	var rec HealthRecord
	err := store.GetJSON(ctx, h.store, healthKey(region), &rec)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("read health of %s: %w", region, err)
	}
	return &rec, nil
}

// Put writes rec and refreshes its TTL.
func (h *HealthStore) Put(ctx context.Context, rec HealthRecord) error {
	if err := store.SetJSON(ctx, h.store, healthKey(rec.Region), rec, h.ttl); err != nil {
		return fmt.Errorf("write health of %s: %w", rec.Region, err)
	}
	return nil
}

// fresh reports whether rec is recent enough to trust. It guards against
// stores whose expiry is coarser than the record TTL.
func (h *HealthStore) fresh(rec *HealthRecord) bool {
	return h.ttl <= 0 || h.clock.Since(rec.LastCheckedAt) <= h.ttl
}

// Healthy returns the regions with a fresh healthy record, in registry
// order.
func (h *HealthStore) Healthy(ctx context.Context) ([]Candidate, error) {
	out := make([]Candidate, 0, h.registry.Len())
	for _, r := range h.registry.Regions() {
		rec, err := h.Get(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if rec == nil || !rec.Healthy || !h.fresh(rec) {
			continue
		}
		out = append(out, Candidate{Region: r, Health: *rec})
	}
	return out, nil
}

// HealthyIDs returns the ids of the healthy regions.
func (h *HealthStore) HealthyIDs(ctx context.Context) ([]string, error) {
	candidates, err := h.Healthy(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.Region.ID
	}
	return ids, nil
}

// Records returns the record of every region in registry order. Regions
// without a fresh record are reported unhealthy.
func (h *HealthStore) Records(ctx context.Context) ([]HealthRecord, error) {
	out := make([]HealthRecord, 0, h.registry.Len())
	for _, r := range h.registry.Regions() {
		rec, err := h.Get(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			out = append(out, HealthRecord{Region: r.ID})
			continue
		}
		if !h.fresh(rec) {
			rec.Healthy = false
		}
		out = append(out, *rec)
	}
	return out, nil
}
