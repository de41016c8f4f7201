// Package backend holds the upstream registry, the health records written by
// the monitor and the algorithms that pick a region for each request.
package backend

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/vyrodovalexey/avaregion/internal/config"
)

// Region is one upstream deployment. It is immutable after construction.
type Region struct {
	ID      string
	BaseURL *url.URL
	Weight  int

	edges map[string]struct{}
}

// ServesEdge reports whether code is in the region's edge affinity set.
func (r *Region) ServesEdge(code string) bool {
	if code == "" {
		return false
	}
	_, ok := r.edges[strings.ToUpper(code)]
	return ok
}

// EdgeAffinity returns the edge location codes close to the region.
func (r *Region) EdgeAffinity() []string {
	out := make([]string, 0, len(r.edges))
	for code := range r.edges {
		out = append(out, code)
	}
	return out
}

// Registry is the ordered set of configured regions. Order is significant:
// it breaks ties in every selection algorithm.
type Registry struct {
	regions []*Region
	byID    map[string]*Region
}

// NewRegistry builds a registry from configuration.
func NewRegistry(cfgs []config.RegionConfig) (*Registry, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("at least one region is required")
	}

	reg := &Registry{
		regions: make([]*Region, 0, len(cfgs)),
		byID:    make(map[string]*Region, len(cfgs)),
	}
	for _, c := range cfgs {
		if _, dup := reg.byID[c.ID]; dup {
			return nil, fmt.Errorf("duplicate region %q", c.ID)
		}
		u, err := url.Parse(strings.TrimSuffix(c.BaseURL, "/"))
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("region %s: invalid base url %q", c.ID, c.BaseURL)
		}
		weight := c.Weight
		if weight <= 0 {
			weight = 1
		}
		r := &Region{
			ID:      c.ID,
			BaseURL: u,
			Weight:  weight,
			edges:   make(map[string]struct{}, len(c.EdgeAffinity)),
		}
		for _, code := range c.EdgeAffinity {
			r.edges[strings.ToUpper(strings.TrimSpace(code))] = struct{}{}
		}
		reg.regions = append(reg.regions, r)
		reg.byID[r.ID] = r
	}
	return reg, nil
}

// Regions returns every region in registry order.
func (r *Registry) Regions() []*Region {
	out := make([]*Region, len(r.regions))
	copy(out, r.regions)
	return out
}

// Get returns the region with the given id.
func (r *Registry) Get(id string) (*Region, bool) {
	region, ok := r.byID[id]
	return region, ok
}

// IDs returns every region id in registry order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.regions))
	for i, region := range r.regions {
		ids[i] = region.ID
	}
	return ids
}

// Len returns the number of regions.
func (r *Registry) Len() int {
	return len(r.regions)
}
