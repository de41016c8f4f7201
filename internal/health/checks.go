package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrNoHealthyRegion is reported when no region has a fresh healthy record.
var ErrNoHealthyRegion = errors.New("no healthy region")

// DependencyCheck is a named readiness check.
type DependencyCheck struct {
	name     string
	checkFn  func(ctx context.Context) error
	critical bool
}

// Name returns the name of the dependency check.
func (d *DependencyCheck) Name() string {
	return d.name
}

// IsCritical returns true if a failure makes the process unready.
func (d *DependencyCheck) IsCritical() bool {
	return d.critical
}

// Check performs the dependency check and records its outcome.
func (d *DependencyCheck) Check(ctx context.Context, clock clockwork.Clock) (time.Duration, error) {
	start := clock.Now()
	err := d.checkFn(ctx)
	duration := clock.Since(start)

	RecordHealthCheck(d.name, err == nil, duration.Seconds())
	return duration, err
}

// DependencyCheckOption configures a DependencyCheck.
type DependencyCheckOption func(*DependencyCheck)

// WithCritical marks the dependency as critical or not.
func WithCritical(critical bool) DependencyCheckOption {
	return func(d *DependencyCheck) {
		d.critical = critical
	}
}

// NewDependencyCheck creates a critical dependency check.
func NewDependencyCheck(
	name string,
	checkFn func(ctx context.Context) error,
	opts ...DependencyCheckOption,
) *DependencyCheck {
	d := &DependencyCheck{
		name:     name,
		checkFn:  checkFn,
		critical: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Pinger is implemented by the shared state store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck verifies the shared state store answers. Without it no
// request can be routed, so the check is critical.
func StoreCheck(p Pinger, opts ...DependencyCheckOption) *DependencyCheck {
	return NewDependencyCheck("store", func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("ping store: %w", err)
		}
		return nil
	}, opts...)
}

// HealthyRegions lists the regions currently eligible for traffic.
type HealthyRegions interface {
	HealthyIDs(ctx context.Context) ([]string, error)
}

// RegionsCheck verifies at least one region is healthy. It is not critical
// by default: the router keeps answering with 503 until a region recovers.
func RegionsCheck(v HealthyRegions, opts ...DependencyCheckOption) *DependencyCheck {
	opts = append([]DependencyCheckOption{WithCritical(false)}, opts...)
	return NewDependencyCheck("regions", func(ctx context.Context) error {
		ids, err := v.HealthyIDs(ctx)
		if err != nil {
			return fmt.Errorf("read region health: %w", err)
		}
		if len(ids) == 0 {
			return ErrNoHealthyRegion
		}
		return nil
	}, opts...)
}
