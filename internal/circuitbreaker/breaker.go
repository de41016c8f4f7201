// Package circuitbreaker implements per-region circuit breakers whose state
// lives in the shared store, so every router instance sees the same
// circuit for a region.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vyrodovalexey/avaregion/internal/config"
	"github.com/vyrodovalexey/avaregion/internal/observability"
	"github.com/vyrodovalexey/avaregion/internal/store"
)

// State represents the state of a circuit.
type State int

const (
	// StateClosed lets traffic through and counts outcomes.
	StateClosed State = iota

	// StateOpen rejects traffic until the cooldown elapses.
	StateOpen

	// StateHalfOpen lets traffic through to test recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half_open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit state %q", string(b))
	}
	return nil
}

// CircuitState is the persisted breaker record of one region.
type CircuitState struct {
	Region        string    `json:"region"`
	State         State     `json:"state"`
	FailureCount  int       `json:"failureCount"`
	SuccessCount  int       `json:"successCount"`
	WindowStart   time.Time `json:"windowStart"`
	LastFailureAt time.Time `json:"lastFailureAt"`
	NextRetryAt   time.Time `json:"nextRetryAt"`
}

// ErrorRatePct returns failures as a percentage of the outcomes counted in
// the current window.
func (s CircuitState) ErrorRatePct() float64 {
	total := s.FailureCount + s.SuccessCount
	if total == 0 {
		return 0
	}
	return float64(s.FailureCount) * 100 / float64(total)
}

// Config holds the breaker thresholds.
type Config struct {
	ErrorThresholdPct float64
	MinRequests       int
	Window            time.Duration
	Cooldown          time.Duration
	SuccessesToClose  int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		ErrorThresholdPct: 50,
		MinRequests:       1,
		Window:            time.Minute,
		Cooldown:          30 * time.Second,
		SuccessesToClose:  3,
	}
}

// ConfigFrom converts the configuration section, falling back to defaults
// for unset values.
func ConfigFrom(c config.CircuitBreakerConfig) Config {
	cfg := DefaultConfig()
	if c.ErrorThresholdPct > 0 {
		cfg.ErrorThresholdPct = c.ErrorThresholdPct
	}
	if c.MinRequests > 0 {
		cfg.MinRequests = c.MinRequests
	}
	if c.Window > 0 {
		cfg.Window = c.Window.Duration()
	}
	if c.Cooldown > 0 {
		cfg.Cooldown = c.Cooldown.Duration()
	}
	if c.SuccessesToClose > 0 {
		cfg.SuccessesToClose = c.SuccessesToClose
	}
	return cfg
}

// StateChangeFunc is called after a circuit transition has been stored.
type StateChangeFunc func(ctx context.Context, region string, from, to State)

func circuitKey(region string) string { return "circuit:" + region }

// Registry owns the breakers of every region.
type Registry struct {
	store    store.Store
	cfg      Config
	clock    clockwork.Clock
	logger   observability.Logger
	metrics  *observability.Metrics
	onChange StateChangeFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock driving windows and cooldowns.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// WithStateChangeCallback sets a callback for transitions.
func WithStateChangeCallback(fn StateChangeFunc) Option {
	return func(r *Registry) {
		r.onChange = fn
	}
}

// NewRegistry creates a breaker registry over s.
func NewRegistry(s store.Store, cfg Config, opts ...Option) *Registry {
	r := &Registry{
		store:  s,
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current circuit of region. An open circuit whose
// cooldown has elapsed moves to half-open here.
func (r *Registry) State(ctx context.Context, region string) (CircuitState, error) {
	st, err := r.load(ctx, region)
	if err != nil {
		return CircuitState{}, err
	}

	if st.State == StateOpen && !r.clock.Now().Before(st.NextRetryAt) {
		from := st.State
		st.State = StateHalfOpen
		st.FailureCount = 0
		st.SuccessCount = 0
		if err := r.save(ctx, st); err != nil {
			return CircuitState{}, err
		}
		r.transitioned(ctx, region, from, st.State)
	}
	return st, nil
}

// Allow reports whether traffic may be sent to region.
func (r *Registry) Allow(ctx context.Context, region string) (bool, error) {
	st, err := r.State(ctx, region)
	if err != nil {
		return false, err
	}
	return st.State != StateOpen, nil
}

// RecordSuccess feeds one successful outcome for region.
func (r *Registry) RecordSuccess(ctx context.Context, region string) error {
	st, err := r.State(ctx, region)
	if err != nil {
		return err
	}

	switch st.State {
	case StateClosed:
		r.roll(&st)
		st.SuccessCount++
		return r.save(ctx, st)

	case StateHalfOpen:
		st.SuccessCount++
		if st.SuccessCount < r.cfg.SuccessesToClose {
			return r.save(ctx, st)
		}
		st.State = StateClosed
		st.FailureCount = 0
		st.SuccessCount = 0
		st.WindowStart = r.clock.Now()
		st.NextRetryAt = time.Time{}
		if err := r.save(ctx, st); err != nil {
			return err
		}
		r.transitioned(ctx, region, StateHalfOpen, StateClosed)
		return nil

	default:
		// A request admitted before the circuit opened.
		return nil
	}
}

// RecordFailure feeds one failed outcome for region.
func (r *Registry) RecordFailure(ctx context.Context, region string) error {
	st, err := r.State(ctx, region)
	if err != nil {
		return err
	}
	now := r.clock.Now()
	st.LastFailureAt = now

	switch st.State {
	case StateClosed:
		r.roll(&st)
		st.FailureCount++
		total := st.FailureCount + st.SuccessCount
		if total < r.cfg.MinRequests || st.ErrorRatePct() < r.cfg.ErrorThresholdPct {
			return r.save(ctx, st)
		}
		return r.open(ctx, st, StateClosed)

	case StateHalfOpen:
		st.FailureCount++
		return r.open(ctx, st, StateHalfOpen)

	default:
		return r.save(ctx, st)
	}
}

// Reset forces the circuit of region closed.
func (r *Registry) Reset(ctx context.Context, region string) error {
	st, err := r.load(ctx, region)
	if err != nil {
		return err
	}
	from := st.State
	if err := r.store.Delete(ctx, circuitKey(region)); err != nil {
		return fmt.Errorf("reset circuit of %s: %w", region, err)
	}
	if from != StateClosed {
		r.transitioned(ctx, region, from, StateClosed)
	}
	return nil
}

func (r *Registry) open(ctx context.Context, st CircuitState, from State) error {
	st.State = StateOpen
	st.NextRetryAt = r.clock.Now().Add(r.cfg.Cooldown)
	if err := r.save(ctx, st); err != nil {
		return err
	}
	r.transitioned(ctx, st.Region, from, StateOpen)
	return nil
}

// roll starts a new counting window once the current one has elapsed.
func (r *Registry) roll(st *CircuitState) {
	now := r.clock.Now()
	if st.WindowStart.IsZero() || !now.Before(st.WindowStart.Add(r.cfg.Window)) {
		st.WindowStart = now
		st.FailureCount = 0
		st.SuccessCount = 0
	}
}

func (r *Registry) load(ctx context.Context, region string) (CircuitState, error) {
	var st CircuitState
	err := store.GetJSON(ctx, r.store, circuitKey(region), &st)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return CircuitState{Region: region, State: StateClosed, WindowStart: r.clock.Now()}, nil
	case err != nil:
		return CircuitState{}, fmt.Errorf("read circuit of %s: %w", region, err)
	}
	st.Region = region
	return st, nil
}

func (r *Registry) save(ctx context.Context, st CircuitState) error {
	if err := store.SetJSON(ctx, r.store, circuitKey(st.Region), st, 0); err != nil {
		return fmt.Errorf("write circuit of %s: %w", st.Region, err)
	}
	return nil
}

func (r *Registry) transitioned(ctx context.Context, region string, from, to State) {
	r.metrics.SetCircuitState(region, int(to))

	fields := []observability.Field{
		observability.String("region", region),
		observability.String("from", from.String()),
		observability.String("to", to.String()),
	}
	if to == StateOpen {
		r.logger.Warn("circuit breaker opened", fields...)
	} else {
		r.logger.Info("circuit breaker state changed", fields...)
	}

	if r.onChange != nil {
		r.onChange(ctx, region, from, to)
	}
}
