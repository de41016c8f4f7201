package circuitbreaker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaregion/internal/config"
	"github.com/vyrodovalexey/avaregion/internal/store"
)

type transition struct {
	region string
	from   State
	to     State
}

type recorder struct {
	mu     sync.Mutex
	events []transition
}

func (r *recorder) record(_ context.Context, region string, from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, transition{region: region, from: from, to: to})
}

func (r *recorder) all() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.events...)
}

type fixture struct {
	clock    *clockwork.FakeClock
	store    store.Store
	registry *Registry
	events   *recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := store.NewMemoryStore(store.WithClock(clock))
	t.Cleanup(func() { _ = s.Close() })
	events := &recorder{}
	return &fixture{
		clock:    clock,
		store:    s,
		registry: NewRegistry(s, cfg, WithClock(clock), WithStateChangeCallback(events.record)),
		events:   events,
	}
}

func testConfig() Config {
	return Config{
		ErrorThresholdPct: 50,
		MinRequests:       4,
		Window:            time.Minute,
		Cooldown:          30 * time.Second,
		SuccessesToClose:  3,
	}
}

func (f *fixture) state(t *testing.T, region string) State {
	t.Helper()
	st, err := f.registry.State(context.Background(), region)
	require.NoError(t, err)
	return st.State
}

func TestRegistry_UnknownRegionIsClosed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := context.Background()

	allowed, err := f.registry.Allow(ctx, "us-east")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, StateClosed, f.state(t, "us-east"))
	assert.Empty(t, f.events.all())
}

func TestRegistry_OpensAtThreshold(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := context.Background()

	require.NoError(t, f.registry.RecordSuccess(ctx, "us-east"))
	require.NoError(t, f.registry.RecordSuccess(ctx, "us-east"))
	require.NoError(t, f.registry.RecordFailure(ctx, "us-east"))
	// 1 of 3 outcomes failed, below the minimum request count.
	assert.Equal(t, StateClosed, f.state(t, "us-east"))

	require.NoError(t, f.registry.RecordFailure(ctx, "us-east"))
	// 2 of 4 is exactly 50%.
	assert.Equal(t, StateOpen, f.state(t, "us-east"))

	allowed, err := f.registry.Allow(ctx, "us-east")
	require.NoError(t, err)
	assert.False(t, allowed)

	st, err := f.registry.State(ctx, "us-east")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(30*time.Second), st.NextRetryAt)
	assert.Equal(t, []transition{{"us-east", StateClosed, StateOpen}}, f.events.all())
}

func TestRegistry_BelowThresholdStaysClosed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.registry.RecordSuccess(ctx, "eu-west"))
	}
	require.NoError(t, f.registry.RecordFailure(ctx, "eu-west"))
	assert.Equal(t, StateClosed, f.state(t, "eu-west"))

	st, err := f.registry.State(ctx, "eu-west")
	require.NoError(t, err)
	assert.InDelta(t, 25.0, st.ErrorRatePct(), 0.001)
}

func TestRegistry_WindowRollResetsCounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.registry.RecordFailure(ctx, "us-west"))
	}
	assert.Equal(t, StateClosed, f.state(t, "us-west"))

	f.clock.Advance(time.Minute)

	// The old failures fell out of the window, so one more is not enough.
	require.NoError(t, f.registry.RecordFailure(ctx, "us-west"))
	st, err := f.registry.State(ctx, "us-west")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, 1, st.FailureCount)
	assert.Equal(t, 0, st.SuccessCount)
}

func (f *fixture) open(t *testing.T, region string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, f.registry.RecordFailure(ctx, region))
	}
	require.Equal(t, StateOpen, f.state(t, region))
}

func TestRegistry_HalfOpenAfterCooldown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.open(t, "ap-south")

	f.clock.Advance(29 * time.Second)
	allowed, err := f.registry.Allow(ctx, "ap-south")
	require.NoError(t, err)
	assert.False(t, allowed)

	f.clock.Advance(time.Second)
	allowed, err = f.registry.Allow(ctx, "ap-south")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, StateHalfOpen, f.state(t, "ap-south"))

	assert.Equal(t, []transition{
		{"ap-south", StateClosed, StateOpen},
		{"ap-south", StateOpen, StateHalfOpen},
	}, f.events.all())
}

func TestRegistry_HalfOpenClosesAfterSuccesses(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.open(t, "us-east")
	f.clock.Advance(30 * time.Second)

	require.NoError(t, f.registry.RecordSuccess(ctx, "us-east"))
	require.NoError(t, f.registry.RecordSuccess(ctx, "us-east"))
	assert.Equal(t, StateHalfOpen, f.state(t, "us-east"))

	require.NoError(t, f.registry.RecordSuccess(ctx, "us-east"))
	st, err := f.registry.State(ctx, "us-east")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, st.State)
	assert.Zero(t, st.FailureCount)
	assert.Zero(t, st.SuccessCount)
	assert.True(t, st.NextRetryAt.IsZero())

	events := f.events.all()
	require.Len(t, events, 3)
	assert.Equal(t, transition{"us-east", StateHalfOpen, StateClosed}, events[2])
}

func TestRegistry_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.open(t, "eu-west")
	f.clock.Advance(45 * time.Second)

	require.NoError(t, f.registry.RecordSuccess(ctx, "eu-west"))
	require.NoError(t, f.registry.RecordFailure(ctx, "eu-west"))

	st, err := f.registry.State(ctx, "eu-west")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, st.State)
	assert.Equal(t, f.clock.Now().Add(30*time.Second), st.NextRetryAt)
	assert.Equal(t, f.clock.Now(), st.LastFailureAt)

	events := f.events.all()
	require.Len(t, events, 3)
	assert.Equal(t, transition{"eu-west", StateHalfOpen, StateOpen}, events[2])
}

func TestRegistry_OpenIgnoresOutcomes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.open(t, "us-east")

	before, err := f.registry.State(ctx, "us-east")
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.registry.RecordSuccess(ctx, "us-east"))
	require.NoError(t, f.registry.RecordFailure(ctx, "us-east"))

	after, err := f.registry.State(ctx, "us-east")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, after.State)
	assert.Equal(t, before.NextRetryAt, after.NextRetryAt)
	assert.Equal(t, f.clock.Now(), after.LastFailureAt)
}

func TestRegistry_Reset(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.open(t, "us-west")

	require.NoError(t, f.registry.Reset(ctx, "us-west"))
	assert.Equal(t, StateClosed, f.state(t, "us-west"))

	_, err := f.store.Get(ctx, circuitKey("us-west"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Resetting a closed circuit is silent.
	require.NoError(t, f.registry.Reset(ctx, "us-west"))
	assert.Len(t, f.events.all(), 2)
}

func TestRegistry_OneRecordPerRegion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = f.registry.RecordFailure(ctx, "us-east")
			} else {
				_ = f.registry.RecordSuccess(ctx, "us-east")
			}
		}(i)
	}
	wg.Wait()

	raw, err := f.store.Get(ctx, circuitKey("us-east"))
	require.NoError(t, err)

	var st CircuitState
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Equal(t, "us-east", st.Region)
	assert.Contains(t, []State{StateClosed, StateOpen, StateHalfOpen}, st.State)
}

func TestState_Text(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		text  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()

			b, err := json.Marshal(CircuitState{Region: "r", State: tt.state})
			require.NoError(t, err)
			assert.Contains(t, string(b), `"state":"`+tt.text+`"`)

			var got State
			require.NoError(t, got.UnmarshalText([]byte(tt.text)))
			assert.Equal(t, tt.state, got)
		})
	}

	var s State
	assert.Error(t, s.UnmarshalText([]byte("broken")))
	assert.Equal(t, "unknown", State(42).String())
}

func TestConfigFrom(t *testing.T) {
	t.Parallel()

	cfg := ConfigFrom(config.CircuitBreakerConfig{
		ErrorThresholdPct: 25,
		Cooldown:          config.Duration(time.Minute),
	})
	assert.Equal(t, 25.0, cfg.ErrorThresholdPct)
	assert.Equal(t, time.Minute, cfg.Cooldown)
	assert.Equal(t, DefaultConfig().Window, cfg.Window)
	assert.Equal(t, DefaultConfig().SuccessesToClose, cfg.SuccessesToClose)
	assert.Equal(t, DefaultConfig().MinRequests, cfg.MinRequests)
}
