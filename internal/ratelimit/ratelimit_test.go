package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaregion/internal/config"
	"github.com/vyrodovalexey/avaregion/internal/store"
)

func testRules() *Rules {
	return RulesFrom(config.RateLimitConfig{
		Enabled: true,
		Default: config.LimitRule{Limit: 10, Window: config.Duration(time.Minute)},
		Classes: []config.PathClass{
			{
				Name:      "auth",
				Prefixes:  []string{"/api/auth", "/login"},
				LimitRule: config.LimitRule{Limit: 3, Window: config.Duration(time.Minute)},
			},
			{
				Name:      "upload",
				Prefixes:  []string{"/api/auth/upload"},
				LimitRule: config.LimitRule{Limit: 1},
			},
		},
	})
}

func newLimiter(t *testing.T) (*FixedWindowLimiter, *clockwork.FakeClock) {
	t.Helper()
	// Window boundaries are aligned to the minute.
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC))
	s := store.NewMemoryStore(store.WithClock(clock))
	t.Cleanup(func() { _ = s.Close() })
	return NewFixedWindowLimiter(s, testRules(), WithClock(clock)), clock
}

func TestRules_Classify(t *testing.T) {
	t.Parallel()

	rules := testRules()
	tests := []struct {
		path  string
		class string
		limit int
	}{
		{"/", DefaultClass, 10},
		{"/api/pitches", DefaultClass, 10},
		{"/api/auth", "auth", 3},
		{"/api/auth/login", "auth", 3},
		{"/api/authors", DefaultClass, 10},
		{"/login", "auth", 3},
		{"/api/auth/upload/file", "upload", 1},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			rule := rules.Classify(tt.path)
			assert.Equal(t, tt.class, rule.Class)
			assert.Equal(t, tt.limit, rule.Limit)
			assert.Equal(t, time.Minute, rule.Window)
		})
	}
}

func TestFixedWindowLimiter_EleventhRequestRejected(t *testing.T) {
	t.Parallel()

	limiter, clock := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res := limiter.Allow(ctx, "203.0.113.7", "/api/pitches")
		require.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 10-(i+1), res.Remaining)
	}

	res := limiter.Allow(ctx, "203.0.113.7", "/api/pitches")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 10, res.Limit)
	assert.Equal(t, 55*time.Second, res.RetryAfter)

	// Other clients have their own counters.
	assert.True(t, limiter.Allow(ctx, "198.51.100.1", "/api/pitches").Allowed)

	clock.Advance(55 * time.Second)
	res = limiter.Allow(ctx, "203.0.113.7", "/api/pitches")
	assert.True(t, res.Allowed)
	assert.Equal(t, 9, res.Remaining)
}

func TestFixedWindowLimiter_ClassesCountSeparately(t *testing.T) {
	t.Parallel()

	limiter, _ := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, limiter.Allow(ctx, "client", "/api/auth/login").Allowed)
	}
	res := limiter.Allow(ctx, "client", "/login")
	assert.False(t, res.Allowed)
	assert.Equal(t, "auth", res.Class)

	assert.True(t, limiter.Allow(ctx, "client", "/api/pitches").Allowed)
}

func TestFixedWindowLimiter_SetRules(t *testing.T) {
	t.Parallel()

	limiter, _ := newLimiter(t)
	ctx := context.Background()

	require.True(t, limiter.Allow(ctx, "client", "/").Allowed)

	limiter.SetRules(RulesFrom(config.RateLimitConfig{
		Default: config.LimitRule{Limit: 1, Window: config.Duration(time.Minute)},
	}))
	assert.False(t, limiter.Allow(ctx, "client", "/").Allowed)
}

func TestFixedWindowLimiter_KeyExpiresWithWindow(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := store.NewMemoryStore(store.WithClock(clock))
	t.Cleanup(func() { _ = s.Close() })
	limiter := NewFixedWindowLimiter(s, testRules(), WithClock(clock))
	ctx := context.Background()

	limiter.Allow(ctx, "client", "/")
	key := windowKey("client", DefaultClass, time.Minute, clock.Now())
	assert.Contains(t, key, "ratelimit:client:default:")

	n, err := store.GetInt(ctx, s, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	clock.Advance(time.Minute)
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type brokenStore struct {
	store.Store
}

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func TestFixedWindowLimiter_FailsOpen(t *testing.T) {
	t.Parallel()

	limiter := NewFixedWindowLimiter(brokenStore{}, testRules())
	for i := 0; i < 20; i++ {
		assert.True(t, limiter.Allow(context.Background(), "client", "/").Allowed)
	}
}

func TestFixedWindowLimiter_ZeroLimitIsUnlimited(t *testing.T) {
	t.Parallel()

	limiter := NewFixedWindowLimiter(brokenStore{}, RulesFrom(config.RateLimitConfig{}))
	res := limiter.Allow(context.Background(), "client", "/")
	assert.True(t, res.Allowed)
	assert.Equal(t, DefaultClass, res.Class)
}
