package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaregion/internal/util"
)

// backend pairs a Store with a way of moving its notion of time forward.
type backend struct {
	store   Store
	advance func(time.Duration)
}

func newMemoryBackend(t *testing.T) backend {
	t.Helper()
	clock := clockwork.NewFakeClock()
	s := NewMemoryStore(WithClock(clock), WithSweepInterval(time.Hour))
	t.Cleanup(func() { _ = s.Close() })
	return backend{store: s, advance: clock.Advance}
}

func newRedisBackend(t *testing.T) backend {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := DefaultRedisConfig()
	cfg.Address = mr.Addr()
	cfg.Prefix = "test:"
	cfg.ConnectionRetries = 1

	s, err := NewRedisStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return backend{store: s, advance: mr.FastForward}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b backend)) {
	t.Helper()

	backends := map[string]func(*testing.T) backend{
		"memory": newMemoryBackend,
		"redis":  newRedisBackend,
	}
	for name, mk := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, mk(t))
		})
	}
}

func TestStore_GetSetDelete(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		_, err := b.store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, b.store.Set(ctx, "k", []byte("v1"), 0))
		got, err := b.store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)

		require.NoError(t, b.store.Set(ctx, "k", []byte("v2"), 0))
		got, err = b.store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)

		require.NoError(t, b.store.Delete(ctx, "k"))
		require.NoError(t, b.store.Delete(ctx, "k"))
		_, err = b.store.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, b.store.Ping(ctx))
	})
}

func TestStore_TTLExpiry(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		require.NoError(t, b.store.Set(ctx, "short", []byte("x"), 10*time.Second))
		require.NoError(t, b.store.Set(ctx, "forever", []byte("y"), 0))

		b.advance(9 * time.Second)
		_, err := b.store.Get(ctx, "short")
		require.NoError(t, err)

		b.advance(2 * time.Second)
		_, err = b.store.Get(ctx, "short")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = b.store.Get(ctx, "forever")
		assert.NoError(t, err)
	})
}

func TestStore_Increment(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		n, err := b.store.Increment(ctx, "counter", 1, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		b.advance(30 * time.Second)
		n, err = b.store.Increment(ctx, "counter", 4, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)

		v, err := GetInt(ctx, b.store, "counter")
		require.NoError(t, err)
		assert.Equal(t, int64(5), v)

		// The expiry set by the first increment is kept.
		b.advance(31 * time.Second)
		v, err = GetInt(ctx, b.store, "counter")
		require.NoError(t, err)
		assert.Zero(t, v)

		n, err = b.store.Increment(ctx, "counter", 1, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestStore_JSONHelpers(t *testing.T) {
	t.Parallel()

	type record struct {
		Region  string `json:"region"`
		Healthy bool   `json:"healthy"`
	}

	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		require.NoError(t, SetJSON(ctx, b.store, "health:us", record{Region: "us", Healthy: true}, time.Minute))

		var got record
		require.NoError(t, GetJSON(ctx, b.store, "health:us", &got))
		assert.Equal(t, record{Region: "us", Healthy: true}, got)

		require.NoError(t, b.store.Set(ctx, "bad", []byte("{"), 0))
		assert.Error(t, GetJSON(ctx, b.store, "bad", &got))
		assert.ErrorIs(t, GetJSON(ctx, b.store, "nope", &got), ErrNotFound)
	})
}

func TestStore_CancelledContext(t *testing.T) {
	t.Parallel()

	forEachBackend(t, func(t *testing.T, b backend) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := b.store.Get(ctx, "k")
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, b.store.Set(ctx, "k", nil, 0), context.Canceled)
		_, err = b.store.Increment(ctx, "k", 1, 0)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestGetInt_NotAnInteger(t *testing.T) {
	t.Parallel()

	b := newMemoryBackend(t)
	require.NoError(t, b.store.Set(context.Background(), "k", []byte("abc"), 0))

	_, err := GetInt(context.Background(), b.store, "k")
	assert.Error(t, err)
	_, err = b.store.Increment(context.Background(), "k", 1, 0)
	assert.Error(t, err)
}

func TestMemoryStore_Sweep(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := NewMemoryStore(WithClock(clock), WithSweepInterval(time.Second))
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "a", []byte("1"), 500*time.Millisecond))
	require.NoError(t, s.Set(context.Background(), "b", []byte("2"), 0))
	assert.Equal(t, 2, s.Len())

	clock.BlockUntil(1)
	clock.Advance(time.Second)

	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.data) == 1
	}, time.Second, 5*time.Millisecond)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Address = mr.Addr()
	cfg.Prefix = "edge:"

	s, err := NewRedisStore(cfg)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "lb:rr", []byte("7"), 0))
	val, err := mr.Get("edge:lb:rr")
	require.NoError(t, err)
	assert.Equal(t, "7", val)

	_, err = s.Increment(context.Background(), "ratelimit:c:default:1", 1, 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, mr.TTL("edge:ratelimit:c:default:1"))
}

func TestRedisStore_BreakerFailsFast(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Address = mr.Addr()
	cfg.MaxRetries = -1
	cfg.BreakerFailures = 2
	cfg.BreakerTimeout = time.Hour
	cfg.DialTimeout = 100 * time.Millisecond

	s, err := NewRedisStore(cfg)
	require.NoError(t, err)
	defer s.Close()

	mr.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err = s.Get(ctx, "k")
		require.Error(t, err)
		assert.False(t, errors.Is(err, util.ErrStoreUnavailable))
	}

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, util.ErrStoreUnavailable)
	assert.ErrorIs(t, s.Ping(ctx), util.ErrStoreUnavailable)
}

func TestRedisStore_MissDoesNotTripBreaker(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Address = mr.Addr()
	cfg.BreakerFailures = 1

	s, err := NewRedisStore(cfg)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 3; i++ {
		_, err = s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.NoError(t, s.Ping(context.Background()))
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	t.Parallel()

	cfg := DefaultRedisConfig()
	cfg.Address = "127.0.0.1:1"
	cfg.ConnectionRetries = 1
	cfg.DialTimeout = 50 * time.Millisecond
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond

	_, err := NewRedisStore(cfg)
	assert.ErrorContains(t, err, "failed to connect to redis")
}

func TestDecorrelatedJitterBackoff(t *testing.T) {
	t.Parallel()

	b := newDecorrelatedJitterBackoff(10*time.Millisecond, 50*time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, b.next(0))
	for i := 1; i < 10; i++ {
		d := b.next(i)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
}
