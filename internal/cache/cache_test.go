package cache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaregion/internal/store"
	"github.com/vyrodovalexey/avaregion/internal/util"
)

func newCache(t *testing.T) (*ResponseCache, *clockwork.FakeClock, *store.MemoryStore) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := store.NewMemoryStore(store.WithClock(clock))
	t.Cleanup(func() { _ = s.Close() })
	return New(s, 30*time.Second, WithClock(clock)), clock, s
}

func okResponse(body string) *util.BufferedResponse {
	return &util.BufferedResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}, "X-Served-By": {"us-east"}},
		Body:       []byte(body),
	}
}

func TestKey(t *testing.T) {
	t.Parallel()

	a := httptest.NewRequest(http.MethodGet, "http://router.example/api/pitches?page=1", nil)
	b := httptest.NewRequest(http.MethodGet, "http://router.example/api/pitches?page=2", nil)
	c := httptest.NewRequest(http.MethodGet, "http://other.example/api/pitches?page=1", nil)
	d := httptest.NewRequest(http.MethodGet, "http://router.example/api/pitches?page=1", nil)
	d.Header.Set("Accept", "text/html")

	assert.NotEqual(t, Key(a), Key(b))
	assert.NotEqual(t, Key(a), Key(c))
	assert.Equal(t, Key(a), Key(d))
	assert.Contains(t, Key(a), "cache:")
}

func TestCacheable(t *testing.T) {
	t.Parallel()

	assert.True(t, Cacheable(httptest.NewRequest(http.MethodGet, "/", nil)))
	assert.False(t, Cacheable(httptest.NewRequest(http.MethodPost, "/", nil)))
	assert.False(t, Cacheable(httptest.NewRequest(http.MethodHead, "/", nil)))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Cache-Control", "no-cache")
	assert.False(t, Cacheable(r))
}

func TestResponseCache_HitUntilExpiry(t *testing.T) {
	t.Parallel()

	c, clock, _ := newCache(t)
	ctx := context.Background()
	r := httptest.NewRequest(http.MethodGet, "http://router.example/api/pitches", nil)

	_, ok := c.Get(ctx, r)
	assert.False(t, ok)

	stored, err := c.Put(ctx, r, okResponse(`{"items":[]}`))
	require.NoError(t, err)
	assert.True(t, stored)

	clock.Advance(29 * time.Second)
	entry, ok := c.Get(ctx, r)
	require.True(t, ok)
	assert.Equal(t, `{"items":[]}`, string(entry.Response.Body))
	assert.Equal(t, "application/json", entry.Response.Header.Get("Content-Type"))
	assert.Empty(t, entry.Response.Header.Get("X-Served-By"))
	assert.Equal(t, clock.Now().Add(time.Second), entry.ExpiresAt)

	clock.Advance(time.Second)
	_, ok = c.Get(ctx, r)
	assert.False(t, ok)
}

func TestResponseCache_OnlyLaterExpiryReplaces(t *testing.T) {
	t.Parallel()

	c, clock, _ := newCache(t)
	ctx := context.Background()
	r := httptest.NewRequest(http.MethodGet, "http://router.example/a", nil)

	stored, err := c.Put(ctx, r, okResponse("first"))
	require.NoError(t, err)
	require.True(t, stored)

	// Same instant: the new entry would not expire later.
	stored, err = c.Put(ctx, r, okResponse("second"))
	require.NoError(t, err)
	assert.False(t, stored)

	// A shorter TTL would expire earlier.
	c.SetTTL(10 * time.Second)
	clock.Advance(5 * time.Second)
	stored, err = c.Put(ctx, r, okResponse("third"))
	require.NoError(t, err)
	assert.False(t, stored)

	c.SetTTL(30 * time.Second)
	stored, err = c.Put(ctx, r, okResponse("fourth"))
	require.NoError(t, err)
	assert.True(t, stored)

	entry, ok := c.Get(ctx, r)
	require.True(t, ok)
	assert.Equal(t, "fourth", string(entry.Response.Body))
}

func TestResponseCache_SkipsUncacheable(t *testing.T) {
	t.Parallel()

	c, _, s := newCache(t)
	ctx := context.Background()
	get := httptest.NewRequest(http.MethodGet, "http://router.example/a", nil)

	tests := []struct {
		name string
		req  *http.Request
		resp *util.BufferedResponse
	}{
		{"post", httptest.NewRequest(http.MethodPost, "http://router.example/a", nil), okResponse("x")},
		{"server error", get, &util.BufferedResponse{StatusCode: http.StatusBadGateway}},
		{"not found", get, &util.BufferedResponse{StatusCode: http.StatusNotFound}},
		{"no-store", get, &util.BufferedResponse{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Cache-Control": {"no-store"}},
		}},
		{"private", get, &util.BufferedResponse{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Cache-Control": {"private, max-age=60"}},
		}},
	}
	for _, tt := range tests {
		stored, err := c.Put(ctx, tt.req, tt.resp)
		require.NoError(t, err, tt.name)
		assert.False(t, stored, tt.name)
	}
	assert.Zero(t, s.Len())
}

func TestResponseCache_Populate(t *testing.T) {
	t.Parallel()

	c, _, _ := newCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodGet, "http://router.example/a", nil).WithContext(ctx)

	c.Populate(ctx, r, okResponse("async"))
	// The write must survive the request finishing.
	cancel()
	c.Wait()

	entry, ok := c.Get(context.Background(), r)
	require.True(t, ok)
	assert.Equal(t, "async", string(entry.Response.Body))
}

type brokenStore struct {
	store.Store
}

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func TestResponseCache_StoreErrorIsMiss(t *testing.T) {
	t.Parallel()

	c := New(brokenStore{}, time.Minute)
	r := httptest.NewRequest(http.MethodGet, "http://router.example/a", nil)

	_, ok := c.Get(context.Background(), r)
	assert.False(t, ok)

	_, err := c.Put(context.Background(), r, okResponse("x"))
	assert.Error(t, err)
}
