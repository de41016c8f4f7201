package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaregion/internal/backend"
	"github.com/vyrodovalexey/avaregion/internal/config"
	"github.com/vyrodovalexey/avaregion/internal/observability"
)

func regionFor(t *testing.T, baseURL string) *backend.Region {
	t.Helper()
	reg, err := backend.NewRegistry([]config.RegionConfig{{ID: "us-east", BaseURL: baseURL}})
	require.NoError(t, err)
	r, ok := reg.Get("us-east")
	require.True(t, ok)
	return r
}

func TestForwarder_ForwardsRequest(t *testing.T) {
	t.Parallel()

	type captured struct {
		req  *http.Request
		body string
	}
	seenCh := make(chan captured, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seenCh <- captured{req: r.Clone(context.Background()), body: string(b)}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	defer upstream.Close()

	f := NewForwarder()
	r := httptest.NewRequest(http.MethodPost, "http://router.example/api/pitches?draft=true", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	r.Header.Set("Connection", "X-Drop-Me")
	r.Header.Set("X-Drop-Me", "1")
	r.Header.Set("Authorization", "Bearer abc")
	ctx := observability.ContextWithRequestID(context.Background(), "req-1")
	r = r.WithContext(ctx)

	outcome, err := f.Forward(ctx, r, []byte(`{"title":"x"}`), regionFor(t, upstream.URL))
	require.NoError(t, err)

	assert.Equal(t, "us-east", outcome.Region)
	assert.True(t, outcome.Success())
	assert.Equal(t, http.StatusCreated, outcome.Response.StatusCode)
	assert.Equal(t, `{"id":1}`, string(outcome.Response.Body))
	assert.Equal(t, "application/json", outcome.Response.Header.Get("Content-Type"))
	assert.Empty(t, outcome.Response.Header.Get("Keep-Alive"))
	assert.Positive(t, outcome.Latency)

	got := <-seenCh
	seen, seenBody := got.req, got.body
	assert.Equal(t, http.MethodPost, seen.Method)
	assert.Equal(t, "/api/pitches", seen.URL.Path)
	assert.Equal(t, "draft=true", seen.URL.RawQuery)
	assert.Equal(t, `{"title":"x"}`, seenBody)
	assert.Equal(t, "198.51.100.1, 203.0.113.7", seen.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "http", seen.Header.Get("X-Forwarded-Proto"))
	assert.Equal(t, "router.example", seen.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, "req-1", seen.Header.Get("X-Request-ID"))
	assert.Equal(t, "Bearer abc", seen.Header.Get("Authorization"))
	assert.Empty(t, seen.Header.Get("X-Drop-Me"))
}

func TestForwarder_ForwardedForUsesResolvedClient(t *testing.T) {
	t.Parallel()

	seen := make(chan string, 3)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("X-Forwarded-For")
	}))
	defer upstream.Close()

	f := NewForwarder()
	region := regionFor(t, upstream.URL)

	tests := []struct {
		name  string
		prior string
		want  string
	}{
		{name: "no prior chain", want: "203.0.113.7"},
		{name: "edge chain without client", prior: "198.51.100.1", want: "198.51.100.1, 203.0.113.7"},
		{name: "client already last hop", prior: "198.51.100.1, 203.0.113.7", want: "198.51.100.1, 203.0.113.7"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://router.example/", nil)
		r.RemoteAddr = "10.0.0.5:443"
		if tt.prior != "" {
			r.Header.Set("X-Forwarded-For", tt.prior)
		}
		ctx := observability.ContextWithClientIP(context.Background(), "203.0.113.7")
		r = r.WithContext(ctx)

		_, err := f.Forward(ctx, r, nil, region)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, <-seen, tt.name)
	}
}

func TestForwarder_ServerErrorIsFailedOutcome(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer upstream.Close()

	f := NewForwarder()
	r := httptest.NewRequest(http.MethodGet, "http://router.example/", nil)

	outcome, err := f.Forward(context.Background(), r, nil, regionFor(t, upstream.URL))
	require.NoError(t, err)
	assert.False(t, outcome.Success())
	assert.Equal(t, http.StatusBadGateway, outcome.Response.StatusCode)
	assert.Contains(t, string(outcome.Response.Body), "boom")
}

func TestForwarder_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	f := NewForwarder(WithTimeout(50 * time.Millisecond))
	r := httptest.NewRequest(http.MethodGet, "http://router.example/slow", nil)

	start := time.Now()
	_, err := f.Forward(context.Background(), r, nil, regionFor(t, upstream.URL))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	var fe *ForwardError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ReasonTimeout, fe.Reason)
	assert.Equal(t, "us-east", fe.Region)
	assert.ErrorIs(t, err, ErrUpstreamTimeout)
}

func TestForwarder_NetworkError(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.NotFoundHandler())
	baseURL := upstream.URL
	upstream.Close()

	f := NewForwarder()
	r := httptest.NewRequest(http.MethodGet, "http://router.example/", nil)

	_, err := f.Forward(context.Background(), r, nil, regionFor(t, baseURL))
	var fe *ForwardError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ReasonNetwork, fe.Reason)
}

func TestForwarder_ResponseTooLarge(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer upstream.Close()

	f := NewForwarder(WithMaxResponseBody(16))
	r := httptest.NewRequest(http.MethodGet, "http://router.example/", nil)

	_, err := f.Forward(context.Background(), r, nil, regionFor(t, upstream.URL))
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestForwarder_SingleAttempt(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	f := NewForwarder()
	r := httptest.NewRequest(http.MethodGet, "http://router.example/", nil)
	_, err := f.Forward(context.Background(), r, nil, regionFor(t, upstream.URL))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestForwarder_SetTimeout(t *testing.T) {
	t.Parallel()

	f := NewForwarder()
	assert.Equal(t, DefaultTimeout, f.Timeout())
	f.SetTimeout(time.Second)
	assert.Equal(t, time.Second, f.Timeout())
	f.SetTimeout(0)
	assert.Equal(t, time.Second, f.Timeout())
}

func TestSingleJoiningSlash(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/api/x", singleJoiningSlash("", "/api/x"))
	assert.Equal(t, "/v1/api", singleJoiningSlash("/v1/", "/api"))
	assert.Equal(t, "/v1/api", singleJoiningSlash("/v1", "api"))
	assert.Equal(t, "/v1/api", singleJoiningSlash("/v1", "/api"))
}
