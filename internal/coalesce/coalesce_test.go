package coalesce

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaregion/internal/config"
	"github.com/vyrodovalexey/avaregion/internal/store"
	"github.com/vyrodovalexey/avaregion/internal/util"
)

func testSettings(window time.Duration) *Settings {
	return SettingsFrom(config.CoalesceConfig{
		Enabled:       true,
		Window:        config.Duration(window),
		PollInterval:  config.Duration(5 * time.Millisecond),
		ResultTTL:     config.Duration(time.Second),
		Methods:       []string{"get", "HEAD"},
		IgnoreHeaders: []string{"x-request-id"},
	})
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func request(method string) *http.Request {
	return httptest.NewRequest(method, "http://router.example/api/pitches?page=1", nil)
}

func okResult(body string) *Result {
	return &Result{
		Response: &util.BufferedResponse{StatusCode: http.StatusOK, Body: []byte(body)},
		Region:   "us-east",
	}
}

// blockingCall counts invocations and blocks each one until released.
type blockingCall struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	once    sync.Once
	result  *Result
	err     error
}

func newBlockingCall(result *Result, err error) *blockingCall {
	return &blockingCall{
		started: make(chan struct{}),
		release: make(chan struct{}),
		result:  result,
		err:     err,
	}
}

func (b *blockingCall) fn(context.Context) (*Result, error) {
	b.calls.Add(1)
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.result, b.err
}

type outcome struct {
	res    *Result
	source Source
	err    error
}

func TestCoalescer_SettingsFrom(t *testing.T) {
	t.Parallel()

	s := testSettings(time.Second)
	assert.True(t, s.Applies(http.MethodGet))
	assert.True(t, s.Applies(http.MethodHead))
	assert.False(t, s.Applies(http.MethodPost))

	s = SettingsFrom(config.CoalesceConfig{Enabled: false, Window: config.Duration(time.Second), Methods: []string{"GET"}})
	assert.False(t, s.Applies(http.MethodGet))
	assert.Equal(t, time.Second, s.ResultTTL)
	assert.Equal(t, 50*time.Millisecond, s.PollInterval)
}

func TestCoalescer_Hash(t *testing.T) {
	t.Parallel()

	c := New(newStore(t), testSettings(time.Second))

	a := request(http.MethodGet)
	a.Header.Set("Accept", "application/json")
	a.Header.Set("X-Request-ID", "one")
	a.Header.Set("Accept-Language", "en")

	b := request(http.MethodGet)
	b.Header.Set("Accept-Language", "en")
	b.Header.Set("X-Request-ID", "two")
	b.Header.Set("Accept", "application/json")
	assert.Equal(t, c.Hash(a), c.Hash(b))

	b.Header.Set("Accept", "text/html")
	assert.NotEqual(t, c.Hash(a), c.Hash(b))

	assert.NotEqual(t, c.Hash(request(http.MethodGet)), c.Hash(request(http.MethodHead)))
}

func TestCoalescer_ConcurrentIdenticalRequestsCallOnce(t *testing.T) {
	t.Parallel()

	c := New(newStore(t), testSettings(2*time.Second))
	call := newBlockingCall(okResult("shared"), nil)

	results := make(chan outcome, 2)
	run := func() {
		res, source, err := c.Do(context.Background(), request(http.MethodGet), call.fn)
		results <- outcome{res, source, err}
	}

	go run()
	<-call.started
	go run()
	time.Sleep(50 * time.Millisecond)
	close(call.release)

	var sources []Source
	for i := 0; i < 2; i++ {
		o := <-results
		require.NoError(t, o.err)
		assert.Equal(t, "shared", string(o.res.Response.Body))
		sources = append(sources, o.source)
	}

	assert.Equal(t, int32(1), call.calls.Load())
	assert.Contains(t, sources, SourceNone)
	assert.True(t, sources[0] != SourceNone || sources[1] != SourceNone)
}

func TestCoalescer_WaitsForOtherRouter(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	owner := New(s, testSettings(2*time.Second))
	waiter := New(s, testSettings(2*time.Second))
	call := newBlockingCall(okResult("from owner"), nil)

	done := make(chan outcome, 1)
	go func() {
		res, source, err := owner.Do(context.Background(), request(http.MethodGet), call.fn)
		done <- outcome{res, source, err}
	}()
	<-call.started

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(call.release)
	}()

	res, source, err := waiter.Do(context.Background(), request(http.MethodGet), func(context.Context) (*Result, error) {
		t.Error("waiter must not call the upstream")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, SourceStore, source)
	assert.Equal(t, "from owner", string(res.Response.Body))
	assert.Equal(t, "us-east", res.Region)

	o := <-done
	require.NoError(t, o.err)
	assert.Equal(t, SourceNone, o.source)
	assert.Equal(t, int32(1), call.calls.Load())
}

func TestCoalescer_OwnerFailureReleasesWaiters(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	owner := New(s, testSettings(2*time.Second))
	waiter := New(s, testSettings(2*time.Second))
	call := newBlockingCall(nil, errors.New("upstream timeout"))

	done := make(chan error, 1)
	go func() {
		_, _, err := owner.Do(context.Background(), request(http.MethodGet), call.fn)
		done <- err
	}()
	<-call.started

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(call.release)
	}()

	start := time.Now()
	var independent atomic.Int32
	res, source, err := waiter.Do(context.Background(), request(http.MethodGet), func(context.Context) (*Result, error) {
		independent.Add(1)
		return okResult("independent"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, SourceNone, source)
	assert.Equal(t, "independent", string(res.Response.Body))
	assert.Equal(t, int32(1), independent.Load())
	assert.Less(t, time.Since(start), time.Second)

	assert.Error(t, <-done)
}

func TestCoalescer_WaiterGivesUpAfterWindow(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	owner := New(s, testSettings(150*time.Millisecond))
	waiter := New(s, testSettings(150*time.Millisecond))
	call := newBlockingCall(okResult("late"), nil)
	defer close(call.release)

	go func() {
		_, _, _ = owner.Do(context.Background(), request(http.MethodGet), call.fn)
	}()
	<-call.started

	start := time.Now()
	res, source, err := waiter.Do(context.Background(), request(http.MethodGet), func(context.Context) (*Result, error) {
		return okResult("independent"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, SourceNone, source)
	assert.Equal(t, "independent", string(res.Response.Body))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCoalescer_RecentResultIsReused(t *testing.T) {
	t.Parallel()

	c := New(newStore(t), testSettings(time.Second))
	var calls atomic.Int32
	fn := func(context.Context) (*Result, error) {
		calls.Add(1)
		return okResult("once"), nil
	}

	_, source, err := c.Do(context.Background(), request(http.MethodGet), fn)
	require.NoError(t, err)
	assert.Equal(t, SourceNone, source)

	res, source, err := c.Do(context.Background(), request(http.MethodGet), fn)
	require.NoError(t, err)
	assert.Equal(t, SourceStore, source)
	assert.Equal(t, "once", string(res.Response.Body))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCoalescer_UnsafeMethodsBypass(t *testing.T) {
	t.Parallel()

	c := New(newStore(t), testSettings(time.Second))
	var calls atomic.Int32
	fn := func(context.Context) (*Result, error) {
		calls.Add(1)
		return okResult("created"), nil
	}

	for i := 0; i < 2; i++ {
		_, source, err := c.Do(context.Background(), request(http.MethodPost), fn)
		require.NoError(t, err)
		assert.Equal(t, SourceNone, source)
	}
	assert.Equal(t, int32(2), calls.Load())

	c.SetSettings(SettingsFrom(config.CoalesceConfig{Enabled: false}))
	_, source, err := c.Do(context.Background(), request(http.MethodGet), fn)
	require.NoError(t, err)
	assert.Equal(t, SourceNone, source)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCoalescer_LocalWaiterGivesUpAfterWindow(t *testing.T) {
	t.Parallel()

	c := New(newStore(t), testSettings(100*time.Millisecond))
	call := newBlockingCall(okResult("slow"), nil)
	defer close(call.release)

	go func() {
		_, _, _ = c.Do(context.Background(), request(http.MethodGet), call.fn)
	}()
	<-call.started

	start := time.Now()
	var independent atomic.Int32
	res, source, err := c.Do(context.Background(), request(http.MethodGet), func(context.Context) (*Result, error) {
		independent.Add(1)
		return okResult("independent"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, SourceNone, source)
	assert.Equal(t, "independent", string(res.Response.Body))
	assert.Equal(t, int32(1), independent.Load())
	assert.Equal(t, int32(1), call.calls.Load())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCoalescer_ServerErrorsAreNotReplayed(t *testing.T) {
	t.Parallel()

	c := New(newStore(t), testSettings(time.Second))
	var calls atomic.Int32
	fn := func(context.Context) (*Result, error) {
		calls.Add(1)
		return &Result{
			Response: &util.BufferedResponse{StatusCode: http.StatusBadGateway, Body: []byte("bad gateway")},
			Region:   "us-east",
		}, nil
	}

	for i := 0; i < 2; i++ {
		res, source, err := c.Do(context.Background(), request(http.MethodGet), fn)
		require.NoError(t, err)
		assert.Equal(t, SourceNone, source)
		assert.Equal(t, http.StatusBadGateway, res.Response.StatusCode)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestCoalescer_NoCacheSkipsFinishedResult(t *testing.T) {
	t.Parallel()

	c := New(newStore(t), testSettings(time.Second))
	var calls atomic.Int32
	fn := func(context.Context) (*Result, error) {
		calls.Add(1)
		return okResult("fresh"), nil
	}

	noCache := func() *http.Request {
		r := request(http.MethodGet)
		r.Header.Set("Cache-Control", "no-cache")
		return r
	}

	_, source, err := c.Do(context.Background(), noCache(), fn)
	require.NoError(t, err)
	assert.Equal(t, SourceNone, source)

	_, source, err = c.Do(context.Background(), noCache(), fn)
	require.NoError(t, err)
	assert.Equal(t, SourceNone, source)
	assert.Equal(t, int32(2), calls.Load())
}
