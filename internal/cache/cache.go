// Package cache provides a short-lived response cache for GET requests,
// backed by the shared store.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vyrodovalexey/avaregion/internal/observability"
	"github.com/vyrodovalexey/avaregion/internal/store"
	"github.com/vyrodovalexey/avaregion/internal/util"
)

// CachedResponse is a stored GET response.
type CachedResponse struct {
	Key       string                 `json:"key"`
	Response  *util.BufferedResponse `json:"response"`
	StoredAt  time.Time              `json:"storedAt"`
	ExpiresAt time.Time              `json:"expiresAt"`
}

// Headers that are never stored with a response.
var uncachedHeaders = []string{"Set-Cookie", "X-Served-By", "X-Cache", "X-Coalesced", "X-Fallback-Region"}

// ResponseCache caches successful GET responses by full request URL.
type ResponseCache struct {
	store   store.Store
	ttl     atomic.Int64
	clock   clockwork.Clock
	logger  observability.Logger
	metrics *observability.Metrics
	pending sync.WaitGroup
}

// Option configures a ResponseCache.
type Option func(*ResponseCache)

// WithClock sets the clock used for expiry.
func WithClock(clock clockwork.Clock) Option {
	return func(c *ResponseCache) {
		c.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *ResponseCache) {
		c.logger = logger
	}
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *ResponseCache) {
		c.metrics = metrics
	}
}

// New creates a response cache whose entries live for ttl.
func New(s store.Store, ttl time.Duration, opts ...Option) *ResponseCache {
	c := &ResponseCache{
		store:  s,
		clock:  clockwork.NewRealClock(),
		logger: observability.NopLogger(),
	}
	c.ttl.Store(int64(ttl))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the lifetime of new entries.
func (c *ResponseCache) TTL() time.Duration {
	return time.Duration(c.ttl.Load())
}

// SetTTL changes the lifetime of new entries.
func (c *ResponseCache) SetTTL(ttl time.Duration) {
	c.ttl.Store(int64(ttl))
}

// Key returns the cache key of r, derived from the full request URL.
func Key(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	sum := sha256.Sum256([]byte(r.Method + " " + scheme + "://" + r.Host + r.URL.RequestURI()))
	return "cache:" + hex.EncodeToString(sum[:])
}

// Cacheable reports whether r may be answered from the cache.
func Cacheable(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	cc := strings.ToLower(r.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-cache") && !strings.Contains(cc, "no-store")
}

// Get returns the fresh cached response for r. Store errors are reported as
// misses.
func (c *ResponseCache) Get(ctx context.Context, r *http.Request) (*CachedResponse, bool) {
	key := Key(r)

	var entry CachedResponse
	err := store.GetJSON(ctx, c.store, key, &entry)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("cache lookup failed",
				observability.String("key", key),
				observability.Error(err),
			)
		}
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}

	if entry.Response == nil || !c.clock.Now().Before(entry.ExpiresAt) {
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}

	c.metrics.RecordCacheLookup(true)
	return &entry, true
}

// Put stores resp for r if it is a cacheable 2xx response. An existing
// entry is only replaced by one that expires later. It returns whether the
// response was written.
func (c *ResponseCache) Put(ctx context.Context, r *http.Request, resp *util.BufferedResponse) (bool, error) {
	ttl := c.TTL()
	if ttl <= 0 || r.Method != http.MethodGet || !storable(resp) {
		return false, nil
	}

	key := Key(r)
	now := c.clock.Now()
	entry := CachedResponse{
		Key:       key,
		Response:  stripped(resp),
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	var existing CachedResponse
	err := store.GetJSON(ctx, c.store, key, &existing)
	switch {
	case err == nil:
		if !entry.ExpiresAt.After(existing.ExpiresAt) {
			return false, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return false, err
	}

	if err := store.SetJSON(ctx, c.store, key, entry, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Populate stores resp in the background, detached from the request
// context.
func (c *ResponseCache) Populate(ctx context.Context, r *http.Request, resp *util.BufferedResponse) {
	if !storable(resp) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	req := r.Clone(ctx)
	resp = resp.Clone()

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		if _, err := c.Put(ctx, req, resp); err != nil {
			c.logger.Warn("failed to populate response cache",
				observability.String("url", req.URL.String()),
				observability.Error(err),
			)
		}
	}()
}

// Wait blocks until background writes started by Populate finish.
func (c *ResponseCache) Wait() {
	c.pending.Wait()
}

func storable(resp *util.BufferedResponse) bool {
	if resp == nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "private")
}

func stripped(resp *util.BufferedResponse) *util.BufferedResponse {
	out := resp.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	for _, h := range uncachedHeaders {
		out.Header.Del(h)
	}
	return out
}
