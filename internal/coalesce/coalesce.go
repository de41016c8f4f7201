// Package coalesce suppresses duplicate concurrent requests. Identical
// requests in one process share a single call through singleflight; across
// router instances the first caller publishes an in-progress entry in the
// shared store and later callers poll it for the result.
//
// Coalescing is best-effort. A waiter whose owner does not publish a result
// within the coalesce window, or whose owner's entry disappears, runs the
// request itself. Server errors are never replayed to later callers.
package coalesce

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/avaregion/internal/config"
	"github.com/vyrodovalexey/avaregion/internal/observability"
	"github.com/vyrodovalexey/avaregion/internal/store"
	"github.com/vyrodovalexey/avaregion/internal/util"
)

// Source tells where a coalesced result came from.
type Source string

const (
	// SourceNone means the caller executed the request itself.
	SourceNone Source = ""
	// SourceLocal means the result was shared by a caller in this process.
	SourceLocal Source = "local"
	// SourceStore means the result was published by another router.
	SourceStore Source = "store"
)

// Result is the outcome of a forwarded request.
type Result struct {
	Response *util.BufferedResponse `json:"response"`
	Region   string                 `json:"region"`
	Fallback bool                   `json:"fallback,omitempty"`
}

// Entry is the shared record of a request in flight.
type Entry struct {
	RequestHash    string    `json:"requestHash"`
	Owner          string    `json:"owner"`
	OwnerTimestamp time.Time `json:"ownerTimestamp"`
	Result         *Result   `json:"result,omitempty"`
}

// InProgress reports whether the owner has not published a result yet.
func (e *Entry) InProgress() bool {
	return e.Result == nil
}

// Func performs the real request.
type Func func(ctx context.Context) (*Result, error)

// Settings are the reloadable coalescing parameters.
type Settings struct {
	Enabled      bool
	Window       time.Duration
	PollInterval time.Duration
	ResultTTL    time.Duration
	methods      map[string]struct{}
	ignore       map[string]struct{}
}

// SettingsFrom converts the configuration section.
func SettingsFrom(cfg config.CoalesceConfig) *Settings {
	s := &Settings{
		Enabled:      cfg.Enabled,
		Window:       cfg.Window.Duration(),
		PollInterval: cfg.PollInterval.Duration(),
		ResultTTL:    cfg.ResultTTL.Duration(),
		methods:      make(map[string]struct{}, len(cfg.Methods)),
		ignore:       make(map[string]struct{}, len(cfg.IgnoreHeaders)),
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 50 * time.Millisecond
	}
	if s.ResultTTL <= 0 {
		s.ResultTTL = s.Window
	}
	for _, m := range cfg.Methods {
		s.methods[strings.ToUpper(m)] = struct{}{}
	}
	for _, h := range cfg.IgnoreHeaders {
		s.ignore[http.CanonicalHeaderKey(h)] = struct{}{}
	}
	return s
}

// Applies reports whether requests with method are coalesced.
func (s *Settings) Applies(method string) bool {
	if !s.Enabled || s.Window <= 0 {
		return false
	}
	_, ok := s.methods[method]
	return ok
}

func entryKey(hash string) string { return "coalesce:" + hash }

// Coalescer deduplicates identical in-flight requests.
type Coalescer struct {
	store    store.Store
	flight   singleflight.Group
	settings atomic.Pointer[Settings]
	clock    clockwork.Clock
	logger   observability.Logger
	metrics  *observability.Metrics
}

// Option configures a Coalescer.
type Option func(*Coalescer)

// WithClock sets the clock used for polling and owner timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coalescer) {
		c.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Coalescer) {
		c.logger = logger
	}
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Coalescer) {
		c.metrics = metrics
	}
}

// New creates a coalescer.
func New(s store.Store, settings *Settings, opts ...Option) *Coalescer {
	c := &Coalescer{
		store:  s,
		clock:  clockwork.NewRealClock(),
		logger: observability.NopLogger(),
	}
	c.settings.Store(settings)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Settings returns the active parameters.
func (c *Coalescer) Settings() *Settings {
	return c.settings.Load()
}

// SetSettings replaces the parameters.
func (c *Coalescer) SetSettings(settings *Settings) {
	c.settings.Store(settings)
}

// Hash returns the coalescing key of r: method, full URL and the sorted
// headers that are not ignored.
func (c *Coalescer) Hash(r *http.Request) string {
	return hashRequest(r, c.Settings().ignore)
}

func hashRequest(r *http.Request, ignore map[string]struct{}) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		if _, skip := ignore[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{'\n'})
	h.Write([]byte(scheme + "://" + r.Host + r.URL.RequestURI()))
	h.Write([]byte{'\n'})
	for _, name := range names {
		h.Write([]byte(strings.ToLower(name)))
		h.Write([]byte{':'})
		h.Write([]byte(strings.Join(r.Header.Values(name), ",")))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Do runs fn for r unless an identical request is already in flight, in
// which case the in-flight result is returned. The returned Source is
// SourceNone when fn ran for this caller. A caller that is not the local
// leader waits at most the coalesce window before running fn itself.
func (c *Coalescer) Do(ctx context.Context, r *http.Request, fn Func) (*Result, Source, error) {
	settings := c.Settings()
	if !settings.Applies(r.Method) {
		res, err := fn(ctx)
		return res, SourceNone, err
	}

	hash := hashRequest(r, settings.ignore)
	detached := context.WithoutCancel(ctx)
	reuse := reusable(r)

	type flightResult struct {
		res    *Result
		source Source
	}
	var led atomic.Bool
	ch := c.flight.DoChan(hash, func() (any, error) {
		led.Store(true)
		res, source, err := c.coordinate(detached, settings, hash, reuse, fn)
		return flightResult{res: res, source: source}, err
	})

	timeout := c.clock.NewTimer(settings.Window)
	defer timeout.Stop()

	var out singleflight.Result
	select {
	case out = <-ch:
	case <-ctx.Done():
		return nil, SourceNone, ctx.Err()
	case <-timeout.Chan():
		if !led.Load() {
			c.logger.Debug("local coalesce wait gave up, forwarding independently",
				observability.String("hash", hash),
			)
			res, err := fn(ctx)
			return res, SourceNone, err
		}
		select {
		case out = <-ch:
		case <-ctx.Done():
			return nil, SourceNone, ctx.Err()
		}
	}

	if out.Err != nil {
		if led.Load() {
			return nil, SourceNone, out.Err
		}
		// The local owner failed; run independently like a store waiter.
		res, err := fn(ctx)
		return res, SourceNone, err
	}

	fr := out.Val.(flightResult)
	source := fr.source
	if !led.Load() {
		source = SourceLocal
	}
	if source != SourceNone {
		c.metrics.RecordCoalesced(string(source))
	}
	return fr.res, source, nil
}

// reusable reports whether a finished result may answer r. Requests asking
// for revalidation only join requests still in flight.
func reusable(r *http.Request) bool {
	cc := strings.ToLower(r.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-cache") && !strings.Contains(cc, "no-store")
}

// publishable reports whether res may be replayed to later callers.
func publishable(res *Result) bool {
	return res.Response != nil && res.Response.StatusCode < http.StatusInternalServerError
}

// coordinate joins an entry published by another router or publishes its
// own and runs fn.
func (c *Coalescer) coordinate(ctx context.Context, settings *Settings, hash string, reuse bool, fn Func) (*Result, Source, error) {
	key := entryKey(hash)

	var existing Entry
	err := store.GetJSON(ctx, c.store, key, &existing)
	switch {
	case err == nil && !existing.InProgress() && !reuse:
		// Skip the finished result and forward again.
	case err == nil:
		if !existing.InProgress() {
			return existing.Result, SourceStore, nil
		}
		deadline := existing.OwnerTimestamp.Add(settings.Window)
		if res := c.wait(ctx, settings, key, deadline); res != nil {
			return res, SourceStore, nil
		}
		c.logger.Debug("coalesce wait gave up, forwarding independently",
			observability.String("hash", hash),
			observability.String("owner", existing.Owner),
		)
		res, err := fn(ctx)
		return res, SourceNone, err

	case !errors.Is(err, store.ErrNotFound):
		c.logger.Warn("coalesce lookup failed", observability.String("hash", hash), observability.Error(err))
		res, err := fn(ctx)
		return res, SourceNone, err
	}

	return c.own(ctx, settings, hash, fn)
}

// own publishes an in-progress entry, runs fn and publishes the result. A
// failed request or a server error removes the entry so waiters stop early.
func (c *Coalescer) own(ctx context.Context, settings *Settings, hash string, fn Func) (*Result, Source, error) {
	key := entryKey(hash)
	entry := Entry{
		RequestHash:    hash,
		Owner:          uuid.NewString(),
		OwnerTimestamp: c.clock.Now(),
	}
	if err := store.SetJSON(ctx, c.store, key, entry, settings.Window); err != nil {
		c.logger.Warn("failed to publish coalesce entry", observability.String("hash", hash), observability.Error(err))
		res, err := fn(ctx)
		return res, SourceNone, err
	}

	res, err := fn(ctx)
	if err != nil || res == nil || !publishable(res) {
		if delErr := c.store.Delete(ctx, key); delErr != nil {
			c.logger.Debug("failed to remove coalesce entry", observability.String("hash", hash), observability.Error(delErr))
		}
		return res, SourceNone, err
	}

	entry.Result = res
	if err := store.SetJSON(ctx, c.store, key, entry, settings.ResultTTL); err != nil {
		c.logger.Warn("failed to publish coalesce result", observability.String("hash", hash), observability.Error(err))
	}
	return res, SourceNone, nil
}

// wait polls key until the owner publishes a result, the entry disappears
// or deadline passes. It returns nil unless a result was published.
func (c *Coalescer) wait(ctx context.Context, settings *Settings, key string, deadline time.Time) *Result {
	remaining := deadline.Sub(c.clock.Now())
	if remaining <= 0 {
		return nil
	}
	timeout := c.clock.NewTimer(remaining)
	defer timeout.Stop()
	ticker := c.clock.NewTicker(settings.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timeout.Chan():
			return nil
		case <-ticker.Chan():
			var entry Entry
			err := store.GetJSON(ctx, c.store, key, &entry)
			switch {
			case err == nil && !entry.InProgress():
				return entry.Result
			case err == nil:
				continue
			default:
				// The owner failed or the entry expired.
				return nil
			}
		}
	}
}
