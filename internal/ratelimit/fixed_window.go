package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vyrodovalexey/avaregion/internal/observability"
	"github.com/vyrodovalexey/avaregion/internal/store"
)

// FixedWindowLimiter implements the fixed window rate limiting algorithm.
// It divides time into fixed windows and counts requests per client and
// path class within each window. Counters live in the shared store and
// expire when their window ends.
//
// The check reads the counter and then increments it; concurrent routers
// may admit a request or two past the limit.
type FixedWindowLimiter struct {
	store   store.Store
	rules   atomic.Pointer[Rules]
	clock   clockwork.Clock
	logger  observability.Logger
	metrics *observability.Metrics
}

// Option configures a FixedWindowLimiter.
type Option func(*FixedWindowLimiter)

// WithClock sets the clock that defines window boundaries.
func WithClock(clock clockwork.Clock) Option {
	return func(l *FixedWindowLimiter) {
		l.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *FixedWindowLimiter) {
		l.logger = logger
	}
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(l *FixedWindowLimiter) {
		l.metrics = metrics
	}
}

// NewFixedWindowLimiter creates a new fixed window rate limiter.
func NewFixedWindowLimiter(s store.Store, rules *Rules, opts ...Option) *FixedWindowLimiter {
	l := &FixedWindowLimiter{
		store:  s,
		clock:  clockwork.NewRealClock(),
		logger: observability.NopLogger(),
	}
	l.rules.Store(rules)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetRules replaces the quotas. Counters of the current window are kept.
func (l *FixedWindowLimiter) SetRules(rules *Rules) {
	l.rules.Store(rules)
}

// Rules returns the active quotas.
func (l *FixedWindowLimiter) Rules() *Rules {
	return l.rules.Load()
}

// windowKey returns the counter key of the window containing t.
func windowKey(client, class string, window time.Duration, t time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", client, class, t.UnixNano()/window.Nanoseconds())
}

// windowStart returns the start time of the window containing t.
func windowStart(window time.Duration, t time.Time) time.Time {
	windowNanos := window.Nanoseconds()
	return time.Unix(0, (t.UnixNano()/windowNanos)*windowNanos)
}

// Allow counts one request from client to path. A request whose window
// count has already reached the limit is rejected without being counted.
// Store failures admit the request.
func (l *FixedWindowLimiter) Allow(ctx context.Context, client, path string) *Result {
	rule := l.Rules().Classify(path)
	if rule.Limit <= 0 || rule.Window <= 0 {
		return &Result{Allowed: true, Class: rule.Class, Limit: rule.Limit}
	}

	now := l.clock.Now()
	key := windowKey(client, rule.Class, rule.Window, now)

	resetAfter := windowStart(rule.Window, now).Add(rule.Window).Sub(now)
	if resetAfter < 0 {
		resetAfter = 0
	}

	result := &Result{
		Allowed:    true,
		Class:      rule.Class,
		Limit:      rule.Limit,
		Remaining:  rule.Limit,
		ResetAfter: resetAfter,
	}

	count, err := store.GetInt(ctx, l.store, key)
	if err != nil {
		l.failOpen(client, rule.Class, err)
		return result
	}

	if int(count) >= rule.Limit {
		result.Allowed = false
		result.Remaining = 0
		result.RetryAfter = resetAfter
		l.metrics.RecordRateLimited(rule.Class)
		l.logger.Debug("rate limit exceeded",
			observability.String("client", client),
			observability.String("class", rule.Class),
			observability.Int("limit", rule.Limit),
		)
		return result
	}

	count, err = l.store.Increment(ctx, key, 1, rule.Window)
	if err != nil {
		l.failOpen(client, rule.Class, err)
		return result
	}

	result.Remaining = rule.Limit - int(count)
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	return result
}

func (l *FixedWindowLimiter) failOpen(client, class string, err error) {
	l.logger.Warn("rate limit store unavailable, allowing request",
		observability.String("client", client),
		observability.String("class", class),
		observability.Error(err),
	)
}
