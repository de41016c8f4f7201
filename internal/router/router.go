package router

import (
	"errors"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/vyrodovalexey/avaregion/internal/analytics"
	"github.com/vyrodovalexey/avaregion/internal/backend"
	"github.com/vyrodovalexey/avaregion/internal/cache"
	"github.com/vyrodovalexey/avaregion/internal/circuitbreaker"
	"github.com/vyrodovalexey/avaregion/internal/coalesce"
	"github.com/vyrodovalexey/avaregion/internal/config"
	"github.com/vyrodovalexey/avaregion/internal/metrics/region"
	"github.com/vyrodovalexey/avaregion/internal/middleware"
	"github.com/vyrodovalexey/avaregion/internal/observability"
	"github.com/vyrodovalexey/avaregion/internal/proxy"
	"github.com/vyrodovalexey/avaregion/internal/ratelimit"
)

// Response headers set by the router.
const (
	HeaderServedBy           = "X-Served-By"
	HeaderCache              = "X-Cache"
	HeaderCoalesced          = "X-Coalesced"
	HeaderFallbackRegion     = "X-Fallback-Region"
	HeaderRetryAfter         = "Retry-After"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
)

// Components are the collaborators the router composes. Sink and Sampler
// are optional; every other field is required.
type Components struct {
	Registry  *backend.Registry
	Health    *backend.HealthStore
	Selector  *backend.Selector
	Breakers  *circuitbreaker.Registry
	Limiter   *ratelimit.FixedWindowLimiter
	Cache     *cache.ResponseCache
	Coalescer *coalesce.Coalescer
	Forwarder *proxy.Forwarder
	Collector *region.Collector
	Sink      analytics.Sink
	Sampler   *analytics.Sampler
}

func (c Components) validate() error {
	var missing []string
	if c.Registry == nil {
		missing = append(missing, "registry")
	}
	if c.Health == nil {
		missing = append(missing, "health")
	}
	if c.Selector == nil {
		missing = append(missing, "selector")
	}
	if c.Breakers == nil {
		missing = append(missing, "breakers")
	}
	if c.Limiter == nil {
		missing = append(missing, "limiter")
	}
	if c.Cache == nil {
		missing = append(missing, "cache")
	}
	if c.Coalescer == nil {
		missing = append(missing, "coalescer")
	}
	if c.Forwarder == nil {
		missing = append(missing, "forwarder")
	}
	if c.Collector == nil {
		missing = append(missing, "collector")
	}
	if len(missing) > 0 {
		return errors.New("router: missing components: " + strings.Join(missing, ", "))
	}
	return nil
}

// settings are the per-request switches swapped as a whole on reload.
type settings struct {
	rateLimit  bool
	cache      bool
	edgeHeader string
	clients    *middleware.ClientIdentifier
}

func settingsFrom(cfg *config.Config) *settings {
	return &settings{
		rateLimit:  cfg.RateLimit.Enabled,
		cache:      cfg.Cache.Enabled,
		edgeHeader: cfg.Routing.EdgeLocationHeader,
		clients:    middleware.NewClientIdentifier(cfg.Routing.ClientIDHeader, cfg.Routing.TrustedProxies),
	}
}

// Router is the http.Handler for routed traffic.
type Router struct {
	c        Components
	settings atomic.Pointer[settings]
	clock    clockwork.Clock
	logger   observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// Option configures a Router.
type Option func(*Router)

// WithClock sets the clock used to time requests.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Router) {
		r.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Router) {
		r.metrics = metrics
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer *observability.Tracer) Option {
	return func(r *Router) {
		r.tracer = tracer
	}
}

// New creates a router from its components and the initial configuration.
func New(c Components, cfg *config.Config, opts ...Option) (*Router, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if c.Sampler == nil {
		c.Sampler = analytics.NewSampler(cfg.Analytics.SampleRate)
	}

	r := &Router{
		c:      c,
		clock:  clockwork.NewRealClock(),
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.settings.Store(settingsFrom(cfg))
	return r, nil
}

// Reload applies the reloadable parts of cfg: the selection algorithm,
// rate limit classes, cache TTL, coalescing parameters, the forward
// timeout and the header settings. Region changes take effect only after
// a restart.
func (r *Router) Reload(cfg *config.Config) {
	r.c.Selector.SetAlgorithm(cfg.Routing.Algorithm)
	r.c.Limiter.SetRules(ratelimit.RulesFrom(cfg.RateLimit))
	r.c.Cache.SetTTL(cfg.Cache.TTL.Duration())
	r.c.Coalescer.SetSettings(coalesce.SettingsFrom(cfg.Coalesce))
	r.c.Forwarder.SetTimeout(cfg.Routing.ForwardTimeout.Duration())
	r.settings.Store(settingsFrom(cfg))

	if regionsChanged(r.c.Registry, cfg.Regions) {
		r.logger.Warn("region configuration changed, restart required to apply it",
			observability.Strings("running", r.c.Registry.IDs()),
			observability.Strings("configured", cfg.RegionIDs()),
		)
	}

	r.logger.Info("router configuration reloaded",
		observability.String("algorithm", cfg.Routing.Algorithm),
		observability.Bool("rate_limit", cfg.RateLimit.Enabled),
		observability.Bool("cache", cfg.Cache.Enabled),
		observability.Bool("coalesce", cfg.Coalesce.Enabled),
	)
}

func regionsChanged(reg *backend.Registry, cfgs []config.RegionConfig) bool {
	if reg.Len() != len(cfgs) {
		return true
	}
	for i, r := range reg.Regions() {
		c := cfgs[i]
		weight := c.Weight
		if weight <= 0 {
			weight = 1
		}
		if r.ID != c.ID || r.Weight != weight {
			return true
		}
		u, err := url.Parse(strings.TrimSuffix(c.BaseURL, "/"))
		if err != nil || u.String() != r.BaseURL.String() {
			return true
		}
		if len(r.EdgeAffinity()) != len(c.EdgeAffinity) {
			return true
		}
		for _, code := range c.EdgeAffinity {
			if !r.ServesEdge(strings.TrimSpace(code)) {
				return true
			}
		}
	}
	return false
}
