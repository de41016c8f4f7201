package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

// ValidationError is a single invalid configuration value.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator accumulates configuration errors.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateConfig validates a router configuration.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// Validate validates the configuration and returns every problem found.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = nil

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateRegions(cfg.Regions)
	v.validateRouting(&cfg.Routing)
	v.validateRateLimit(&cfg.RateLimit)
	v.validateCircuitBreaker(&cfg.CircuitBreaker)
	v.validateCoalesce(&cfg.Coalesce)
	v.validateCache(&cfg.Cache)
	v.validateHealth(&cfg.Health)
	v.validateJobs(&cfg.Jobs)
	v.validateStore(&cfg.Store)
	v.validateBlob(&cfg.Blob)
	v.validateObservability(&cfg.Observability)

	if cfg.Analytics.SampleRate < 0 || cfg.Analytics.SampleRate > 1 {
		v.addError("analytics.sampleRate", "must be between 0 and 1")
	}
	for op, cost := range cfg.Costs {
		if cost.PerRequest < 0 || cost.PerMillisecond < 0 {
			v.addError("costs."+op, "unit costs must not be negative")
		}
	}

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateRegions(regions []RegionConfig) {
	if len(regions) == 0 {
		v.addError("regions", "at least one region is required")
		return
	}

	seen := make(map[string]bool, len(regions))
	for i, r := range regions {
		path := fmt.Sprintf("regions[%d]", i)

		if r.ID == "" {
			v.addError(path+".id", "id is required")
		} else if seen[r.ID] {
			v.addError(path+".id", fmt.Sprintf("duplicate region id %q", r.ID))
		}
		seen[r.ID] = true

		u, err := url.Parse(r.BaseURL)
		switch {
		case r.BaseURL == "":
			v.addError(path+".baseUrl", "baseUrl is required")
		case err != nil:
			v.addError(path+".baseUrl", fmt.Sprintf("invalid URL: %v", err))
		case u.Scheme != "http" && u.Scheme != "https":
			v.addError(path+".baseUrl", "scheme must be http or https")
		case u.Host == "":
			v.addError(path+".baseUrl", "host is required")
		}

		if r.Weight < 0 {
			v.addError(path+".weight", "weight must not be negative")
		}
	}
}

func (v *Validator) validateRouting(r *RoutingConfig) {
	switch r.Algorithm {
	case AlgorithmGeo, AlgorithmWeightedRoundRobin, AlgorithmLeastConnections, AlgorithmRoundRobin:
	default:
		v.addError("routing.algorithm", fmt.Sprintf("unknown algorithm %q", r.Algorithm))
	}

	if r.ForwardTimeout <= 0 {
		v.addError("routing.forwardTimeout", "must be positive")
	}
	if r.MaxRequestBody <= 0 {
		v.addError("routing.maxRequestBody", "must be positive")
	}
	if r.MaxResponseBody <= 0 {
		v.addError("routing.maxResponseBody", "must be positive")
	}

	for i, p := range r.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err == nil {
			continue
		}
		if net.ParseIP(p) == nil {
			v.addError(fmt.Sprintf("routing.trustedProxies[%d]", i), fmt.Sprintf("invalid IP or CIDR %q", p))
		}
	}
}

func (v *Validator) validateRateLimit(rl *RateLimitConfig) {
	if !rl.Enabled {
		return
	}
	v.validateLimitRule("rateLimit.default", rl.Default)

	names := make(map[string]bool, len(rl.Classes))
	for i, c := range rl.Classes {
		path := fmt.Sprintf("rateLimit.classes[%d]", i)
		if c.Name == "" || c.Name == "default" {
			v.addError(path+".name", "name is required and must not be 'default'")
		} else if names[c.Name] {
			v.addError(path+".name", fmt.Sprintf("duplicate class %q", c.Name))
		}
		names[c.Name] = true

		if len(c.Prefixes) == 0 {
			v.addError(path+".prefixes", "at least one prefix is required")
		}
		v.validateLimitRule(path, c.LimitRule)
	}
}

func (v *Validator) validateLimitRule(path string, r LimitRule) {
	if r.Limit <= 0 {
		v.addError(path+".limit", "must be positive")
	}
	if r.Window.Duration() < time.Second {
		v.addError(path+".window", "must be at least 1s")
	}
}

func (v *Validator) validateCircuitBreaker(cb *CircuitBreakerConfig) {
	if cb.ErrorThresholdPct <= 0 || cb.ErrorThresholdPct > 100 {
		v.addError("circuitBreaker.errorThresholdPct", "must be in (0, 100]")
	}
	if cb.MinRequests < 1 {
		v.addError("circuitBreaker.minRequests", "must be at least 1")
	}
	if cb.Window <= 0 {
		v.addError("circuitBreaker.window", "must be positive")
	}
	if cb.Cooldown <= 0 {
		v.addError("circuitBreaker.cooldown", "must be positive")
	}
	if cb.SuccessesToClose < 1 {
		v.addError("circuitBreaker.successesToClose", "must be at least 1")
	}
}

func (v *Validator) validateCoalesce(c *CoalesceConfig) {
	if !c.Enabled {
		return
	}
	if c.Window <= 0 {
		v.addError("coalesce.window", "must be positive")
	}
	if c.PollInterval <= 0 || c.PollInterval > c.Window {
		v.addError("coalesce.pollInterval", "must be positive and not exceed the window")
	}
	if c.ResultTTL <= 0 {
		v.addError("coalesce.resultTTL", "must be positive")
	}
	for i, m := range c.Methods {
		if m != "GET" && m != "HEAD" {
			v.addError(fmt.Sprintf("coalesce.methods[%d]", i), fmt.Sprintf("method %q is not safe to coalesce", m))
		}
	}
}

func (v *Validator) validateCache(c *CacheConfig) {
	if c.Enabled && c.TTL <= 0 {
		v.addError("cache.ttl", "must be positive")
	}
}

func (v *Validator) validateHealth(h *HealthConfig) {
	if h.Interval <= 0 {
		v.addError("health.interval", "must be positive")
	}
	if h.Timeout <= 0 {
		v.addError("health.timeout", "must be positive")
	}
	if !strings.HasPrefix(h.Path, "/") {
		v.addError("health.path", "must start with /")
	}
	if h.TTL < h.Interval {
		v.addError("health.ttl", "must be at least the probe interval")
	}
	if h.UnhealthyThreshold < 1 {
		v.addError("health.unhealthyThreshold", "must be at least 1")
	}
}

func (v *Validator) validateJobs(j *JobsConfig) {
	checks := []struct {
		path string
		d    Duration
	}{
		{"jobs.metricsAggregation", j.MetricsAggregation},
		{"jobs.costAnalysis", j.CostAnalysis},
		{"jobs.hourlyReport", j.HourlyReport},
		{"jobs.dailyOptimization", j.DailyOptimization},
	}
	for _, c := range checks {
		if c.d <= 0 {
			v.addError(c.path, "must be positive")
		}
	}
	if j.DailyBudget < 0 {
		v.addError("jobs.dailyBudget", "must not be negative")
	}
}

func (v *Validator) validateStore(s *StoreConfig) {
	switch s.Type {
	case StoreTypeMemory:
	case StoreTypeRedis:
		if s.Redis.Address == "" {
			v.addError("store.redis.address", "address is required")
		}
		if vs := s.Redis.Vault; vs != nil {
			if vs.Address == "" {
				v.addError("store.redis.vault.address", "address is required")
			}
			if vs.Path == "" {
				v.addError("store.redis.vault.path", "path is required")
			}
		}
	default:
		v.addError("store.type", fmt.Sprintf("unknown store type %q", s.Type))
	}
}

func (v *Validator) validateBlob(b *BlobConfig) {
	switch b.Type {
	case BlobTypeMemory:
	case BlobTypeFile:
		if b.Dir == "" {
			v.addError("blob.dir", "dir is required for file buckets")
		}
	default:
		v.addError("blob.type", fmt.Sprintf("unknown blob type %q", b.Type))
	}
}

func (v *Validator) validateObservability(o *ObservabilityConfig) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(o.Logging.Level)); err != nil {
		v.addError("observability.logging.level", fmt.Sprintf("invalid level %q", o.Logging.Level))
	}
	if o.Logging.Format != "json" && o.Logging.Format != "console" {
		v.addError("observability.logging.format", "must be json or console")
	}
	if o.Tracing.SamplingRate < 0 || o.Tracing.SamplingRate > 1 {
		v.addError("observability.tracing.samplingRate", "must be between 0 and 1")
	}
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
