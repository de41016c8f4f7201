// Package config defines the router configuration, its defaults, loading,
// validation and hot reload.
package config

import (
	"strings"
	"time"
)

// Selection algorithm names.
const (
	AlgorithmGeo                = "geo"
	AlgorithmWeightedRoundRobin = "weighted_round_robin"
	AlgorithmLeastConnections   = "least_connections"
	AlgorithmRoundRobin         = "round_robin"
)

// Store and blob backend types.
const (
	StoreTypeMemory = "memory"
	StoreTypeRedis  = "redis"
	BlobTypeMemory  = "memory"
	BlobTypeFile    = "file"
)

// Config is the root router configuration.
type Config struct {
	Regions        []RegionConfig       `yaml:"regions" json:"regions"`
	Routing        RoutingConfig        `yaml:"routing" json:"routing"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit" json:"rateLimit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	Coalesce       CoalesceConfig       `yaml:"coalesce" json:"coalesce"`
	Cache          CacheConfig          `yaml:"cache" json:"cache"`
	Health         HealthConfig         `yaml:"health" json:"health"`
	Jobs           JobsConfig           `yaml:"jobs" json:"jobs"`
	Costs          map[string]UnitCost  `yaml:"costs" json:"costs"`
	Store          StoreConfig          `yaml:"store" json:"store"`
	Blob           BlobConfig           `yaml:"blob" json:"blob"`
	Analytics      AnalyticsConfig      `yaml:"analytics" json:"analytics"`
	Server         ServerConfig         `yaml:"server" json:"server"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`
	Observability  ObservabilityConfig  `yaml:"observability" json:"observability"`
}

// RegionConfig describes one upstream deployment.
type RegionConfig struct {
	ID           string   `yaml:"id" json:"id"`
	BaseURL      string   `yaml:"baseUrl" json:"baseUrl"`
	Weight       int      `yaml:"weight" json:"weight"`
	EdgeAffinity []string `yaml:"edgeAffinity,omitempty" json:"edgeAffinity,omitempty"`
}

// RoutingConfig controls upstream selection and forwarding.
type RoutingConfig struct {
	Algorithm          string   `yaml:"algorithm" json:"algorithm"`
	EdgeLocationHeader string   `yaml:"edgeLocationHeader" json:"edgeLocationHeader"`
	ClientIDHeader     string   `yaml:"clientIdHeader" json:"clientIdHeader"`
	TrustedProxies     []string `yaml:"trustedProxies,omitempty" json:"trustedProxies,omitempty"`
	ForwardTimeout     Duration `yaml:"forwardTimeout" json:"forwardTimeout"`
	MaxRequestBody     int64    `yaml:"maxRequestBody" json:"maxRequestBody"`
	MaxResponseBody    int64    `yaml:"maxResponseBody" json:"maxResponseBody"`
}

// LimitRule is a fixed-window quota.
type LimitRule struct {
	Limit  int      `yaml:"limit" json:"limit"`
	Window Duration `yaml:"window" json:"window"`
}

// PathClass applies a distinct quota to requests whose path starts with
// one of its prefixes.
type PathClass struct {
	Name      string   `yaml:"name" json:"name"`
	Prefixes  []string `yaml:"prefixes" json:"prefixes"`
	LimitRule `yaml:",inline" json:",inline"`
}

// RateLimitConfig holds the default quota and the per path class overrides.
type RateLimitConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Default LimitRule   `yaml:"default" json:"default"`
	Classes []PathClass `yaml:"classes,omitempty" json:"classes,omitempty"`
}

// CircuitBreakerConfig holds the per-region breaker thresholds.
type CircuitBreakerConfig struct {
	ErrorThresholdPct float64  `yaml:"errorThresholdPct" json:"errorThresholdPct"`
	MinRequests       int      `yaml:"minRequests" json:"minRequests"`
	Window            Duration `yaml:"window" json:"window"`
	Cooldown          Duration `yaml:"cooldown" json:"cooldown"`
	SuccessesToClose  int      `yaml:"successesToClose" json:"successesToClose"`
}

// CoalesceConfig controls duplicate request suppression.
type CoalesceConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	Window        Duration `yaml:"window" json:"window"`
	PollInterval  Duration `yaml:"pollInterval" json:"pollInterval"`
	ResultTTL     Duration `yaml:"resultTTL" json:"resultTTL"`
	Methods       []string `yaml:"methods" json:"methods"`
	IgnoreHeaders []string `yaml:"ignoreHeaders,omitempty" json:"ignoreHeaders,omitempty"`
}

// CacheConfig controls the GET response cache.
type CacheConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	TTL     Duration `yaml:"ttl" json:"ttl"`
}

// HealthConfig controls upstream probing.
type HealthConfig struct {
	Interval           Duration `yaml:"interval" json:"interval"`
	Timeout            Duration `yaml:"timeout" json:"timeout"`
	Path               string   `yaml:"path" json:"path"`
	TTL                Duration `yaml:"ttl" json:"ttl"`
	UnhealthyThreshold int      `yaml:"unhealthyThreshold" json:"unhealthyThreshold"`
}

// JobsConfig sets the interval of each reporting job.
type JobsConfig struct {
	MetricsAggregation Duration `yaml:"metricsAggregation" json:"metricsAggregation"`
	CostAnalysis       Duration `yaml:"costAnalysis" json:"costAnalysis"`
	HourlyReport       Duration `yaml:"hourlyReport" json:"hourlyReport"`
	DailyOptimization  Duration `yaml:"dailyOptimization" json:"dailyOptimization"`
	DailyBudget        float64  `yaml:"dailyBudget" json:"dailyBudget"`
}

// UnitCost is the price model of one operation type.
type UnitCost struct {
	PerRequest     float64 `yaml:"perRequest" json:"perRequest"`
	PerMillisecond float64 `yaml:"perMillisecond" json:"perMillisecond"`
}

// StoreConfig selects the shared state store.
type StoreConfig struct {
	Type  string      `yaml:"type" json:"type"`
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Address      string       `yaml:"address" json:"address"`
	Password     string       `yaml:"password,omitempty" json:"-"`
	DB           int          `yaml:"db" json:"db"`
	KeyPrefix    string       `yaml:"keyPrefix" json:"keyPrefix"`
	PoolSize     int          `yaml:"poolSize" json:"poolSize"`
	DialTimeout  Duration     `yaml:"dialTimeout" json:"dialTimeout"`
	ReadTimeout  Duration     `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout Duration     `yaml:"writeTimeout" json:"writeTimeout"`
	Vault        *VaultSource `yaml:"vault,omitempty" json:"vault,omitempty"`
}

// VaultSource points at a KV v2 secret holding the Redis password.
type VaultSource struct {
	Address string `yaml:"address" json:"address"`
	Token   string `yaml:"token,omitempty" json:"-"`
	Mount   string `yaml:"mount" json:"mount"`
	Path    string `yaml:"path" json:"path"`
	Key     string `yaml:"key" json:"key"`
}

// BlobConfig selects the durable snapshot/report store.
type BlobConfig struct {
	Type string `yaml:"type" json:"type"`
	Dir  string `yaml:"dir,omitempty" json:"dir,omitempty"`
}

// AnalyticsConfig controls structured event emission.
type AnalyticsConfig struct {
	SampleRate float64 `yaml:"sampleRate" json:"sampleRate"`
}

// ServerConfig configures the routing listener.
type ServerConfig struct {
	Address         string   `yaml:"address" json:"address"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
}

// AdminConfig configures the admin and health listener.
type AdminConfig struct {
	Address           string  `yaml:"address" json:"address"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// ObservabilityConfig groups logging, metrics and tracing.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" json:"namespace"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
}

// DefaultConfig returns a configuration with every default filled in and no
// regions. The loader decodes files on top of it.
func DefaultConfig() *Config {
	return &Config{
		Routing: RoutingConfig{
			Algorithm:          AlgorithmGeo,
			EdgeLocationHeader: "X-Edge-Location",
			ClientIDHeader:     "CF-Connecting-IP",
			ForwardTimeout:     Duration(10 * time.Second),
			MaxRequestBody:     10 << 20,
			MaxResponseBody:    10 << 20,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Default: LimitRule{Limit: 100, Window: Duration(time.Minute)},
			Classes: []PathClass{
				{
					Name:      "auth",
					Prefixes:  []string{"/api/auth", "/auth", "/login"},
					LimitRule: LimitRule{Limit: 20, Window: Duration(time.Minute)},
				},
				{
					Name:      "upload",
					Prefixes:  []string{"/api/upload", "/upload"},
					LimitRule: LimitRule{Limit: 10, Window: Duration(time.Minute)},
				},
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			ErrorThresholdPct: 50,
			MinRequests:       1,
			Window:            Duration(time.Minute),
			Cooldown:          Duration(30 * time.Second),
			SuccessesToClose:  3,
		},
		Coalesce: CoalesceConfig{
			Enabled:      true,
			Window:       Duration(5 * time.Second),
			PollInterval: Duration(50 * time.Millisecond),
			ResultTTL:    Duration(10 * time.Second),
			Methods:      []string{"GET", "HEAD"},
			IgnoreHeaders: []string{
				"X-Request-ID", "Traceparent", "Tracestate", "CF-Ray",
				"X-Forwarded-For", "CF-Connecting-IP",
			},
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     Duration(30 * time.Second),
		},
		Health: HealthConfig{
			Interval:           Duration(time.Minute),
			Timeout:            Duration(5 * time.Second),
			Path:               "/health",
			UnhealthyThreshold: 1,
		},
		Jobs: JobsConfig{
			MetricsAggregation: Duration(5 * time.Minute),
			CostAnalysis:       Duration(15 * time.Minute),
			HourlyReport:       Duration(time.Hour),
			DailyOptimization:  Duration(24 * time.Hour),
		},
		Costs: map[string]UnitCost{
			"forward":      {PerRequest: 0.0000005, PerMillisecond: 0.00000002},
			"health_probe": {PerRequest: 0.0000002, PerMillisecond: 0.00000001},
		},
		Store: StoreConfig{
			Type: StoreTypeMemory,
			Redis: RedisConfig{
				Address:      "localhost:6379",
				KeyPrefix:    "avaregion:",
				PoolSize:     10,
				DialTimeout:  Duration(5 * time.Second),
				ReadTimeout:  Duration(3 * time.Second),
				WriteTimeout: Duration(3 * time.Second),
			},
		},
		Blob: BlobConfig{Type: BlobTypeMemory},
		Analytics: AnalyticsConfig{
			SampleRate: 0.1,
		},
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(60 * time.Second),
			IdleTimeout:     Duration(120 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Admin: AdminConfig{
			Address:           ":9090",
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			Metrics: MetricsConfig{Namespace: "router"},
			Tracing: TracingConfig{ServiceName: "avaregion", SamplingRate: 1.0},
		},
	}
}

// ApplyDefaults fills values that cannot be expressed by decoding on top of
// DefaultConfig, such as per-region weights and derived TTLs.
func (c *Config) ApplyDefaults() {
	for i := range c.Regions {
		if c.Regions[i].Weight == 0 {
			c.Regions[i].Weight = 1
		}
		c.Regions[i].BaseURL = strings.TrimRight(c.Regions[i].BaseURL, "/")
		for j, code := range c.Regions[i].EdgeAffinity {
			c.Regions[i].EdgeAffinity[j] = strings.ToUpper(strings.TrimSpace(code))
		}
	}

	if c.Health.TTL == 0 {
		c.Health.TTL = Duration(3 * c.Health.Interval.Duration())
	}
	if c.Health.UnhealthyThreshold == 0 {
		c.Health.UnhealthyThreshold = 1
	}
	if c.CircuitBreaker.MinRequests == 0 {
		c.CircuitBreaker.MinRequests = 1
	}

	for i := range c.RateLimit.Classes {
		if c.RateLimit.Classes[i].Window == 0 {
			c.RateLimit.Classes[i].Window = c.RateLimit.Default.Window
		}
	}

	for i, m := range c.Coalesce.Methods {
		c.Coalesce.Methods[i] = strings.ToUpper(m)
	}

	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = "avaregion"
	}
}

// RegionIDs returns the configured region identifiers in registry order.
func (c *Config) RegionIDs() []string {
	ids := make([]string, 0, len(c.Regions))
	for _, r := range c.Regions {
		ids = append(ids, r.ID)
	}
	return ids
}
