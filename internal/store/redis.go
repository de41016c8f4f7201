package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avaregion/internal/observability"
	"github.com/vyrodovalexey/avaregion/internal/util"
)

var (
	redisStoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_store_operations_total",
			Help: "Total number of Redis store operations",
		},
		[]string{"operation", "status"},
	)

	redisStoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_store_operation_duration_seconds",
			Help:    "Duration of Redis store operations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	redisStoreConnectionRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_store_connection_retries_total",
			Help: "Total number of Redis connection retry attempts",
		},
	)

	redisStoreBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "redis_store_breaker_open",
			Help: "Whether the Redis store breaker is open (1) or not (0)",
		},
	)
)

// incrementScript adds ARGV[1] to KEYS[1] and sets a millisecond expiry of
// ARGV[2] when the increment created the key.
var incrementScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	local ttl = tonumber(ARGV[2])
	if current == tonumber(ARGV[1]) and ttl > 0 then
		redis.call('PEXPIRE', KEYS[1], ttl)
	end
	return current
`)

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// InitialBackoff and MaxBackoff bound the delay between connection attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// ConnectionRetries is the number of connection retry attempts.
	ConnectionRetries int

	// BreakerFailures is the number of consecutive command failures that
	// open the store breaker. BreakerTimeout is how long it stays open.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	Logger observability.Logger
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:           "localhost:6379",
		Prefix:            "avaregion:",
		PoolSize:          10,
		MinIdleConns:      2,
		MaxRetries:        3,
		DialTimeout:       5 * time.Second,
		ReadTimeout:       3 * time.Second,
		WriteTimeout:      3 * time.Second,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		ConnectionRetries: 5,
		BreakerFailures:   5,
		BreakerTimeout:    10 * time.Second,
	}
}

// RedisStore implements Store on Redis. Every command runs through a
// breaker so that a dead Redis fails requests fast with
// util.ErrStoreUnavailable instead of stalling them on timeouts.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
	closed  bool
	mu      sync.Mutex
}

// NewRedisStore connects to Redis, retrying with decorrelated jitter backoff.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := connectWithRetry(client, cfg, logger); err != nil {
		_ = client.Close()
		return nil, err
	}

	return newRedisStore(client, cfg, logger), nil
}

func newRedisStore(client *redis.Client, cfg *RedisConfig, logger observability.Logger) *RedisStore {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	settings := gobreaker.Settings{
		Name:        "redis-store",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, redis.Nil) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("redis store breaker state changed",
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			if to == gobreaker.StateOpen {
				redisStoreBreakerState.Set(1)
			} else {
				redisStoreBreakerState.Set(0)
			}
		},
	}

	return &RedisStore{
		client:  client,
		prefix:  cfg.Prefix,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

func connectWithRetry(client *redis.Client, cfg *RedisConfig, logger observability.Logger) error {
	retries := cfg.ConnectionRetries
	if retries <= 0 {
		retries = 5
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	totalTimeout := min(time.Duration(retries+1)*dialTimeout, 2*time.Minute)

	backoff := newDecorrelatedJitterBackoff(cfg.InitialBackoff, cfg.MaxBackoff)

	ctx, cancel := context.WithTimeout(context.Background(), totalTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		pingCtx, pingCancel := context.WithTimeout(ctx, dialTimeout)
		lastErr = client.Ping(pingCtx).Err()
		pingCancel()

		if lastErr == nil {
			if attempt > 0 {
				logger.Info("redis connection established after retry",
					observability.String("address", cfg.Address),
					observability.Int("attempt", attempt+1),
				)
			}
			return nil
		}

		if attempt == retries {
			break
		}

		wait := backoff.next(attempt)
		logger.Debug("redis connection failed, retrying",
			observability.String("address", cfg.Address),
			observability.Int("attempt", attempt+1),
			observability.Duration("backoff", wait),
			observability.Error(lastErr),
		)
		redisStoreConnectionRetries.Inc()

		select {
		case <-ctx.Done():
			return fmt.Errorf("redis connection timeout exceeded: %w", ctx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("failed to connect to redis after %d attempts: %w", retries+1, lastErr)
}

// decorrelatedJitterBackoff yields sleep = min(cap, random_between(base, prev*3)).
type decorrelatedJitterBackoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newDecorrelatedJitterBackoff(initial, maxDuration time.Duration) *decorrelatedJitterBackoff {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if maxDuration <= 0 {
		maxDuration = 10 * time.Second
	}
	return &decorrelatedJitterBackoff{initial: initial, max: maxDuration, current: initial}
}

func (b *decorrelatedJitterBackoff) next(attempt int) time.Duration {
	if attempt == 0 {
		b.current = b.initial
		return b.current
	}

	lo := float64(b.initial)
	hi := float64(b.current) * 3
	//nolint:gosec // weak random is acceptable for jitter
	backoff := lo + float64(time.Now().UnixNano()%1000)/1000.0*(hi-lo)
	if backoff > float64(b.max) {
		backoff = float64(b.max)
	}

	b.current = time.Duration(backoff)
	return b.current
}

// do runs one command through the breaker and records its metrics.
func (s *RedisStore) do(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error before redis %s: %w", op, err)
	}

	start := time.Now()
	result, err := s.breaker.Execute(fn)
	redisStoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		redisStoreOperationsTotal.WithLabelValues(op, "success").Inc()
		return result, nil
	case errors.Is(err, redis.Nil):
		redisStoreOperationsTotal.WithLabelValues(op, "not_found").Inc()
		return nil, ErrNotFound
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		redisStoreOperationsTotal.WithLabelValues(op, "rejected").Inc()
		return nil, fmt.Errorf("redis %s: %w", op, util.ErrStoreUnavailable)
	default:
		redisStoreOperationsTotal.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("redis %s error: %w", op, err)
	}
}

func (s *RedisStore) prefixKey(key string) string {
	return s.prefix + key
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.do(ctx, "get", func() (any, error) {
		return s.client.Get(ctx, s.prefixKey(key)).Bytes()
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.do(ctx, "set", func() (any, error) {
		return nil, s.client.Set(ctx, s.prefixKey(key), value, ttl).Err()
	})
	return err
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	_, err := s.do(ctx, "delete", func() (any, error) {
		return nil, s.client.Del(ctx, s.prefixKey(key)).Err()
	})
	return err
}

// Increment implements Store with a Lua script so the expiry is set
// atomically with the first increment.
func (s *RedisStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	v, err := s.do(ctx, "increment", func() (any, error) {
		return incrementScript.Run(ctx, s.client, []string{s.prefixKey(key)}, delta, ttl.Milliseconds()).Int64()
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	_, err := s.do(ctx, "ping", func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close implements Store. Close is idempotent.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
