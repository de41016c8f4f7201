package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vyrodovalexey/avaregion/internal/admin"
	"github.com/vyrodovalexey/avaregion/internal/analytics"
	"github.com/vyrodovalexey/avaregion/internal/backend"
	"github.com/vyrodovalexey/avaregion/internal/blob"
	"github.com/vyrodovalexey/avaregion/internal/cache"
	"github.com/vyrodovalexey/avaregion/internal/circuitbreaker"
	"github.com/vyrodovalexey/avaregion/internal/coalesce"
	"github.com/vyrodovalexey/avaregion/internal/config"
	"github.com/vyrodovalexey/avaregion/internal/health"
	"github.com/vyrodovalexey/avaregion/internal/metrics/region"
	"github.com/vyrodovalexey/avaregion/internal/middleware"
	"github.com/vyrodovalexey/avaregion/internal/observability"
	"github.com/vyrodovalexey/avaregion/internal/proxy"
	"github.com/vyrodovalexey/avaregion/internal/ratelimit"
	"github.com/vyrodovalexey/avaregion/internal/router"
	"github.com/vyrodovalexey/avaregion/internal/scheduler"
	"github.com/vyrodovalexey/avaregion/internal/store"
	"github.com/vyrodovalexey/avaregion/internal/vault"
)

// readHeaderTimeout bounds header reads on both listeners.
const readHeaderTimeout = 10 * time.Second

// application holds all application components.
type application struct {
	cfg     *config.Config
	logger  observability.Logger
	clock   clockwork.Clock
	metrics *observability.Metrics
	tracer  *observability.Tracer

	store     store.Store
	bucket    blob.Bucket
	sink      analytics.Sink
	registry  *backend.Registry
	health    *backend.HealthStore
	breakers  *circuitbreaker.Registry
	collector *region.Collector
	cache     *cache.ResponseCache
	monitor   *backend.Monitor
	router    *router.Router
	scheduler *scheduler.Scheduler

	handler http.Handler
	admin   *admin.Server

	routerServer *http.Server
	adminServer  *http.Server
	listeners    []net.Listener
	watcher      *config.Watcher
	serveErr     chan error
	wg           sync.WaitGroup
}

// newApplication wires every component from cfg. Nothing is started.
func newApplication(ctx context.Context, cfg *config.Config, logger observability.Logger) (*application, error) {
	app := &application{
		cfg:      cfg,
		logger:   logger,
		clock:    clockwork.NewRealClock(),
		metrics:  observability.NewMetrics(cfg.Observability.Metrics.Namespace),
		serveErr: make(chan error, 2),
	}
	app.metrics.SetBuildInfo(version, gitCommit, buildTime)

	tracer, err := initTracer(cfg.Observability.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	app.tracer = tracer

	if app.store, err = newStore(ctx, cfg.Store, logger); err != nil {
		return nil, err
	}
	if app.bucket, err = newBucket(cfg.Blob); err != nil {
		_ = app.store.Close()
		return nil, err
	}
	app.sink = analytics.MultiSink{analytics.NewLogSink(logger)}

	if app.registry, err = backend.NewRegistry(cfg.Regions); err != nil {
		_ = app.store.Close()
		return nil, fmt.Errorf("load regions: %w", err)
	}

	if err := app.initComponents(); err != nil {
		_ = app.store.Close()
		return nil, err
	}
	if err := app.initScheduler(); err != nil {
		_ = app.store.Close()
		return nil, err
	}
	app.initHandlers()
	return app, nil
}

func (a *application) initComponents() error {
	cfg, logger, metrics := a.cfg, a.logger, a.metrics

	a.health = backend.NewHealthStore(a.store, a.registry, cfg.Health.TTL.Duration())
	a.collector = region.NewCollector(a.store, region.WithLogger(logger))
	a.breakers = circuitbreaker.NewRegistry(a.store, circuitbreaker.ConfigFrom(cfg.CircuitBreaker),
		circuitbreaker.WithLogger(logger),
		circuitbreaker.WithMetrics(metrics),
		circuitbreaker.WithStateChangeCallback(a.onCircuitChange),
	)
	a.cache = cache.New(a.store, cfg.Cache.TTL.Duration(),
		cache.WithLogger(logger),
		cache.WithMetrics(metrics),
	)
	a.monitor = backend.NewMonitor(a.registry, a.health, cfg.Health,
		backend.WithMonitorLogger(logger),
		backend.WithMonitorMetrics(metrics),
		backend.WithOperationRecorder(a.collector),
	)

	rt, err := router.New(router.Components{
		Registry: a.registry,
		Health:   a.health,
		Selector: backend.NewSelector(a.store, a.collector, cfg.Routing.Algorithm,
			backend.WithSelectorLogger(logger)),
		Breakers: a.breakers,
		Limiter: ratelimit.NewFixedWindowLimiter(a.store, ratelimit.RulesFrom(cfg.RateLimit),
			ratelimit.WithLogger(logger),
			ratelimit.WithMetrics(metrics),
		),
		Cache: a.cache,
		Coalescer: coalesce.New(a.store, coalesce.SettingsFrom(cfg.Coalesce),
			coalesce.WithLogger(logger),
			coalesce.WithMetrics(metrics),
		),
		Forwarder: proxy.NewForwarder(
			proxy.WithTimeout(cfg.Routing.ForwardTimeout.Duration()),
			proxy.WithMaxResponseBody(cfg.Routing.MaxResponseBody),
			proxy.WithLogger(logger),
			proxy.WithMetrics(metrics),
			proxy.WithTracer(a.tracer),
		),
		Collector: a.collector,
		Sink:      a.sink,
	}, cfg,
		router.WithLogger(logger),
		router.WithMetrics(metrics),
		router.WithTracer(a.tracer),
	)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}
	a.router = rt
	return nil
}

func (a *application) initHandlers() {
	clients := middleware.NewClientIdentifier(a.cfg.Routing.ClientIDHeader, a.cfg.Routing.TrustedProxies)
	a.handler = middleware.Chain(a.router,
		middleware.Recovery(a.logger, a.metrics),
		middleware.RequestID(nil),
		middleware.Logging(a.logger, clients, a.clock),
		middleware.BodyLimit(a.cfg.Routing.MaxRequestBody, a.logger),
	)

	checks := health.NewHandler(a.logger, health.WithVersion(version))
	checks.AddCheck(health.StoreCheck(a.store))
	checks.AddCheck(health.RegionsCheck(a.health))

	a.admin = admin.New(admin.Deps{
		Registry: a.registry,
		Health:   a.health,
		Breakers: a.breakers,
		Load:     a.collector,
		Jobs:     a.scheduler,
		Reports:  a.bucket,
		Checks:   checks,
		Metrics:  a.metrics,
	},
		admin.WithLogger(a.logger),
		admin.WithRateLimit(a.cfg.Admin.RequestsPerSecond, a.cfg.Admin.Burst),
	)
}

// onCircuitChange publishes breaker transitions as analytics events.
func (a *application) onCircuitChange(ctx context.Context, regionID string, from, to circuitbreaker.State) {
	err := a.sink.Emit(ctx, analytics.Event{
		Type:   analytics.EventCircuitStateChanged,
		Time:   a.clock.Now().UTC(),
		Region: regionID,
		Data: map[string]any{
			"from": from.String(),
			"to":   to.String(),
		},
	})
	if err != nil {
		a.logger.Warn("failed to emit circuit event",
			observability.String("region", regionID),
			observability.Error(err),
		)
	}
}

// initTracer initializes the tracer.
func initTracer(cfg config.TracingConfig) (*observability.Tracer, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "avaregion"
	}
	return observability.NewTracer(observability.TracerConfig{
		ServiceName:  serviceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.SamplingRate,
		Enabled:      cfg.Enabled,
	})
}

// newStore opens the shared state store. The Redis password is read from
// Vault when a secret reference is configured.
func newStore(ctx context.Context, cfg config.StoreConfig, logger observability.Logger) (store.Store, error) {
	if cfg.Type != config.StoreTypeRedis {
		logger.Info("using in-memory store")
		return store.NewMemoryStore(), nil
	}

	password := cfg.Redis.Password
	if cfg.Redis.Vault != nil {
		secret, err := vault.ResolvePassword(ctx, cfg.Redis.Vault, vault.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("resolve redis password: %w", err)
		}
		password = secret
		logger.Info("redis password read from vault",
			observability.String("path", cfg.Redis.Vault.Path),
		)
	}

	rc := store.DefaultRedisConfig()
	rc.Address = cfg.Redis.Address
	rc.Password = password
	rc.DB = cfg.Redis.DB
	rc.Logger = logger
	if cfg.Redis.KeyPrefix != "" {
		rc.Prefix = cfg.Redis.KeyPrefix
	}
	if cfg.Redis.PoolSize > 0 {
		rc.PoolSize = cfg.Redis.PoolSize
	}
	if d := cfg.Redis.DialTimeout.Duration(); d > 0 {
		rc.DialTimeout = d
	}
	if d := cfg.Redis.ReadTimeout.Duration(); d > 0 {
		rc.ReadTimeout = d
	}
	if d := cfg.Redis.WriteTimeout.Duration(); d > 0 {
		rc.WriteTimeout = d
	}

	s, err := store.NewRedisStore(rc)
	if err != nil {
		return nil, fmt.Errorf("connect redis store: %w", err)
	}
	logger.Info("using redis store", observability.String("address", rc.Address))
	return s, nil
}

// newBucket opens the snapshot and report store.
func newBucket(cfg config.BlobConfig) (blob.Bucket, error) {
	if cfg.Type != config.BlobTypeFile {
		return blob.NewMemoryBucket(), nil
	}
	b, err := blob.NewFileBucket(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("open blob dir %s: %w", cfg.Dir, err)
	}
	return b, nil
}

// start binds both listeners, starts serving, the scheduler and the config
// watcher. An empty configPath disables hot reload.
func (a *application) start(ctx context.Context, configPath string) error {
	a.routerServer = &http.Server{
		Addr:              a.cfg.Server.Address,
		Handler:           a.handler,
		ReadTimeout:       a.cfg.Server.ReadTimeout.Duration(),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:       a.cfg.Server.IdleTimeout.Duration(),
	}
	a.adminServer = &http.Server{
		Addr:              a.cfg.Admin.Address,
		Handler:           a.admin,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	for _, srv := range []*http.Server{a.routerServer, a.adminServer} {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			a.closeListeners()
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}
		a.listeners = append(a.listeners, ln)
	}

	a.serve(a.routerServer, a.listeners[0], "router")
	a.serve(a.adminServer, a.listeners[1], "admin")

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if configPath != "" {
		a.watcher = a.startConfigWatcher(ctx, configPath)
	}
	return nil
}

func (a *application) serve(srv *http.Server, ln net.Listener, name string) {
	a.logger.Info("starting server",
		observability.String("server", name),
		observability.String("address", ln.Addr().String()),
	)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("server error", observability.String("server", name), observability.Error(err))
			a.serveErr <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
}

func (a *application) closeListeners() {
	for _, ln := range a.listeners {
		_ = ln.Close()
	}
	a.listeners = nil
}

// startConfigWatcher reloads the router when the configuration file changes.
func (a *application) startConfigWatcher(ctx context.Context, configPath string) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		a.logger.Info("configuration changed, reloading")
		a.router.Reload(newCfg)
	}, config.WithLogger(a.logger))
	if err != nil {
		a.logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("failed to start config watcher", observability.Error(err))
		return nil
	}
	return watcher
}
