// Package admin serves the operational API of the router: liveness and
// readiness probes, Prometheus metrics, per-region state, manual job runs
// and the latest analytics reports.
package admin

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avaregion/internal/analytics"
	"github.com/vyrodovalexey/avaregion/internal/backend"
	"github.com/vyrodovalexey/avaregion/internal/blob"
	"github.com/vyrodovalexey/avaregion/internal/circuitbreaker"
	"github.com/vyrodovalexey/avaregion/internal/health"
	"github.com/vyrodovalexey/avaregion/internal/metrics/region"
	"github.com/vyrodovalexey/avaregion/internal/observability"
	"github.com/vyrodovalexey/avaregion/internal/scheduler"
	"github.com/vyrodovalexey/avaregion/internal/util"
)

var ginModeOnce sync.Once

// HealthReader reads the last probe result of a region.
type HealthReader interface {
	Get(ctx context.Context, region string) (*backend.HealthRecord, error)
}

// CircuitReader reads the breaker record of a region.
type CircuitReader interface {
	State(ctx context.Context, region string) (circuitbreaker.CircuitState, error)
}

// LoadReader reads the rolling load counters of a region.
type LoadReader interface {
	Load(ctx context.Context, region string) (region.LoadMetrics, error)
}

// JobRunner runs and reports background jobs.
type JobRunner interface {
	RunNow(ctx context.Context, name string) error
	Status() []scheduler.JobStatus
}

// Deps are the components the admin API reads from.
type Deps struct {
	Registry *backend.Registry
	Health   HealthReader
	Breakers CircuitReader
	Load     LoadReader
	Jobs     JobRunner
	Reports  blob.Bucket
	Checks   *health.Handler
	Metrics  *observability.Metrics
}

// RegionStatus is the admin view of one region.
type RegionStatus struct {
	ID           string                       `json:"id"`
	BaseURL      string                       `json:"baseUrl"`
	Weight       int                          `json:"weight"`
	EdgeAffinity []string                     `json:"edgeAffinity,omitempty"`
	Health       *backend.HealthRecord        `json:"health,omitempty"`
	Circuit      *circuitbreaker.CircuitState `json:"circuit,omitempty"`
	Load         *region.LoadMetrics          `json:"load,omitempty"`
}

// Server is the admin HTTP handler.
type Server struct {
	engine  *gin.Engine
	deps    Deps
	logger  observability.Logger
	limiter *rate.Limiter
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRateLimit throttles the whole admin API with a token bucket. A
// non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New builds the admin API over deps.
func New(deps Deps, opts ...Option) *Server {
	ginModeOnce.Do(func() {
		if gin.Mode() != gin.TestMode {
			gin.SetMode(gin.ReleaseMode)
		}
	})

	s := &Server{
		engine: gin.New(),
		deps:   deps,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(gin.Recovery())
	if s.limiter != nil {
		s.engine.Use(throttle(s.limiter, s.logger))
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func (s *Server) routes() {
	if s.deps.Checks != nil {
		s.deps.Checks.RegisterRoutes(s.engine)
	}
	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	g := s.engine.Group("/admin")
	g.GET("/regions", s.listRegions)
	g.GET("/jobs", s.listJobs)
	g.POST("/jobs/:name", s.runJob)
	g.GET("/reports/:kind", s.getReport)
}

func (s *Server) listRegions(c *gin.Context) {
	if s.deps.Registry == nil {
		c.JSON(http.StatusOK, []RegionStatus{})
		return
	}

	ctx := c.Request.Context()
	regions := s.deps.Registry.Regions()
	out := make([]RegionStatus, 0, len(regions))
	for _, r := range regions {
		st, err := s.regionStatus(ctx, r)
		if err != nil {
			s.logger.Error("failed to read region state",
				observability.String("region", r.ID),
				observability.Error(err),
			)
			c.JSON(http.StatusInternalServerError, util.ErrorBody{Error: "failed to read region state"})
			return
		}
		out = append(out, st)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) regionStatus(ctx context.Context, r *backend.Region) (RegionStatus, error) {
	st := RegionStatus{
		ID:           r.ID,
		BaseURL:      r.BaseURL.String(),
		Weight:       r.Weight,
		EdgeAffinity: r.EdgeAffinity(),
	}

	if s.deps.Health != nil {
		rec, err := s.deps.Health.Get(ctx, r.ID)
		if err != nil {
			return st, err
		}
		st.Health = rec
	}
	if s.deps.Breakers != nil {
		circuit, err := s.deps.Breakers.State(ctx, r.ID)
		if err != nil {
			return st, err
		}
		st.Circuit = &circuit
	}
	if s.deps.Load != nil {
		load, err := s.deps.Load.Load(ctx, r.ID)
		if err != nil {
			return st, err
		}
		st.Load = &load
	}
	return st, nil
}

func (s *Server) listJobs(c *gin.Context) {
	if s.deps.Jobs == nil {
		c.JSON(http.StatusOK, []scheduler.JobStatus{})
		return
	}
	c.JSON(http.StatusOK, s.deps.Jobs.Status())
}

func (s *Server) runJob(c *gin.Context) {
	name := c.Param("name")
	if s.deps.Jobs == nil {
		c.JSON(http.StatusNotFound, util.ErrorBody{Error: "unknown job", Message: name})
		return
	}

	err := s.deps.Jobs.RunNow(c.Request.Context(), name)
	switch {
	case err == nil:
		s.logger.Info("job triggered", observability.String("job", name))
		c.JSON(http.StatusOK, gin.H{"job": name, "status": "completed"})
	case errors.Is(err, scheduler.ErrUnknownJob):
		c.JSON(http.StatusNotFound, util.ErrorBody{Error: "unknown job", Message: name})
	case errors.Is(err, scheduler.ErrJobRunning):
		c.JSON(http.StatusConflict, util.ErrorBody{Error: "job already running", Message: name})
	default:
		s.logger.Warn("manual job run failed",
			observability.String("job", name),
			observability.Error(err),
		)
		c.JSON(http.StatusInternalServerError, util.ErrorBody{Error: "job failed", Message: err.Error()})
	}
}

func (s *Server) getReport(c *gin.Context) {
	kind := c.Param("kind")
	key, ok := analytics.LatestReportKey(kind)
	if !ok {
		c.JSON(http.StatusNotFound, util.ErrorBody{Error: "unknown report kind", Message: kind})
		return
	}
	if s.deps.Reports == nil {
		c.JSON(http.StatusNotFound, util.ErrorBody{Error: "report not found", Message: kind})
		return
	}

	data, err := s.deps.Reports.Get(c.Request.Context(), key)
	switch {
	case errors.Is(err, blob.ErrNotFound):
		c.JSON(http.StatusNotFound, util.ErrorBody{Error: "report not found", Message: kind})
	case err != nil:
		s.logger.Error("failed to read report",
			observability.String("kind", kind),
			observability.Error(err),
		)
		c.JSON(http.StatusInternalServerError, util.ErrorBody{Error: "failed to read report"})
	default:
		c.Data(http.StatusOK, "application/json", data)
	}
}

// throttle rejects requests once the shared token bucket is empty.
func throttle(limiter *rate.Limiter, logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			logger.Warn("admin rate limit exceeded",
				observability.String("path", c.Request.URL.Path),
			)
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, util.ErrorBody{Error: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
