package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"github.com/vyrodovalexey/avaregion/internal/observability"
)

// DefaultReadinessProbeTimeout bounds a readiness run.
const DefaultReadinessProbeTimeout = 5 * time.Second

// Status is the outcome of a check or of a whole readiness run.
type Status string

const (
	// StatusOK means every check passed.
	StatusOK Status = "ok"
	// StatusDegraded means only non-critical checks failed.
	StatusDegraded Status = "degraded"
	// StatusError means a critical check failed.
	StatusError Status = "error"
)

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status    Status                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Version   string                  `json:"version,omitempty"`
	Uptime    string                  `json:"uptime,omitempty"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Status   Status `json:"status"`
	Critical bool   `json:"critical"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// Handler handles health check requests.
type Handler struct {
	checks    []*DependencyCheck
	mu        sync.RWMutex
	logger    observability.Logger
	clock     clockwork.Clock
	startTime time.Time
	version   string
	timeout   time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock sets the clock used for timestamps and uptime.
func WithClock(clock clockwork.Clock) Option {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(version string) Option {
	return func(h *Handler) {
		h.version = version
	}
}

// WithReadinessTimeout bounds each readiness run.
func WithReadinessTimeout(timeout time.Duration) Option {
	return func(h *Handler) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// NewHandler creates a new health handler.
func NewHandler(logger observability.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	h := &Handler{
		logger:  logger,
		clock:   clockwork.NewRealClock(),
		timeout: DefaultReadinessProbeTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.startTime = h.clock.Now()
	return h
}

// AddCheck adds a dependency check.
func (h *Handler) AddCheck(check *DependencyCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// LivenessHandler returns a handler for liveness probes. It only reports
// that the process serves HTTP.
func (h *Handler) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    StatusOK,
			"timestamp": h.clock.Now().UTC(),
		})
	}
}

// ReadinessHandler returns a handler for readiness probes.
func (h *Handler) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.Readiness(c.Request.Context())
		c.JSON(statusCode(status.Status), status)
	}
}

// HealthHandler returns a handler for the detailed status with version and
// uptime.
func (h *Handler) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.Readiness(c.Request.Context())
		status.Version = h.version
		status.Uptime = h.clock.Since(h.startTime).Round(time.Second).String()
		c.JSON(statusCode(status.Status), status)
	}
}

// RegisterRoutes registers the health routes.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/healthz", h.LivenessHandler())
	r.GET("/livez", h.LivenessHandler())
	r.GET("/readyz", h.ReadinessHandler())
	r.GET("/health", h.HealthHandler())
}

func statusCode(s Status) int {
	if s == StatusError {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// Readiness runs every check concurrently and folds the results.
func (h *Handler) Readiness(ctx context.Context) *HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.RLock()
	checks := make([]*DependencyCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := &HealthStatus{
		Status:    StatusOK,
		Timestamp: h.clock.Now().UTC(),
		Checks:    make(map[string]*CheckResult, len(checks)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, check := range checks {
		wg.Add(1)
		go func(d *DependencyCheck) {
			defer wg.Done()

			duration, err := d.Check(ctx, h.clock)
			result := &CheckResult{
				Status:   StatusOK,
				Critical: d.IsCritical(),
				Duration: duration.String(),
			}

			mu.Lock()
			defer mu.Unlock()
			status.Checks[d.Name()] = result
			if err == nil {
				return
			}

			result.Error = err.Error()
			if d.IsCritical() {
				result.Status = StatusError
				status.Status = StatusError
			} else {
				result.Status = StatusDegraded
				if status.Status == StatusOK {
					status.Status = StatusDegraded
				}
			}

			h.logger.Warn("readiness check failed",
				observability.String("check", d.Name()),
				observability.Bool("critical", d.IsCritical()),
				observability.Duration("duration", duration),
				observability.Error(err),
			)
		}(check)
	}

	wg.Wait()
	return status
}
