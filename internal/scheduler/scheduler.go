// Package scheduler runs named background jobs at fixed intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avaregion/internal/observability"
)

var (
	// ErrUnknownJob is returned by RunNow for an unregistered name.
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobRunning is returned when a job is invoked while a previous run
	// of the same job has not finished.
	ErrJobRunning = errors.New("job already running")
	// ErrStarted is returned by Register after Start.
	ErrStarted = errors.New("scheduler already started")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("scheduler stopped")
)

// Job is a named unit of background work.
type Job struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	// Timeout bounds a single run. Zero means the interval.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// JobStatus describes the last execution of a job.
type JobStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Running   bool          `json:"running"`
	Runs      int64         `json:"runs"`
	LastRun   time.Time     `json:"lastRun,omitempty"`
	LastError string        `json:"lastError,omitempty"`
}

type entry struct {
	job     Job
	running atomic.Bool
	runs    atomic.Int64

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// Scheduler owns a set of jobs and runs each on its own ticker. A job never
// overlaps itself: a tick that arrives while the previous run is still in
// progress is skipped.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*entry
	clock   clockwork.Clock
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	stopCh  chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock driving job tickers.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics sink for job runs.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithTracer wraps each run in a span.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Scheduler) {
		s.tracer = t
	}
}

// New creates an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:   make(map[string]*entry),
		clock:  clockwork.NewRealClock(),
		logger: observability.NopLogger(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a job. Names must be unique and intervals positive.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job requires a name and a run function")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrStarted
	}
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.jobs[job.Name] = &entry{job: job}
	return nil
}

// Start launches one loop per registered job. It returns immediately. A
// stopped scheduler cannot be started again.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.stopped:
		return ErrStopped
	case s.started:
		return ErrStarted
	}
	s.started = true

	for _, e := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}

	s.logger.Info("scheduler started", observability.Int("jobs", len(s.jobs)))
	return nil
}

// Stop signals every loop to exit and waits for in-flight runs to finish.
// It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasStarted := s.started
	s.started = false
	s.stopped = true
	s.mu.Unlock()

	s.stop.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	if wasStarted {
		s.logger.Info("scheduler stopped")
	}
}

// RunNow executes the named job synchronously and returns its error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, e, "manual")
}

// Status returns the state of every job sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		st := JobStatus{
			Name:     e.job.Name,
			Interval: e.job.Interval,
			Running:  e.running.Load(),
			Runs:     e.runs.Load(),
			LastRun:  e.lastRun,
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(e.job.Interval)
	defer ticker.Stop()

	if e.job.RunOnStart {
		s.tick(ctx, e)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.Chan():
			s.tick(ctx, e)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, e *entry) {
	if err := s.execute(ctx, e, "schedule"); errors.Is(err, ErrJobRunning) {
		s.logger.Warn("skipping overlapping job run", observability.String("job", e.job.Name))
	}
}

func (s *Scheduler) execute(ctx context.Context, e *entry, trigger string) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrJobRunning, e.job.Name)
	}
	defer e.running.Store(false)

	timeout := e.job.Timeout
	if timeout <= 0 {
		timeout = e.job.Interval
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runCtx, span := s.tracer.StartSpan(runCtx, "job."+e.job.Name,
		trace.WithAttributes(attribute.String("job.trigger", trigger)),
	)
	defer span.End()

	start := s.clock.Now()
	err := e.job.Run(runCtx)
	elapsed := s.clock.Since(start)

	e.runs.Add(1)
	e.mu.Lock()
	e.lastRun = start
	e.lastErr = err
	e.mu.Unlock()

	s.metrics.RecordJobRun(e.job.Name, err, elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("job failed",
			observability.String("job", e.job.Name),
			observability.String("trigger", trigger),
			observability.Duration("duration", elapsed),
			observability.Error(err),
		)
		return err
	}

	s.logger.Debug("job completed",
		observability.String("job", e.job.Name),
		observability.String("trigger", trigger),
		observability.Duration("duration", elapsed),
	)
	return nil
}
