package main

import (
	"context"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avaregion/internal/analytics"
	"github.com/vyrodovalexey/avaregion/internal/scheduler"
)

// Background job names, also used by POST /admin/jobs/:name.
const (
	jobHealthCheck        = "health_check"
	jobMetricsAggregation = "metrics_aggregation"
	jobCostAnalysis       = "cost_analysis"
	jobHourlyReport       = "hourly_report"
	jobDailyOptimization  = "daily_optimization"
)

// probeJobTimeout bounds one health check pass over every region.
const probeJobTimeout = 30 * time.Second

// initScheduler registers the probing and reporting jobs.
func (a *application) initScheduler() error {
	a.scheduler = scheduler.New(
		scheduler.WithLogger(a.logger),
		scheduler.WithMetrics(a.metrics),
		scheduler.WithTracer(a.tracer),
	)

	opts := []analytics.Option{
		analytics.WithSink(a.sink),
		analytics.WithCostModel(analytics.CostModel(a.cfg.Costs)),
		analytics.WithLogger(a.logger),
		analytics.WithHealthView(a.health),
		analytics.WithDailyBudget(a.cfg.Jobs.DailyBudget),
	}
	regions := a.registry.IDs()
	aggregator := analytics.NewAggregator(a.collector, a.bucket, regions, opts...)
	reporter := analytics.NewReporter(a.bucket, regions, opts...)

	jobs := []scheduler.Job{
		{
			Name:       jobHealthCheck,
			Interval:   a.cfg.Health.Interval.Duration(),
			RunOnStart: true,
			Timeout:    probeJobTimeout,
			Run:        a.monitor.CheckAll,
		},
		{
			Name:     jobMetricsAggregation,
			Interval: a.cfg.Jobs.MetricsAggregation.Duration(),
			Run:      discard(aggregator.Aggregate),
		},
		{
			Name:     jobCostAnalysis,
			Interval: a.cfg.Jobs.CostAnalysis.Duration(),
			Run:      discard(reporter.CostAnalysis),
		},
		{
			Name:     jobHourlyReport,
			Interval: a.cfg.Jobs.HourlyReport.Duration(),
			Run:      discard(reporter.Hourly),
		},
		{
			Name:     jobDailyOptimization,
			Interval: a.cfg.Jobs.DailyOptimization.Duration(),
			Run:      discard(reporter.DailyOptimization),
		},
	}
	for _, job := range jobs {
		if err := a.scheduler.Register(job); err != nil {
			return fmt.Errorf("register job: %w", err)
		}
	}
	return nil
}

// discard adapts a reporting call to a job body. The results are persisted
// to the bucket by the call itself.
func discard[T any](fn func(context.Context) (T, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	}
}
