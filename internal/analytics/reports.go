package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avaregion/internal/blob"
	"github.com/vyrodovalexey/avaregion/internal/observability"
)

// Report kinds served by the admin API.
const (
	ReportCost   = "cost"
	ReportHourly = "hourly"
	ReportDaily  = "daily"
)

// LatestReportKey returns the bucket key of the most recent report of kind.
func LatestReportKey(kind string) (string, bool) {
	switch kind {
	case ReportCost, ReportHourly, ReportDaily:
		return "reports/" + kind + "/latest.json", true
	default:
		return "", false
	}
}

func reportKey(kind string, ts time.Time) string {
	return "reports/" + kind + "/" + ts.UTC().Format(timestampFmt) + ".json"
}

// HealthView reports which regions are currently healthy.
type HealthView interface {
	HealthyIDs(ctx context.Context) ([]string, error)
}

// RegionSummary aggregates one region over a report window.
type RegionSummary struct {
	Region       string  `json:"region"`
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	ErrorRate    float64 `json:"errorRate"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	TrafficShare float64 `json:"trafficShare"`
}

// CostReport projects spend from the trailing hour.
type CostReport struct {
	GeneratedAt          time.Time       `json:"generatedAt"`
	WindowStart          time.Time       `json:"windowStart"`
	Snapshots            int             `json:"snapshots"`
	HourlyCost           float64         `json:"hourlyCost"`
	ProjectedDailyCost   float64         `json:"projectedDailyCost"`
	ProjectedMonthlyCost float64         `json:"projectedMonthlyCost"`
	Breakdown            []OperationCost `json:"breakdown"`
}

// HourlyReport summarizes traffic over the trailing hour.
type HourlyReport struct {
	GeneratedAt time.Time       `json:"generatedAt"`
	WindowStart time.Time       `json:"windowStart"`
	Snapshots   int             `json:"snapshots"`
	Regions     []RegionSummary `json:"regions"`
	Totals      Totals          `json:"totals"`
	Cost        float64         `json:"cost"`
}

// DailyReport carries the trailing day summary and the recommendations
// derived from it.
type DailyReport struct {
	GeneratedAt     time.Time        `json:"generatedAt"`
	WindowStart     time.Time        `json:"windowStart"`
	Snapshots       int              `json:"snapshots"`
	Regions         []RegionSummary  `json:"regions"`
	Totals          Totals           `json:"totals"`
	Cost            float64          `json:"cost"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Reporter derives reports from the snapshots in the bucket.
type Reporter struct {
	base
	regions []string
}

// NewReporter creates a reporter over the given region ids.
func NewReporter(bucket blob.Bucket, regions []string, opts ...Option) *Reporter {
	return &Reporter{base: newBase(bucket, opts), regions: regions}
}

// Snapshots returns every snapshot taken in (since, now], oldest first.
// Unreadable snapshots are skipped.
func (r *Reporter) Snapshots(ctx context.Context, since time.Time) ([]Snapshot, error) {
	keys, err := r.bucket.List(ctx, snapshotPrefix)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var out []Snapshot
	for _, key := range keys {
		ts, ok := parseSnapshotKey(key)
		if !ok || !ts.After(since) {
			continue
		}
		data, err := r.bucket.Get(ctx, key)
		if errors.Is(err, blob.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", key, err)
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			r.logger.Warn("skipping corrupt snapshot",
				observability.String("key", key),
				observability.Error(err),
			)
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// CostAnalysis prices the trailing hour and projects daily and monthly
// spend from it.
func (r *Reporter) CostAnalysis(ctx context.Context) (*CostReport, error) {
	now := r.clock.Now().UTC()
	since := now.Add(-time.Hour)

	snaps, err := r.Snapshots(ctx, since)
	if err != nil {
		return nil, err
	}

	report := &CostReport{
		GeneratedAt: now,
		WindowStart: since,
		Snapshots:   len(snaps),
		Breakdown:   mergeBreakdown(snaps),
	}
	for _, s := range snaps {
		report.HourlyCost += s.Cost
	}
	report.ProjectedDailyCost = report.HourlyCost * 24
	report.ProjectedMonthlyCost = report.ProjectedDailyCost * 30

	key, _ := LatestReportKey(ReportCost)
	if err := r.putJSON(ctx, key, report); err != nil {
		return nil, err
	}

	r.emit(ctx, Event{
		Type: EventCostReport,
		Time: now,
		Data: map[string]any{
			"hourlyCost":           report.HourlyCost,
			"projectedDailyCost":   report.ProjectedDailyCost,
			"projectedMonthlyCost": report.ProjectedMonthlyCost,
		},
	})
	return report, nil
}

// Hourly summarizes the trailing hour per region.
func (r *Reporter) Hourly(ctx context.Context) (*HourlyReport, error) {
	now := r.clock.Now().UTC()
	since := now.Add(-time.Hour)

	snaps, err := r.Snapshots(ctx, since)
	if err != nil {
		return nil, err
	}

	regions, totals := r.summarize(snaps)
	report := &HourlyReport{
		GeneratedAt: now,
		WindowStart: since,
		Snapshots:   len(snaps),
		Regions:     regions,
		Totals:      totals,
		Cost:        sumCost(snaps),
	}

	if err := r.writeReport(ctx, ReportHourly, now, report); err != nil {
		return nil, err
	}

	r.emit(ctx, Event{
		Type: EventHourlyReport,
		Time: now,
		Data: map[string]any{
			"requests":     totals.Requests,
			"errorRate":    totals.ErrorRate,
			"avgLatencyMs": totals.AvgLatencyMs,
			"cost":         report.Cost,
		},
	})
	return report, nil
}

// DailyOptimization analyzes the trailing day and records rule based
// recommendations.
func (r *Reporter) DailyOptimization(ctx context.Context) (*DailyReport, error) {
	now := r.clock.Now().UTC()
	since := now.Add(-24 * time.Hour)

	snaps, err := r.Snapshots(ctx, since)
	if err != nil {
		return nil, err
	}

	regions, totals := r.summarize(snaps)
	report := &DailyReport{
		GeneratedAt: now,
		WindowStart: since,
		Snapshots:   len(snaps),
		Regions:     regions,
		Totals:      totals,
		Cost:        sumCost(snaps),
	}

	var healthy map[string]bool
	if r.health != nil {
		ids, err := r.health.HealthyIDs(ctx)
		if err != nil {
			r.logger.Warn("health unavailable for optimization, assuming all healthy",
				observability.Error(err),
			)
		} else {
			healthy = make(map[string]bool, len(ids))
			for _, id := range ids {
				healthy[id] = true
			}
		}
	}

	report.Recommendations = Recommend(Input{
		Regions: regions,
		Totals:  totals,
		Cost:    report.Cost,
		Budget:  r.budget,
		Healthy: healthy,
	})

	if err := r.writeReport(ctx, ReportDaily, now, report); err != nil {
		return nil, err
	}

	rules := make([]string, 0, len(report.Recommendations))
	for _, rec := range report.Recommendations {
		rules = append(rules, rec.Rule)
	}
	r.emit(ctx, Event{
		Type: EventRecommendations,
		Time: now,
		Data: map[string]any{
			"count": len(report.Recommendations),
			"rules": rules,
		},
	})
	return report, nil
}

func (r *Reporter) writeReport(ctx context.Context, kind string, ts time.Time, v any) error {
	if err := r.putJSON(ctx, reportKey(kind, ts), v); err != nil {
		return err
	}
	key, _ := LatestReportKey(kind)
	return r.putJSON(ctx, key, v)
}

// summarize folds snapshots into per-region totals in registry order.
func (r *Reporter) summarize(snaps []Snapshot) ([]RegionSummary, Totals) {
	type acc struct {
		requests, errors int64
		latencySum       float64
	}
	byRegion := make(map[string]*acc, len(r.regions))
	for _, id := range r.regions {
		byRegion[id] = &acc{}
	}

	for _, s := range snaps {
		for _, l := range s.Regions {
			a, ok := byRegion[l.Region]
			if !ok {
				continue
			}
			a.requests += l.Requests
			a.errors += l.Errors
			a.latencySum += l.AvgLatencyMs * float64(l.Requests)
		}
	}

	var totals Totals
	var latencySum float64
	out := make([]RegionSummary, 0, len(r.regions))
	for _, id := range r.regions {
		a := byRegion[id]
		s := RegionSummary{Region: id, Requests: a.requests, Errors: a.errors}
		if a.requests > 0 {
			s.ErrorRate = float64(a.errors) / float64(a.requests)
			s.AvgLatencyMs = a.latencySum / float64(a.requests)
		}
		totals.Requests += a.requests
		totals.Errors += a.errors
		latencySum += a.latencySum
		out = append(out, s)
	}

	if totals.Requests > 0 {
		totals.ErrorRate = float64(totals.Errors) / float64(totals.Requests)
		totals.AvgLatencyMs = latencySum / float64(totals.Requests)
		for i := range out {
			out[i].TrafficShare = float64(out[i].Requests) / float64(totals.Requests)
		}
	}
	return out, totals
}

func sumCost(snaps []Snapshot) float64 {
	var total float64
	for _, s := range snaps {
		total += s.Cost
	}
	return total
}

func mergeBreakdown(snaps []Snapshot) []OperationCost {
	index := make(map[string]int)
	var out []OperationCost
	for _, s := range snaps {
		for _, c := range s.CostBreakdown {
			i, ok := index[c.Operation]
			if !ok {
				index[c.Operation] = len(out)
				out = append(out, OperationCost{Operation: c.Operation})
				i = len(out) - 1
			}
			out[i].Count += c.Count
			out[i].DurationMs += c.DurationMs
			out[i].Cost += c.Cost
		}
	}
	return out
}
