package analytics

import "fmt"

// Recommendation rules.
const (
	RuleHighErrorRate    = "high_error_rate"
	RuleHighLatency      = "high_latency"
	RuleTrafficImbalance = "traffic_imbalance"
	RuleIdleRegion       = "idle_region"
	RuleCostOverBudget   = "cost_over_budget"
)

// Rule thresholds.
const (
	ErrorRateThreshold    = 0.05
	CriticalErrorRate     = 0.20
	LatencyThresholdMs    = 500.0
	TrafficShareThreshold = 0.60
	severityWarning       = "warning"
	severityCritical      = "critical"
	severityInformational = "info"
)

// Recommendation is one optimization suggestion.
type Recommendation struct {
	Rule      string  `json:"rule"`
	Region    string  `json:"region,omitempty"`
	Severity  string  `json:"severity"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Input is what the rules look at.
type Input struct {
	Regions []RegionSummary
	Totals  Totals
	Cost    float64
	// Budget of zero disables the budget rule.
	Budget float64
	// Healthy is nil when health is unknown, which counts every region as
	// healthy.
	Healthy map[string]bool
}

func (in Input) healthy(region string) bool {
	return in.Healthy == nil || in.Healthy[region]
}

// Recommend evaluates every rule against in.
func Recommend(in Input) []Recommendation {
	recs := make([]Recommendation, 0)

	for _, r := range in.Regions {
		if r.Requests > 0 && r.ErrorRate > ErrorRateThreshold {
			severity := severityWarning
			if r.ErrorRate > CriticalErrorRate {
				severity = severityCritical
			}
			recs = append(recs, Recommendation{
				Rule:      RuleHighErrorRate,
				Region:    r.Region,
				Severity:  severity,
				Message:   fmt.Sprintf("region %s has error rate %.1f%%", r.Region, r.ErrorRate*100),
				Value:     r.ErrorRate,
				Threshold: ErrorRateThreshold,
			})
		}
		if r.Requests > 0 && r.AvgLatencyMs > LatencyThresholdMs {
			recs = append(recs, Recommendation{
				Rule:      RuleHighLatency,
				Region:    r.Region,
				Severity:  severityWarning,
				Message:   fmt.Sprintf("region %s average latency %.0fms", r.Region, r.AvgLatencyMs),
				Value:     r.AvgLatencyMs,
				Threshold: LatencyThresholdMs,
			})
		}
	}

	if in.Totals.Requests > 0 {
		for _, r := range in.Regions {
			if r.TrafficShare > TrafficShareThreshold && otherHealthy(in, r.Region) {
				recs = append(recs, Recommendation{
					Rule:     RuleTrafficImbalance,
					Region:   r.Region,
					Severity: severityWarning,
					Message: fmt.Sprintf("region %s carries %.0f%% of traffic while other regions are healthy",
						r.Region, r.TrafficShare*100),
					Value:     r.TrafficShare,
					Threshold: TrafficShareThreshold,
				})
			}
			if r.Requests == 0 {
				recs = append(recs, Recommendation{
					Rule:     RuleIdleRegion,
					Region:   r.Region,
					Severity: severityInformational,
					Message:  fmt.Sprintf("region %s received no traffic", r.Region),
				})
			}
		}
	}

	if in.Budget > 0 && in.Cost > in.Budget {
		recs = append(recs, Recommendation{
			Rule:      RuleCostOverBudget,
			Severity:  severityCritical,
			Message:   fmt.Sprintf("daily cost %.4f exceeds budget %.4f", in.Cost, in.Budget),
			Value:     in.Cost,
			Threshold: in.Budget,
		})
	}

	return recs
}

func otherHealthy(in Input, region string) bool {
	for _, r := range in.Regions {
		if r.Region != region && in.healthy(r.Region) {
			return true
		}
	}
	return false
}
