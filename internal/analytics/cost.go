package analytics

import (
	"sort"

	"github.com/vyrodovalexey/avaregion/internal/config"
	"github.com/vyrodovalexey/avaregion/internal/metrics/region"
)

// CostModel maps an operation type to its unit prices.
type CostModel map[string]config.UnitCost

// OperationCost is the estimated cost of one operation type.
type OperationCost struct {
	Operation  string  `json:"operation"`
	Count      int64   `json:"count"`
	DurationMs int64   `json:"durationMs"`
	Cost       float64 `json:"cost"`
}

// Estimate prices every operation and returns the total and the per
// operation breakdown in operation name order. Operations without a price
// cost nothing.
func (m CostModel) Estimate(ops []region.OperationStats) (float64, []OperationCost) {
	breakdown := make([]OperationCost, 0, len(ops))
	var total float64
	for _, op := range ops {
		unit := m[op.Operation]
		cost := float64(op.Count)*unit.PerRequest + float64(op.DurationMs)*unit.PerMillisecond
		total += cost
		breakdown = append(breakdown, OperationCost{
			Operation:  op.Operation,
			Count:      op.Count,
			DurationMs: op.DurationMs,
			Cost:       cost,
		})
	}
	sort.Slice(breakdown, func(i, j int) bool {
		return breakdown[i].Operation < breakdown[j].Operation
	})
	return total, breakdown
}
