// Package drift computes how far a portfolio has moved from its target
// allocation. It is pure: no state, no I/O, identical inputs always yield
// identical output.
package drift

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Allocation maps asset symbols to percentage weights.
type Allocation map[string]decimal.Decimal

// Urgency discretises total drift into severity buckets.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyMedium
	UrgencyHigh
	UrgencyCritical
)

// Bucket breakpoints, shared system-wide. Not tunable per wallet.
var (
	mediumBreak   = decimal.NewFromInt(10)
	highBreak     = decimal.NewFromInt(15)
	criticalBreak = decimal.NewFromInt(20)
)

func (u Urgency) String() string {
	switch u {
	case UrgencyCritical:
		return "critical"
	case UrgencyHigh:
		return "high"
	case UrgencyMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParseUrgency maps a stored urgency string back to its level.
func ParseUrgency(s string) Urgency {
	switch s {
	case "critical":
		return UrgencyCritical
	case "high":
		return UrgencyHigh
	case "medium":
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// Result holds the drift metrics for one check.
type Result struct {
	// PerAsset is signed: current minus target, in percentage points.
	PerAsset map[string]decimal.Decimal
	// Total is the sum of absolute per-asset drifts.
	Total decimal.Decimal
	// Urgency is a monotonic step function of Total.
	Urgency Urgency
}

// Compute derives drift metrics from the current and target allocations.
// Assets present in either allocation participate; a missing key counts as 0.
func Compute(current, target Allocation) Result {
	perAsset := make(map[string]decimal.Decimal, len(target))
	total := decimal.Zero

	for _, asset := range unionKeys(current, target) {
		cur := current[asset]
		tgt := target[asset]
		diff := cur.Sub(tgt)
		perAsset[asset] = diff
		total = total.Add(diff.Abs())
	}

	return Result{
		PerAsset: perAsset,
		Total:    total,
		Urgency:  urgencyFor(total),
	}
}

func urgencyFor(total decimal.Decimal) Urgency {
	switch {
	case total.GreaterThanOrEqual(criticalBreak):
		return UrgencyCritical
	case total.GreaterThanOrEqual(highBreak):
		return UrgencyHigh
	case total.GreaterThanOrEqual(mediumBreak):
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

func unionKeys(a, b Allocation) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Normalize converts per-asset USD values into percentage weights.
// Returns an empty allocation when the total is zero.
func Normalize(usdValues map[string]decimal.Decimal) (Allocation, decimal.Decimal) {
	total := decimal.Zero
	for _, v := range usdValues {
		total = total.Add(v)
	}

	weights := make(Allocation, len(usdValues))
	if total.IsZero() {
		return weights, total
	}

	hundred := decimal.NewFromInt(100)
	for asset, v := range usdValues {
		weights[asset] = v.Div(total).Mul(hundred)
	}
	return weights, total
}
