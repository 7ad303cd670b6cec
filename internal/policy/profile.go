package policy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"driftwatch/internal/drift"
)

// Profile names a risk preset controlling how aggressively a wallet reacts
// to drift and market risk.
type Profile string

const (
	ProfileConservative Profile = "conservative"
	ProfileBalanced     Profile = "balanced"
	ProfileAggressive   Profile = "aggressive"
)

// Params are the per-profile policy knobs. Threshold and trade cap act as
// defaults filled in on subscribe; MinUrgency and RiskCeiling always apply.
type Params struct {
	DriftThreshold decimal.Decimal
	MaxDailyTrades int
	MinUrgency     drift.Urgency
	RiskCeiling    float64
}

// Closed preset table. Keeping this a lookup, not scattered branching,
// keeps the decision rule order auditable.
var profileParams = map[Profile]Params{
	ProfileConservative: {
		DriftThreshold: decimal.NewFromInt(8),
		MaxDailyTrades: 2,
		MinUrgency:     drift.UrgencyHigh,
		RiskCeiling:    60,
	},
	ProfileBalanced: {
		DriftThreshold: decimal.NewFromInt(5),
		MaxDailyTrades: 3,
		MinUrgency:     drift.UrgencyMedium,
		RiskCeiling:    75,
	},
	ProfileAggressive: {
		DriftThreshold: decimal.NewFromInt(3),
		MaxDailyTrades: 5,
		MinUrgency:     drift.UrgencyLow,
		RiskCeiling:    90,
	},
}

// ParseProfile validates a profile name.
func ParseProfile(s string) (Profile, error) {
	p := Profile(s)
	if _, ok := profileParams[p]; !ok {
		return "", fmt.Errorf("unknown risk profile %q (want conservative, balanced, or aggressive)", s)
	}
	return p, nil
}

// ParamsFor returns the preset for a profile, falling back to balanced for
// values that slipped past validation.
func ParamsFor(p Profile) Params {
	if params, ok := profileParams[p]; ok {
		return params
	}
	return profileParams[ProfileBalanced]
}
